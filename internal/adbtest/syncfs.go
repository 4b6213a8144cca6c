package adbtest

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FluidXR/questlink/internal/wire"
)

const (
	modeDir  = 0o040000
	modeFile = 0o100000
)

// Entry is a file or directory in an FS.
type Entry struct {
	Data  []byte
	Mode  uint32
	MTime uint32
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Mode&0o170000 == modeDir }

// FS is an in-memory device filesystem served over the sync protocol.
type FS struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewFS returns a filesystem holding only "/".
func NewFS() *FS {
	return &FS{entries: map[string]*Entry{"/": {Mode: modeDir | 0o755}}}
}

// Mkdir creates dir and its parents.
func (fs *FS) Mkdir(dir string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirLocked(path.Clean(dir))
}

func (fs *FS) mkdirLocked(dir string) bool {
	if e, ok := fs.entries[dir]; ok {
		return e.IsDir()
	}
	if dir != "/" && !fs.mkdirLocked(path.Dir(dir)) {
		return false
	}
	fs.entries[dir] = &Entry{Mode: modeDir | 0o755}
	return true
}

// WriteFile stores a regular file, creating parent directories.
func (fs *FS) WriteFile(name string, data []byte, perm uint32, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = path.Clean(name)
	if !fs.mkdirLocked(path.Dir(name)) {
		return fmt.Errorf("%s: parent is not a directory", name)
	}
	if e, ok := fs.entries[name]; ok && e.IsDir() {
		return fmt.Errorf("%s: is a directory", name)
	}
	fs.entries[name] = &Entry{
		Data:  append([]byte(nil), data...),
		Mode:  modeFile | (perm & 0o777),
		MTime: uint32(mtime.Unix()),
	}
	return nil
}

// Stat returns a copy of the entry at name.
func (fs *FS) Stat(name string) (Entry, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[path.Clean(name)]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Data = append([]byte(nil), e.Data...)
	return out, true
}

// ReadFile returns the contents of a regular file.
func (fs *FS) ReadFile(name string) ([]byte, bool) {
	e, ok := fs.Stat(name)
	if !ok || e.IsDir() {
		return nil, false
	}
	return e.Data, true
}

func (fs *FS) children(dir string) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir = path.Clean(dir)
	var names []string
	for p := range fs.entries {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names
}

// ServeSync answers sync requests against fs until QUIT or disconnect.
func (s *Session) ServeSync(fs *FS) error {
	for {
		tag, n, err := s.readSyncHeader()
		if err != nil {
			if IsClosedErr(err) {
				return nil
			}
			return err
		}
		if tag == wire.TagQuit {
			return nil
		}
		if n > wire.MaxRemotePathLength+16 {
			return fmt.Errorf("adbtest: request too long: %d", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s, buf); err != nil {
			return err
		}
		arg := string(buf)
		switch tag {
		case wire.TagStat:
			err = s.serveStat(fs, arg)
		case wire.TagList:
			err = s.serveList(fs, arg)
		case wire.TagRecv:
			err = s.serveRecv(fs, arg)
		case wire.TagSend:
			err = s.serveSend(fs, arg)
		default:
			err = fmt.Errorf("adbtest: unknown sync tag %q", tag)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) readSyncHeader() (string, uint32, error) {
	var hdr [wire.SyncHeaderSize]byte
	if _, err := io.ReadFull(s, hdr[:]); err != nil {
		return "", 0, err
	}
	return wire.DecodeSyncHeader(hdr[:])
}

// SyncFail writes a sync FAIL frame.
func (s *Session) SyncFail(msg string) error {
	return s.WriteRaw(append(wire.EncodeSyncHeader(wire.TagFail, uint32(len(msg))), msg...))
}

func (s *Session) serveStat(fs *FS, name string) error {
	e, ok := fs.Stat(name)
	if !ok {
		return s.WriteRaw(wire.EncodeStat(wire.StatReply{}))
	}
	return s.WriteRaw(wire.EncodeStat(wire.StatReply{Mode: e.Mode, Size: uint32(len(e.Data)), MTime: e.MTime}))
}

func (s *Session) serveList(fs *FS, dir string) error {
	var out []byte
	if e, ok := fs.Stat(dir); ok && e.IsDir() {
		for _, name := range fs.children(dir) {
			c, _ := fs.Stat(path.Join(dir, name))
			out = append(out, wire.EncodeDent(wire.StatReply{Mode: c.Mode, Size: uint32(len(c.Data)), MTime: c.MTime}, name)...)
		}
	}
	done := make([]byte, wire.DentHeaderSize)
	copy(done, wire.TagDone)
	return s.WriteRaw(append(out, done...))
}

func (s *Session) serveRecv(fs *FS, name string) error {
	data, ok := fs.ReadFile(name)
	if !ok {
		return s.SyncFail("No such file or directory")
	}
	var out []byte
	for len(data) > 0 {
		n := min(len(data), wire.MaxSyncChunk)
		out = wire.AppendData(out, data[:n])
		data = data[n:]
	}
	out = append(out, wire.EncodeSyncHeader(wire.TagDone, 0)...)
	return s.WriteRaw(out)
}

func (s *Session) serveSend(fs *FS, arg string) error {
	i := strings.LastIndexByte(arg, ',')
	if i < 0 {
		return s.SyncFail("missing mode")
	}
	name := arg[:i]
	mode, err := strconv.ParseUint(arg[i+1:], 0, 32)
	if err != nil {
		return s.SyncFail("bad mode " + arg[i+1:])
	}
	var data []byte
	for {
		tag, n, err := s.readSyncHeader()
		if err != nil {
			return err
		}
		switch tag {
		case wire.TagData:
			if n > wire.MaxSyncChunk {
				return s.SyncFail("data chunk too large")
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(s, chunk); err != nil {
				return err
			}
			data = append(data, chunk...)
		case wire.TagDone:
			if err := fs.WriteFile(name, data, uint32(mode), time.Unix(int64(n), 0)); err != nil {
				return s.SyncFail(err.Error())
			}
			return s.WriteRaw(wire.EncodeSyncHeader(wire.TagOkay, 0))
		default:
			return s.SyncFail("unexpected " + tag)
		}
	}
}
