// Package sync implements the adb sync file-transfer protocol and the pull
// and push jobs built on it.
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/wire"
)

// Opener starts a service on a device.
type Opener interface {
	Open(ctx context.Context, serial, service string) (*adb.Conn, error)
}

// FileStat is the result of a STAT or one LIST entry. Mode holds the raw
// POSIX mode bits; a zero Mode means the path does not exist.
type FileStat struct {
	Mode  uint32
	Size  int64
	MTime time.Time
}

const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeRegular  = 0o100000
	modeSymlink  = 0o120000
)

func newFileStat(st wire.StatReply) FileStat {
	return FileStat{Mode: st.Mode, Size: int64(st.Size), MTime: time.Unix(int64(st.MTime), 0)}
}

func (s FileStat) Exists() bool    { return s.Mode != 0 }
func (s FileStat) IsDir() bool     { return s.Mode&modeTypeMask == modeDir }
func (s FileStat) IsRegular() bool { return s.Mode&modeTypeMask == modeRegular }
func (s FileStat) IsSymlink() bool { return s.Mode&modeTypeMask == modeSymlink }

// FileMode converts Mode to an os.FileMode.
func (s FileStat) FileMode() os.FileMode {
	m := os.FileMode(s.Mode & 0o777)
	switch {
	case s.IsDir():
		m |= os.ModeDir
	case s.IsSymlink():
		m |= os.ModeSymlink
	}
	return m
}

// DirEntry is one entry of a remote directory listing.
type DirEntry struct {
	Name string
	FileStat
}

// Service is one sync session on a device. It is not safe for concurrent
// use. After any failure or cancellation the connection is closed and
// every later call returns ErrClosed.
type Service struct {
	rw     io.ReadWriteCloser
	serial string
	log    zerolog.Logger

	buf    []byte
	out    []byte
	cmp    []byte
	broken bool
}

// Open connects to serial and enters sync mode.
func Open(ctx context.Context, opener Opener, serial string) (*Service, error) {
	conn, err := opener.Open(ctx, serial, "sync:")
	if err != nil {
		return nil, fmt.Errorf("open sync on %s: %w", serial, err)
	}
	s := NewService(conn)
	s.serial = serial
	s.log = s.log.With().Str("serial", serial).Logger()
	return s, nil
}

// NewService runs the sync protocol over rw, which must already have
// accepted "sync:".
func NewService(rw io.ReadWriteCloser) *Service {
	return &Service{
		rw:  rw,
		log: log.Logger.With().Str("component", "sync").Logger(),
		buf: make([]byte, wire.MaxSyncChunk),
		out: make([]byte, 0, wire.SyncHeaderSize+wire.MaxSyncChunk),
	}
}

// Serial returns the device serial, if known.
func (s *Service) Serial() string { return s.serial }

// Closed reports whether the service can no longer be used.
func (s *Service) Closed() bool { return s.broken }

// Close ends the session. It sends QUIT when the connection is healthy.
func (s *Service) Close() error {
	if s.broken {
		return nil
	}
	s.broken = true
	s.rw.Write(wire.EncodeSyncHeader(wire.TagQuit, 0))
	return s.rw.Close()
}

// fail tears the connection down and returns err.
func (s *Service) fail(err error) error {
	if !s.broken {
		s.broken = true
		s.rw.Close()
	}
	s.log.Debug().Err(err).Msg("sync session closed")
	return err
}

func (s *Service) write(p []byte) error {
	if _, err := s.rw.Write(p); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Service) readFull(p []byte) error {
	if _, err := io.ReadFull(s.rw, p); err != nil {
		return s.fail(wireError(err))
	}
	return nil
}

func (s *Service) request(tag, remote string) error {
	req, err := wire.EncodeSyncRequest(tag, remote)
	if err != nil {
		return newError(KindRemotePathLength, remote, err)
	}
	return s.write(req)
}

// Stat returns the remote path's mode, size and mtime. A missing path is
// not an error; it yields a FileStat whose Exists is false.
func (s *Service) Stat(remote string) (FileStat, error) {
	if s.broken {
		return FileStat{}, ErrClosed
	}
	if err := s.request(wire.TagStat, remote); err != nil {
		return FileStat{}, err
	}
	reply := s.buf[:wire.StatReplySize]
	if err := s.readFull(reply); err != nil {
		return FileStat{}, err
	}
	st, ok, err := wire.DecodeStat(reply)
	if err != nil {
		return FileStat{}, s.fail(err)
	}
	if !ok {
		return FileStat{}, nil
	}
	return newFileStat(st), nil
}

// List returns the entries of a remote directory, without "." and "..".
func (s *Service) List(remote string) ([]DirEntry, error) {
	if s.broken {
		return nil, ErrClosed
	}
	if err := s.request(wire.TagList, remote); err != nil {
		return nil, err
	}
	var entries []DirEntry
	for {
		hdr := s.buf[:wire.DentHeaderSize]
		if err := s.readFull(hdr); err != nil {
			return nil, err
		}
		st, n, done, err := wire.DecodeDent(hdr)
		if err != nil {
			return nil, s.fail(wireError(err))
		}
		if done {
			return entries, nil
		}
		name := s.buf[:n]
		if err := s.readFull(name); err != nil {
			return nil, err
		}
		if string(name) == "." || string(name) == ".." {
			continue
		}
		entries = append(entries, DirEntry{Name: string(name), FileStat: newFileStat(st)})
	}
}

// WalkFunc is called for every entry under the walk root. Returning
// fs.SkipDir for a directory skips its contents.
type WalkFunc func(remote string, st FileStat) error

// Walk lists root recursively, calling fn for each entry in listing
// order.
func (s *Service) Walk(root string, fn WalkFunc) error {
	entries, err := s.List(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join(root, e.Name)
		err := fn(p, e.FileStat)
		if e.IsDir() {
			if errors.Is(err, fs.SkipDir) {
				continue
			}
			if err == nil {
				err = s.Walk(p, fn)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// receive sends RECV and hands every DATA payload to sink until DONE.
// Cancellation is checked whenever no frame is partially read.
func (s *Service) receive(remote string, m ProgressMonitor, sink func([]byte) error) error {
	if err := s.request(wire.TagRecv, remote); err != nil {
		return err
	}
	dec := wire.NewSyncDecoder()
	for {
		if dec.AtFrameBoundary() && m.IsCanceled() {
			return s.fail(newError(KindCanceled, remote, nil))
		}
		n, rerr := s.rw.Read(s.buf[:min(dec.Need(), len(s.buf))])
		events, _, err := dec.Feed(s.buf[:n])
		for _, ev := range events {
			switch ev.Kind {
			case wire.EventData:
				if err := sink(ev.Data); err != nil {
					return s.fail(err)
				}
				m.Advance(int64(len(ev.Data)))
			case wire.EventFail:
				return s.fail(rejected("RECV "+remote, ev.Message))
			case wire.EventDone:
				return nil
			}
		}
		if err != nil {
			return s.fail(wireError(err))
		}
		if rerr != nil {
			return s.fail(wireError(rerr))
		}
	}
}

// readReply waits for the OKAY or FAIL that ends a SEND.
func (s *Service) readReply(cmd string) error {
	dec := wire.NewSyncDecoder()
	for {
		n, rerr := s.rw.Read(s.buf[:min(dec.Need(), len(s.buf))])
		events, _, err := dec.Feed(s.buf[:n])
		for _, ev := range events {
			switch ev.Kind {
			case wire.EventData:
				return s.fail(newError(KindTransferProtocol, "unexpected DATA in reply to "+cmd, nil))
			case wire.EventFail:
				return s.fail(rejected(cmd, ev.Message))
			case wire.EventDone:
				return nil
			}
		}
		if err != nil {
			return s.fail(wireError(err))
		}
		if rerr != nil {
			return s.fail(wireError(rerr))
		}
	}
}

func (s *Service) statExisting(remote string) (FileStat, error) {
	st, err := s.Stat(remote)
	if err != nil {
		return st, err
	}
	if !st.Exists() {
		return st, newError(KindNoRemoteObject, remote, nil)
	}
	return st, nil
}

// PullFile copies remote into the local file path.
func (s *Service) PullFile(remote, local string, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	st, err := s.statExisting(remote)
	if err != nil {
		return err
	}
	m.Start(st.Size)
	defer m.Stop()
	m.StartSubTask(remote)
	return s.pullFile(remote, local, m)
}

func (s *Service) pullFile(remote, local string, m ProgressMonitor) error {
	if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		return newError(KindLocalIsDirectory, local, nil)
	}
	f, err := os.Create(local)
	if err != nil {
		return newError(KindFileWriteError, local, err)
	}
	err = s.receive(remote, m, func(p []byte) error {
		if _, err := f.Write(p); err != nil {
			return newError(KindFileWriteError, local, err)
		}
		return nil
	})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = newError(KindFileWriteError, local, cerr)
	}
	if err != nil {
		os.Remove(local)
		return err
	}
	s.log.Debug().Str("remote", remote).Str("local", local).Msg("pulled")
	return nil
}

// PullStream copies remote into w.
func (s *Service) PullStream(remote string, w io.Writer, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	st, err := s.statExisting(remote)
	if err != nil {
		return err
	}
	m.Start(st.Size)
	defer m.Stop()
	m.StartSubTask(remote)
	return s.receive(remote, m, func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return newError(KindFileWriteError, remote, err)
		}
		return nil
	})
}

// PushFile copies the local file to remote, keeping its permissions and
// modification time.
func (s *Service) PushFile(local, remote string, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	fi, err := os.Stat(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(KindNoLocalFile, local, nil)
		}
		return fmt.Errorf("stat %s: %w", local, err)
	}
	if fi.IsDir() {
		return newError(KindLocalIsDirectory, local, nil)
	}
	m.Start(fi.Size())
	defer m.Stop()
	m.StartSubTask(local)
	return s.pushFile(local, fi, remote, m)
}

func (s *Service) pushFile(local string, fi os.FileInfo, remote string, m ProgressMonitor) error {
	f, err := os.Open(local)
	if err != nil {
		return newError(KindNoLocalFile, local, err)
	}
	defer f.Close()
	return s.send(f, remote, fi.Mode(), fi.ModTime(), m)
}

// PushStream copies everything read from r to remote with the given
// permissions and modification time.
func (s *Service) PushStream(r io.Reader, remote string, mode os.FileMode, mtime time.Time, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	m.Start(0)
	defer m.Stop()
	m.StartSubTask(remote)
	return s.send(r, remote, mode, mtime, m)
}

func (s *Service) send(r io.Reader, remote string, mode os.FileMode, mtime time.Time, m ProgressMonitor) error {
	if s.broken {
		return ErrClosed
	}
	req, err := wire.EncodeSendRequest(remote, mode)
	if err != nil {
		return newError(KindRemotePathLength, remote, err)
	}
	if err := s.write(req); err != nil {
		return err
	}
	for {
		if m.IsCanceled() {
			return s.fail(newError(KindCanceled, remote, nil))
		}
		n, rerr := io.ReadFull(r, s.buf)
		if n > 0 {
			s.out = wire.AppendData(s.out[:0], s.buf[:n])
			if err := s.write(s.out); err != nil {
				return err
			}
			m.Advance(int64(n))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return s.fail(fmt.Errorf("read local data for %s: %w", remote, rerr))
		}
	}
	if err := s.write(wire.EncodeDone(mtime)); err != nil {
		return err
	}
	if err := s.readReply("SEND " + remote); err != nil {
		return err
	}
	s.log.Debug().Str("remote", remote).Msg("pushed")
	return nil
}

var errNotSame = errors.New("contents differ")

// CompareStream reports whether remote holds exactly the bytes r yields.
// A difference aborts the transfer and closes the service.
func (s *Service) CompareStream(remote string, r io.Reader) (bool, error) {
	if _, err := s.statExisting(remote); err != nil {
		return false, err
	}
	if s.cmp == nil {
		s.cmp = make([]byte, wire.MaxSyncChunk)
	}
	err := s.receive(remote, NullMonitor{}, func(p []byte) error {
		local := s.cmp[:len(p)]
		if _, err := io.ReadFull(r, local); err != nil || !bytes.Equal(p, local) {
			return errNotSame
		}
		return nil
	})
	if errors.Is(err, errNotSame) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// The local stream must be exhausted too.
	n, _ := io.ReadFull(r, s.cmp[:1])
	return n == 0, nil
}

func rejected(cmd, msg string) error {
	return newError(KindTransferProtocol, msg, &adb.CommandRejectedError{Command: cmd, Message: msg})
}

// wireError maps decoder and socket errors onto the sync taxonomy.
// Framing and socket errors keep their own types.
func wireError(err error) error {
	switch {
	case errors.Is(err, wire.ErrBufferOverrun):
		return newError(KindBufferOverrun, "", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &adb.IOError{Op: "sync", Err: io.ErrUnexpectedEOF}
	default:
		return err
	}
}
