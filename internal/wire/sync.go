package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// Sync sub-protocol tags.
const (
	TagStat = "STAT"
	TagList = "LIST"
	TagDent = "DENT"
	TagRecv = "RECV"
	TagSend = "SEND"
	TagData = "DATA"
	TagDone = "DONE"
	TagOkay = "OKAY"
	TagFail = "FAIL"
	TagQuit = "QUIT"
)

const (
	// SyncHeaderSize is the tag plus the little-endian length.
	SyncHeaderSize = 8
	// MaxSyncChunk is the largest DATA payload either side may send.
	MaxSyncChunk = 64 * 1024
	// MaxRemotePathLength bounds remote paths in bytes.
	MaxRemotePathLength = 1024
	// StatReplySize is the STAT tag plus mode, size and mtime.
	StatReplySize = 16
	// DentHeaderSize is the DENT tag plus mode, size, mtime and name length.
	DentHeaderSize = 20
)

var (
	// ErrPathTooLong is returned for remote paths over MaxRemotePathLength.
	ErrPathTooLong = errors.New("remote path too long")
	// ErrBufferOverrun is returned when a frame declares more than MaxSyncChunk bytes.
	ErrBufferOverrun = errors.New("sync frame exceeds maximum chunk size")
)

// EncodeSyncHeader builds an 8-byte sync header.
func EncodeSyncHeader(tag string, length uint32) []byte {
	b := make([]byte, SyncHeaderSize)
	copy(b, tag)
	binary.LittleEndian.PutUint32(b[4:], length)
	return b
}

// DecodeSyncHeader splits an 8-byte sync header.
func DecodeSyncHeader(b []byte) (string, uint32, error) {
	if len(b) != SyncHeaderSize {
		return "", 0, &FramingError{What: "sync header", Raw: append([]byte(nil), b...)}
	}
	return string(b[:4]), binary.LittleEndian.Uint32(b[4:]), nil
}

// CheckRemotePath enforces the remote path cap.
func CheckRemotePath(path string) error {
	if len(path) > MaxRemotePathLength {
		return fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}
	return nil
}

// EncodeSyncRequest builds a tag+path request such as STAT, LIST or RECV.
func EncodeSyncRequest(tag, path string) ([]byte, error) {
	if err := CheckRemotePath(path); err != nil {
		return nil, err
	}
	b := EncodeSyncHeader(tag, uint32(len(path)))
	return append(b, path...), nil
}

// EncodeSendRequest builds the SEND request. The mode is written as a
// leading-zero octal permission string after the comma.
func EncodeSendRequest(path string, mode os.FileMode) ([]byte, error) {
	if err := CheckRemotePath(path); err != nil {
		return nil, err
	}
	payload := fmt.Sprintf("%s,0%o", path, uint32(mode.Perm()))
	b := EncodeSyncHeader(TagSend, uint32(len(payload)))
	return append(b, payload...), nil
}

// AppendData appends a DATA frame carrying p to dst.
func AppendData(dst, p []byte) []byte {
	dst = append(dst, EncodeSyncHeader(TagData, uint32(len(p)))...)
	return append(dst, p...)
}

// EncodeDone builds the DONE frame that ends a SEND, carrying the mtime.
func EncodeDone(mtime time.Time) []byte {
	return EncodeSyncHeader(TagDone, uint32(mtime.Unix()))
}

// StatReply is the decoded body of a STAT or DENT frame.
type StatReply struct {
	Mode  uint32
	Size  uint32
	MTime uint32
}

// DecodeStat decodes a 16-byte STAT reply. ok is false when the reply is
// not tagged STAT, which the server uses for a missing path.
func DecodeStat(b []byte) (StatReply, bool, error) {
	if len(b) != StatReplySize {
		return StatReply{}, false, &FramingError{What: "stat reply", Raw: append([]byte(nil), b...)}
	}
	if string(b[:4]) != TagStat {
		return StatReply{}, false, nil
	}
	return StatReply{
		Mode:  binary.LittleEndian.Uint32(b[4:]),
		Size:  binary.LittleEndian.Uint32(b[8:]),
		MTime: binary.LittleEndian.Uint32(b[12:]),
	}, true, nil
}

// DecodeDent decodes a 20-byte DENT header. done reports the DONE frame
// that ends a listing; nameLen is the number of name bytes that follow.
func DecodeDent(b []byte) (st StatReply, nameLen int, done bool, err error) {
	if len(b) != DentHeaderSize {
		return st, 0, false, &FramingError{What: "dent header", Raw: append([]byte(nil), b...)}
	}
	switch string(b[:4]) {
	case TagDone:
		return st, 0, true, nil
	case TagDent:
	default:
		return st, 0, false, &FramingError{What: "dent tag", Raw: append([]byte(nil), b[:4]...)}
	}
	st = StatReply{
		Mode:  binary.LittleEndian.Uint32(b[4:]),
		Size:  binary.LittleEndian.Uint32(b[8:]),
		MTime: binary.LittleEndian.Uint32(b[12:]),
	}
	nameLen = int(binary.LittleEndian.Uint32(b[16:]))
	if nameLen > MaxRemotePathLength {
		return st, 0, false, ErrBufferOverrun
	}
	return st, nameLen, false, nil
}

// EncodeStat builds a STAT reply; used by the fake server in tests.
func EncodeStat(st StatReply) []byte {
	b := make([]byte, StatReplySize)
	copy(b, TagStat)
	binary.LittleEndian.PutUint32(b[4:], st.Mode)
	binary.LittleEndian.PutUint32(b[8:], st.Size)
	binary.LittleEndian.PutUint32(b[12:], st.MTime)
	return b
}

// EncodeDent builds one DENT record followed by its name.
func EncodeDent(st StatReply, name string) []byte {
	b := make([]byte, DentHeaderSize, DentHeaderSize+len(name))
	copy(b, TagDent)
	binary.LittleEndian.PutUint32(b[4:], st.Mode)
	binary.LittleEndian.PutUint32(b[8:], st.Size)
	binary.LittleEndian.PutUint32(b[12:], st.MTime)
	binary.LittleEndian.PutUint32(b[16:], uint32(len(name)))
	return append(b, name...)
}
