package sync

import "errors"

// ErrorKind classifies sync failures.
type ErrorKind int

const (
	KindCanceled ErrorKind = iota + 1
	KindBufferOverrun
	KindTransferProtocol
	KindNoRemoteObject
	KindNoLocalFile
	KindRemotePathLength
	KindFileWriteError
	KindLocalIsDirectory
	KindNoDirTarget
	KindTargetIsFile
	KindRemoteIsFile
)

func (k ErrorKind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindBufferOverrun:
		return "buffer overrun"
	case KindTransferProtocol:
		return "transfer protocol error"
	case KindNoRemoteObject:
		return "remote object doesn't exist"
	case KindNoLocalFile:
		return "local file doesn't exist"
	case KindRemotePathLength:
		return "remote path is too long"
	case KindFileWriteError:
		return "local write failed"
	case KindLocalIsDirectory:
		return "local path is a directory"
	case KindNoDirTarget:
		return "target directory doesn't exist"
	case KindTargetIsFile:
		return "target is a file"
	case KindRemoteIsFile:
		return "remote target is a file"
	default:
		return "sync error"
	}
}

// Error is a sync failure. errors.Is matches any *Error of the same kind,
// so callers can test against the Err* values.
type Error struct {
	Kind ErrorKind
	// Msg is the path involved or the server's diagnostic.
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == e.Kind
}

var (
	ErrCanceled         = &Error{Kind: KindCanceled}
	ErrBufferOverrun    = &Error{Kind: KindBufferOverrun}
	ErrTransferProtocol = &Error{Kind: KindTransferProtocol}
	ErrNoRemoteObject   = &Error{Kind: KindNoRemoteObject}
	ErrNoLocalFile      = &Error{Kind: KindNoLocalFile}
	ErrRemotePathLength = &Error{Kind: KindRemotePathLength}
	ErrFileWrite        = &Error{Kind: KindFileWriteError}
	ErrLocalIsDirectory = &Error{Kind: KindLocalIsDirectory}
	ErrNoDirTarget      = &Error{Kind: KindNoDirTarget}
	ErrTargetIsFile     = &Error{Kind: KindTargetIsFile}
	ErrRemoteIsFile     = &Error{Kind: KindRemoteIsFile}

	// ErrClosed is returned by a service whose connection was torn down.
	ErrClosed = errors.New("sync service is closed")
)

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
