package adb

import (
	"errors"
	"fmt"
	"time"

	"github.com/FluidXR/questlink/internal/wire"
)

// FramingError is a malformed length or status word. It is always fatal to
// the connection that produced it.
type FramingError = wire.FramingError

// ErrBroken is returned for requests on a connection that timed out or
// failed and may only be closed.
var ErrBroken = errors.New("adb connection is no longer usable")

// TimeoutError means nothing arrived within the caller's window.
type TimeoutError struct {
	Op     string
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Window)
}

// Timeout implements net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// CommandRejectedError is a FAIL reply. DeviceSelection is set when the
// server rejected host:transport rather than the command itself.
type CommandRejectedError struct {
	Command         string
	Message         string
	DeviceSelection bool
}

func (e *CommandRejectedError) Error() string {
	if e.DeviceSelection {
		return fmt.Sprintf("error during device selection: %s", e.Message)
	}
	return fmt.Sprintf("%s: rejected: %s", e.Command, e.Message)
}

// ConnectError means the adb server could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to adb server at %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IOError is a socket failure on an established connection.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsDeviceSelection reports whether err is a rejected host:transport.
func IsDeviceSelection(err error) bool {
	var rej *CommandRejectedError
	return errors.As(err, &rej) && rej.DeviceSelection
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
