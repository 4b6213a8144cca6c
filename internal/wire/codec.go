// Package wire encodes and decodes the adb host protocol: length-prefixed
// text requests, OKAY/FAIL status words, and the binary sync sub-protocol.
// Everything here is pure; no function touches a socket.
package wire

import (
	"fmt"
	"strconv"
)

const (
	// LengthSize is the size of the ASCII hex length prefix.
	LengthSize = 4
	// StatusSize is the size of an OKAY/FAIL status word.
	StatusSize = 4
	// MaxCommandLength is the largest request payload a 4-digit hex prefix can describe.
	MaxCommandLength = 0xFFFF
)

const (
	StatusOkay = "OKAY"
	StatusFail = "FAIL"
)

// Status is a decoded response status word.
type Status int

const (
	Okay Status = iota
	Fail
)

func (s Status) String() string {
	if s == Okay {
		return StatusOkay
	}
	return StatusFail
}

// FramingError means the byte stream no longer lines up with frame
// boundaries. The connection carrying it cannot be reused.
type FramingError struct {
	What string
	Raw  []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: invalid %s %q", e.What, e.Raw)
}

// FormatLength renders n as four uppercase hex digits.
func FormatLength(n int) string {
	return fmt.Sprintf("%04X", n)
}

// EncodeCommand frames a text request, e.g. "host:version" becomes
// "000Chost:version".
func EncodeCommand(cmd string) ([]byte, error) {
	if len(cmd) > MaxCommandLength {
		return nil, fmt.Errorf("encode command: length %d exceeds %d", len(cmd), MaxCommandLength)
	}
	buf := make([]byte, 0, LengthSize+len(cmd))
	buf = append(buf, FormatLength(len(cmd))...)
	buf = append(buf, cmd...)
	return buf, nil
}

// ParseLength decodes a 4-digit hex length prefix.
func ParseLength(b []byte) (int, error) {
	if len(b) != LengthSize {
		return 0, &FramingError{What: "length", Raw: append([]byte(nil), b...)}
	}
	n, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, &FramingError{What: "length", Raw: append([]byte(nil), b...)}
	}
	return int(n), nil
}

// DecodeStatus decodes the 4-byte status word that answers every request.
func DecodeStatus(b []byte) (Status, error) {
	switch string(b) {
	case StatusOkay:
		return Okay, nil
	case StatusFail:
		return Fail, nil
	default:
		return Fail, &FramingError{What: "status", Raw: append([]byte(nil), b...)}
	}
}
