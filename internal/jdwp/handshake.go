// Package jdwp handles the raw JDWP framing used by debug pass-through
// connections: the handshake string, packet headers and debugger ports.
package jdwp

import (
	"bytes"
	"errors"
	"io"
)

// Handshake is exchanged verbatim by both sides before any packet.
const Handshake = "JDWP-Handshake"

// HandshakeResult is the outcome of FindHandshake.
type HandshakeResult int

const (
	HandshakeGood HandshakeResult = iota
	HandshakeNotYet
	HandshakeBad
)

// ErrBadHandshake means the peer sent something other than the handshake.
var ErrBadHandshake = errors.New("jdwp: bad handshake")

// FindHandshake checks whether buf starts with the handshake. NotYet means
// buf is a strict prefix of it.
func FindHandshake(buf []byte) HandshakeResult {
	n := min(len(buf), len(Handshake))
	if !bytes.Equal(buf[:n], []byte(Handshake[:n])) {
		return HandshakeBad
	}
	if n < len(Handshake) {
		return HandshakeNotYet
	}
	return HandshakeGood
}

// ReadHandshake reads exactly the handshake from r, failing as soon as the
// bytes diverge.
func ReadHandshake(r io.Reader) error {
	buf := make([]byte, 0, len(Handshake))
	for {
		switch FindHandshake(buf) {
		case HandshakeGood:
			return nil
		case HandshakeBad:
			return ErrBadHandshake
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err != nil && FindHandshake(buf) != HandshakeGood {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// Exchange sends the handshake and waits for the peer's reply. This is the
// client side: the debuggee answers with the same string.
func Exchange(rw io.ReadWriter) error {
	if _, err := rw.Write([]byte(Handshake)); err != nil {
		return err
	}
	return ReadHandshake(rw)
}
