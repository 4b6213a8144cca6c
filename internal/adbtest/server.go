// Package adbtest provides an in-process fake adb server for tests.
package adbtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/FluidXR/questlink/internal/wire"
)

// HandlerFunc serves one accepted connection. The session is closed when
// it returns.
type HandlerFunc func(s *Session)

// Server listens on 127.0.0.1 and hands every connection to a handler.
type Server struct {
	ln       net.Listener
	handler  HandlerFunc
	accepted atomic.Int32
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

// NewServer starts a server on a random local port.
func NewServer(handler HandlerFunc) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(p)
	return n
}

// Accepted returns how many connections have been accepted.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Close stops accepting, closes live sessions and waits for handlers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	s.ln.Close()
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		idx := int(s.accepted.Add(1)) - 1
		sess := &Session{Conn: nc, Index: idx}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.sessions = append(s.sessions, sess)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sess.Close()
			s.handler(sess)
		}()
	}
}

// Session is one client connection as seen by the fake server.
type Session struct {
	net.Conn
	// Index is the zero-based accept order.
	Index int

	wmu sync.Mutex
}

// ReadRequest reads one framed request.
func (s *Session) ReadRequest() (string, error) {
	var hdr [wire.LengthSize]byte
	if _, err := io.ReadFull(s, hdr[:]); err != nil {
		return "", err
	}
	n, err := wire.ParseLength(hdr[:])
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Expect reads a request and answers OKAY if it equals want, FAIL otherwise.
func (s *Session) Expect(want string) error {
	got, err := s.ReadRequest()
	if err != nil {
		return err
	}
	if got != want {
		s.Fail("unexpected request " + got)
		return fmt.Errorf("adbtest: got request %q, want %q", got, want)
	}
	return s.Okay()
}

// Okay writes OKAY.
func (s *Session) Okay() error {
	return s.WriteRaw([]byte(wire.StatusOkay))
}

// Fail writes FAIL with a message.
func (s *Session) Fail(msg string) error {
	return s.WriteRaw([]byte(wire.StatusFail + wire.FormatLength(len(msg)) + msg))
}

// WriteFrame writes one length-prefixed payload.
func (s *Session) WriteFrame(payload string) error {
	return s.WriteRaw([]byte(wire.FormatLength(len(payload)) + payload))
}

// WriteRaw writes bytes as they are.
func (s *Session) WriteRaw(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.Write(p)
	return err
}

// WaitClosed blocks until the client closes the connection.
func (s *Session) WaitClosed() {
	io.Copy(io.Discard, s)
}

// IsClosedErr reports whether err means the peer went away.
func IsClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// SyncHandler serves host:transport:<serial> followed by sync: against fs.
func SyncHandler(serial string, fs *FS) HandlerFunc {
	return func(s *Session) {
		if err := s.Expect("host:transport:" + serial); err != nil {
			return
		}
		if err := s.Expect("sync:"); err != nil {
			return
		}
		s.ServeSync(fs)
	}
}
