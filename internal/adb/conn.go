package adb

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/FluidXR/questlink/internal/wire"
)

// StreamHandler consumes everything a streaming service sends after its
// OKAY. HandleData is called from a single goroutine, in arrival order, and
// must not retain p. HandleClose is called exactly once when the stream
// ends; a non-nil error from HandleData ends the stream with that error.
type StreamHandler interface {
	HandleData(p []byte) error
	HandleClose(err error)
}

// Conn is one TCP session with the adb server.
//
// Reads and writes use a silence timeout: the deadline is re-armed before
// every socket operation, so it fires only when the peer stays quiet for
// the whole window. A timed out or failed Conn refuses further requests
// and should be closed.
type Conn struct {
	id     uuid.UUID
	serial string
	nc     net.Conn
	log    zerolog.Logger

	timeout   atomic.Int64
	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	broken    atomic.Bool
}

func newConn(nc net.Conn, timeout time.Duration, logger zerolog.Logger) *Conn {
	id := uuid.New()
	c := &Conn{
		id:     id,
		nc:     nc,
		closed: make(chan struct{}),
		log:    logger.With().Str("conn", id.String()[:8]).Logger(),
	}
	c.timeout.Store(int64(timeout))
	return c
}

// NewConn wraps an already established socket.
func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	return newConn(nc, timeout, log.Logger)
}

// ID identifies the connection in logs.
func (c *Conn) ID() uuid.UUID { return c.id }

// Serial returns the device this connection was switched to, if any.
func (c *Conn) Serial() string { return c.serial }

// Timeout returns the silence window applied to raw reads and writes.
func (c *Conn) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// SetTimeout changes the silence window. Zero disables it, which suits
// pass-through sockets that may idle indefinitely.
func (c *Conn) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		close(c.closed)
		err = c.nc.Close()
		c.log.Trace().Msg("connection closed")
	})
	return err
}

// Send writes one framed request without waiting for the reply.
func (c *Conn) Send(cmd string) error {
	frame, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.log.Trace().Str("cmd", cmd).Msg("send")
	return c.writeAll("send "+cmd, frame)
}

// SendAndWaitOkay sends cmd and waits for OKAY or FAIL. FAIL is returned as
// a *CommandRejectedError. When h is non-nil and the reply is OKAY, every
// later byte on the connection is handed to h from a background goroutine.
// A timeout of zero uses the connection's silence window. Cancelling ctx
// closes the connection.
func (c *Conn) SendAndWaitOkay(ctx context.Context, cmd string, timeout time.Duration, h StreamHandler) error {
	if timeout <= 0 {
		timeout = c.Timeout()
	}
	if err := c.Send(cmd); err != nil {
		return err
	}

	pending := newPendingResponse()
	go func() {
		pending.resolve(c.readStatus(cmd, timeout))
	}()
	if err := pending.wait(ctx); err != nil {
		c.Close()
		return &IOError{Op: "send " + cmd, Err: err}
	}
	if err := pending.err; err != nil {
		var fe *FramingError
		if errors.As(err, &fe) {
			c.Close()
		}
		return err
	}
	if h != nil {
		go c.pump(h)
	}
	return nil
}

// SelectDevice switches the connection to serial with host:transport. A
// FAIL is reported with DeviceSelection set.
func (c *Conn) SelectDevice(ctx context.Context, serial string, timeout time.Duration) error {
	err := c.SendAndWaitOkay(ctx, "host:transport:"+serial, timeout, nil)
	var rej *CommandRejectedError
	if errors.As(err, &rej) {
		rej.DeviceSelection = true
		return rej
	}
	if err != nil {
		return err
	}
	c.serial = serial
	c.log = c.log.With().Str("serial", serial).Logger()
	return nil
}

// ReadPayload reads one length-prefixed reply body, as returned by
// host:version or host:devices-l.
func (c *Conn) ReadPayload(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.Timeout()
	}
	return c.readPayload("read payload", timeout)
}

// Read reads raw bytes under the silence window. io.EOF is passed through.
func (c *Conn) Read(p []byte) (int, error) {
	return c.read("read", p, c.Timeout())
}

// ReadFull fills p under the silence window.
func (c *Conn) ReadFull(p []byte) error {
	return c.readFull("read", p, c.Timeout())
}

// Write writes p in full, serialized with every other writer.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.writeAll("write", p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) writeAll(op string, p []byte) error {
	if c.broken.Load() {
		return ErrBroken
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	timeout := c.Timeout()
	sh, shaped := c.nc.(shaper)
	for len(p) > 0 {
		piece := p
		if shaped {
			if step := sh.writeStep(); step > 0 && len(piece) > step {
				piece = piece[:step]
			}
			// Waiting for budget is not silence; arm the deadline after it.
			sh.waitWrite(len(piece))
		}
		if timeout > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(timeout))
		} else {
			c.nc.SetWriteDeadline(time.Time{})
		}
		if _, err := c.nc.Write(piece); err != nil {
			return c.fail(op, err, timeout)
		}
		p = p[len(piece):]
	}
	return nil
}

// shaper is a socket whose writes are held to a byte budget.
type shaper interface {
	writeStep() int
	waitWrite(n int)
}

func (c *Conn) read(op string, p []byte, timeout time.Duration) (int, error) {
	if c.broken.Load() {
		return 0, ErrBroken
	}
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}
	n, err := c.nc.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, c.fail(op, err, timeout)
	}
	return n, nil
}

func (c *Conn) readFull(op string, p []byte, timeout time.Duration) error {
	for got := 0; got < len(p); {
		n, err := c.read(op, p[got:], timeout)
		got += n
		if err == io.EOF {
			if got == len(p) {
				return nil
			}
			c.broken.Store(true)
			if got == 0 {
				return &IOError{Op: op, Err: io.EOF}
			}
			return &IOError{Op: op, Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readPayload(op string, timeout time.Duration) ([]byte, error) {
	var hdr [wire.LengthSize]byte
	if err := c.readFull(op, hdr[:], timeout); err != nil {
		return nil, err
	}
	n, err := wire.ParseLength(hdr[:])
	if err != nil {
		c.Close()
		return nil, err
	}
	payload := make([]byte, n)
	if err := c.readFull(op, payload, timeout); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Conn) readStatus(cmd string, timeout time.Duration) error {
	var hdr [wire.StatusSize]byte
	if err := c.readFull("read status of "+cmd, hdr[:], timeout); err != nil {
		return err
	}
	status, err := wire.DecodeStatus(hdr[:])
	if err != nil {
		return err
	}
	if status == wire.Okay {
		return nil
	}
	msg, err := c.readPayload("read failure of "+cmd, timeout)
	if err != nil {
		return err
	}
	c.log.Debug().Str("cmd", cmd).Str("reason", string(msg)).Msg("command rejected")
	return &CommandRejectedError{Command: cmd, Message: string(msg)}
}

// fail classifies a socket error and retires the connection.
func (c *Conn) fail(op string, err error, timeout time.Duration) error {
	c.broken.Store(true)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Window: timeout}
	}
	if c.IsClosed() {
		return &IOError{Op: op, Err: net.ErrClosed}
	}
	return &IOError{Op: op, Err: err}
}

func (c *Conn) pump(h StreamHandler) {
	c.nc.SetReadDeadline(time.Time{})
	buf := make([]byte, 4096)
	var err error
	for err == nil {
		n, rerr := c.nc.Read(buf)
		if n > 0 {
			if herr := h.HandleData(buf[:n]); herr != nil {
				err = herr
				break
			}
		}
		switch {
		case rerr == nil:
		case c.IsClosed():
			err = net.ErrClosed
		case errors.Is(rerr, io.EOF):
			err = io.EOF
		default:
			err = &IOError{Op: "stream", Err: rerr}
		}
	}
	c.Close()
	c.log.Debug().Err(err).Msg("stream ended")
	h.HandleClose(err)
}

// pendingResponse is a one-shot slot for the outcome of a request.
type pendingResponse struct {
	done chan struct{}
	err  error
}

func newPendingResponse() *pendingResponse {
	return &pendingResponse{done: make(chan struct{})}
}

func (p *pendingResponse) resolve(err error) {
	p.err = err
	close(p.done)
}

// wait blocks until the response resolves or ctx is done.
func (p *pendingResponse) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
