package adb

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adbtest"
	"github.com/FluidXR/questlink/internal/wire"
)

func newTestServer(t *testing.T, h adbtest.HandlerFunc) *adbtest.Server {
	t.Helper()
	srv, err := adbtest.NewServer(h)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func newTestConnector(srv *adbtest.Server, timeout time.Duration) *Connector {
	return NewConnector(ConnectorOptions{Addr: srv.Addr(), CommandTimeout: timeout})
}

func TestSendAndWaitOkay(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		if err := s.Expect("host:features"); err != nil {
			return
		}
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendAndWaitOkay(context.Background(), "host:features", 0, nil))
}

func TestCommandRejected(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.Fail("unknown host service")
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)
	defer conn.Close()

	err = conn.SendAndWaitOkay(context.Background(), "host:bogus", 0, nil)
	var rej *CommandRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "unknown host service", rej.Message)
	assert.Equal(t, "host:bogus", rej.Command)
	assert.False(t, rej.DeviceSelection)
	assert.False(t, conn.IsClosed())
}

func TestDeviceSelectionRejected(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		req, _ := s.ReadRequest()
		if req == "host:transport:nope" {
			s.Fail("device 'nope' not found")
		}
		s.WaitClosed()
	})
	_, err := newTestConnector(srv, time.Second).Connect(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsDeviceSelection(err))
	assert.Contains(t, err.Error(), "device selection")
}

func TestDeviceSelection(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		if err := s.Expect("host:transport:SER1"); err != nil {
			return
		}
		if err := s.Expect("shell:true"); err != nil {
			return
		}
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Open(context.Background(), "SER1", "shell:true")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "SER1", conn.Serial())
}

func TestTimeoutLeavesConnectionClosable(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	err = conn.SendAndWaitOkay(context.Background(), "host:version", 50*time.Millisecond, nil)
	assert.True(t, IsTimeout(err), "got %v", err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Window)
	assert.True(t, te.Timeout())
	var to interface{ Timeout() bool }
	require.ErrorAs(t, err, &to)
	assert.True(t, to.Timeout())

	assert.ErrorIs(t, conn.Send("host:version"), ErrBroken)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
}

func TestSilenceTimeoutResetsOnProgress(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		for _, b := range []byte(wire.StatusOkay) {
			time.Sleep(60 * time.Millisecond)
			s.WriteRaw([]byte{b})
		}
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)
	defer conn.Close()

	// 240ms in total, but never more than 60ms of silence.
	require.NoError(t, conn.SendAndWaitOkay(context.Background(), "host:version", 150*time.Millisecond, nil))
}

func TestFramingErrorClosesConnection(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.WriteRaw([]byte("WHAT"))
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	err = conn.SendAndWaitOkay(context.Background(), "host:version", 0, nil)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.True(t, conn.IsClosed())
}

func TestBadFailureLengthIsFraming(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.WriteRaw([]byte("FAILxyz!oops"))
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	err = conn.SendAndWaitOkay(context.Background(), "host:version", 0, nil)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.True(t, conn.IsClosed())
}

func TestContextCancelClosesConnection(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, 5*time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = conn.SendAndWaitOkay(ctx, "host:version", 0, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "send host:version", ioe.Op)
	assert.True(t, conn.IsClosed())
}

type recordingHandler struct {
	mu     sync.Mutex
	dec    wire.FrameDecoder
	frames []string
	closes int
	err    error
	done   chan struct{}
}

func (h *recordingHandler) HandleData(p []byte) error {
	frames, err := h.dec.Feed(p)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range frames {
		h.frames = append(h.frames, string(f))
	}
	return err
}

func (h *recordingHandler) HandleClose(err error) {
	h.mu.Lock()
	h.closes++
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func TestStreamHandler(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		if err := s.Expect("host:track-devices"); err != nil {
			return
		}
		s.WriteFrame("A\tdevice\n")
		s.WriteRaw([]byte("00"))
		time.Sleep(10 * time.Millisecond)
		s.WriteRaw([]byte("00"))
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	h := &recordingHandler{done: make(chan struct{})}
	require.NoError(t, conn.SendAndWaitOkay(context.Background(), "host:track-devices", 0, h))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"A\tdevice\n", ""}, h.frames)
	assert.Equal(t, 1, h.closes)
	assert.True(t, errors.Is(h.err, io.EOF))
	assert.True(t, conn.IsClosed())
}

func TestStreamHandlerErrorClosesConnection(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {
		if err := s.Expect("track-jdwp"); err != nil {
			return
		}
		s.WriteRaw([]byte("zzzz"))
		s.WaitClosed()
	})
	conn, err := newTestConnector(srv, time.Second).Connect(context.Background(), "")
	require.NoError(t, err)

	h := &recordingHandler{done: make(chan struct{})}
	require.NoError(t, conn.SendAndWaitOkay(context.Background(), "track-jdwp", 0, h))
	<-h.done

	var fe *FramingError
	assert.ErrorAs(t, h.err, &fe)
	assert.True(t, conn.IsClosed())
}

func TestConnectRefused(t *testing.T) {
	srv := newTestServer(t, func(s *adbtest.Session) {})
	addr := srv.Addr()
	srv.Close()

	_, err := NewConnector(ConnectorOptions{Addr: addr}).Connect(context.Background(), "")
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Addr)
}
