package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/adbtest"
	"github.com/FluidXR/questlink/internal/wire"
)

type testProxy struct {
	srv      *Server
	upstream *adbtest.Server
	addr     string
	reg      *prometheus.Registry
}

func startProxy(t *testing.T, upstream adbtest.HandlerFunc, allow ...string) *testProxy {
	t.Helper()
	up, err := adbtest.NewServer(upstream)
	require.NoError(t, err)
	t.Cleanup(up.Close)

	allowed := make(map[string]bool)
	for _, a := range allow {
		allowed[a] = true
	}
	reg := prometheus.NewRegistry()
	connector := adb.NewConnector(adb.ConnectorOptions{Addr: up.Addr(), CommandTimeout: 2 * time.Second})
	srv := New(connector, Options{
		Allow:          func(serial string) bool { return allowed[serial] },
		CommandTimeout: 2 * time.Second,
		Registerer:     reg,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &testProxy{srv: srv, upstream: up, addr: ln.Addr().String(), reg: reg}
}

func (p *testProxy) dial(t *testing.T) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(3 * time.Second))
	return nc
}

func send(t *testing.T, nc net.Conn, cmd string) {
	t.Helper()
	frame, err := wire.EncodeCommand(cmd)
	require.NoError(t, err)
	_, err = nc.Write(frame)
	require.NoError(t, err)
}

func readN(t *testing.T, nc net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(nc, buf)
	require.NoError(t, err)
	return string(buf)
}

func readFrame(t *testing.T, nc net.Conn) string {
	t.Helper()
	n, err := wire.ParseLength([]byte(readN(t, nc, wire.LengthSize)))
	require.NoError(t, err)
	return readN(t, nc, n)
}

func TestForwardsAllowedDevice(t *testing.T) {
	p := startProxy(t, func(s *adbtest.Session) {
		if err := s.Expect("host:transport:A"); err != nil {
			return
		}
		if err := s.Expect("shell:echo hi"); err != nil {
			return
		}
		s.WriteRaw([]byte("hi\n"))
	}, "A")

	nc := p.dial(t)
	send(t, nc, "host:transport:A")
	assert.Equal(t, wire.StatusOkay, readN(t, nc, 4))
	send(t, nc, "shell:echo hi")
	assert.Equal(t, wire.StatusOkay, readN(t, nc, 4))
	rest, err := io.ReadAll(nc)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(rest))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.srv.sessions.WithLabelValues("forward")))
}

func TestForwardsHostSerial(t *testing.T) {
	p := startProxy(t, func(s *adbtest.Session) {
		if err := s.Expect("host-serial:10.0.0.5:5555:get-state"); err != nil {
			return
		}
		s.WriteFrame("device")
	}, "10.0.0.5:5555")

	nc := p.dial(t)
	send(t, nc, "host-serial:10.0.0.5:5555:get-state")
	assert.Equal(t, wire.StatusOkay, readN(t, nc, 4))
	assert.Equal(t, "device", readFrame(t, nc))
}

func TestDeniedDeviceNeverReachesServer(t *testing.T) {
	p := startProxy(t, func(s *adbtest.Session) {
		s.WaitClosed()
	}, "A")

	nc := p.dial(t)
	send(t, nc, "host:transport:B")
	assert.Equal(t, wire.StatusFail, readN(t, nc, 4))
	assert.Equal(t, "device 'B' not found", readFrame(t, nc))
	_, err := nc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Zero(t, p.upstream.Accepted())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.srv.sessions.WithLabelValues("denied")))
}

func TestUnsupportedRequest(t *testing.T) {
	p := startProxy(t, func(s *adbtest.Session) {}, "A")

	nc := p.dial(t)
	send(t, nc, "host:kill")
	assert.Equal(t, wire.StatusFail, readN(t, nc, 4))
	assert.Contains(t, readFrame(t, nc), "unsupported request")
	assert.Zero(t, p.upstream.Accepted())
}

func TestTrackDevicesFiltered(t *testing.T) {
	closed := make(chan struct{})
	p := startProxy(t, func(s *adbtest.Session) {
		defer close(closed)
		if err := s.Expect("host:track-devices"); err != nil {
			return
		}
		s.WriteFrame("A\tdevice\nB\tdevice\n")
		s.WriteFrame("A\toffline\nB\tdevice\n")
		s.WriteFrame("B\toffline\n")
		s.WaitClosed()
	}, "A")

	nc := p.dial(t)
	send(t, nc, "host:track-devices")
	assert.Equal(t, wire.StatusOkay, readN(t, nc, 4))
	assert.Equal(t, "A\tdevice\n", readFrame(t, nc))
	assert.Equal(t, "A\toffline\n", readFrame(t, nc))
	assert.Equal(t, "", readFrame(t, nc))

	// Hanging up releases the upstream tracking connection.
	nc.Close()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream tracking connection still open")
	}
}

func TestTrackDevicesRejected(t *testing.T) {
	p := startProxy(t, func(s *adbtest.Session) {
		s.ReadRequest()
		s.Fail("not now")
	}, "A")

	nc := p.dial(t)
	send(t, nc, "host:track-devices")
	assert.Equal(t, wire.StatusFail, readN(t, nc, 4))
	assert.Equal(t, "not now", readFrame(t, nc))
}

func TestShutdownClosesSessions(t *testing.T) {
	up, err := adbtest.NewServer(func(s *adbtest.Session) {
		if s.Expect("host:transport:A") == nil {
			s.WaitClosed()
		}
	})
	require.NoError(t, err)
	defer up.Close()

	srv := New(adb.NewConnector(adb.ConnectorOptions{Addr: up.Addr()}), Options{
		Allow: func(string) bool { return true },
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(3 * time.Second))
	send(t, nc, "host:transport:A")
	assert.Equal(t, wire.StatusOkay, readN(t, nc, 4))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = nc.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(srv.active))
}

func TestRequestSerial(t *testing.T) {
	assert.Equal(t, "A", requestSerial("host:transport:A"))
	assert.Equal(t, "10.0.0.5:5555", requestSerial("host:transport:10.0.0.5:5555"))
	assert.Equal(t, "A", requestSerial("host-serial:A:features"))
	assert.Equal(t, "A", requestSerial("host-serial:A"))
	assert.Equal(t, "A", requestSerial("host-serial:A:forward:tcp:1:tcp:2"))
	assert.Equal(t, "10.0.0.5:5555", requestSerial("host-serial:10.0.0.5:5555:forward:tcp:1:tcp:2"))
}
