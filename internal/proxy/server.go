// Package proxy serves a filtered view of the adb server. Device sessions
// are forwarded only for allowed serials, and host:track-devices reports
// only allowed devices.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/wire"
)

// DefaultAddr is where the proxy listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:5038"

// Connector opens connections to the real adb server.
type Connector interface {
	Connect(ctx context.Context, serial string) (*adb.Conn, error)
}

// Options configures a Server.
type Options struct {
	// Allow reports whether serial may be reached through the proxy. Nil
	// allows nothing.
	Allow          func(serial string) bool
	CommandTimeout time.Duration
	Registerer     prometheus.Registerer
	Logger         *zerolog.Logger
}

// Server accepts adb clients and relays them to the adb server.
type Server struct {
	connector Connector
	opts      Options
	log       zerolog.Logger
	sessions  *prometheus.CounterVec
	active    prometheus.Gauge

	conns sync.Map // uuid.UUID -> net.Conn
	wg    sync.WaitGroup
}

// New builds a proxy in front of connector.
func New(connector Connector, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = adb.DefaultCommandTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	f := promauto.With(opts.Registerer)
	return &Server{
		connector: connector,
		opts:      opts,
		log:       logger.With().Str("component", "proxy").Logger(),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questlink",
			Subsystem: "proxy",
			Name:      "sessions_total",
			Help:      "Proxy sessions by request kind.",
		}, []string{"kind"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "questlink",
			Subsystem: "proxy",
			Name:      "active_sessions",
			Help:      "Proxy sessions currently open.",
		}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or accepting fails.
// Open sessions are closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer s.closeAll()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("proxy listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("proxy accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

func (s *Server) closeAll() {
	s.conns.Range(func(_, v any) bool {
		v.(net.Conn).Close()
		return true
	})
}

func (s *Server) allowed(serial string) bool {
	return s.opts.Allow != nil && s.opts.Allow(serial)
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	id := uuid.New()
	log := s.log.With().Str("session", id.String()[:8]).Str("peer", nc.RemoteAddr().String()).Logger()
	s.conns.Store(id, nc)
	s.active.Inc()
	defer func() {
		s.conns.Delete(id)
		s.active.Dec()
		nc.Close()
	}()

	req, err := s.readRequest(nc)
	if err != nil {
		s.sessions.WithLabelValues("invalid").Inc()
		log.Debug().Err(err).Msg("unreadable request")
		return
	}
	log = log.With().Str("request", req).Logger()

	switch {
	case req == "host:track-devices":
		s.sessions.WithLabelValues("track").Inc()
		err = s.trackDevices(ctx, nc)
	case strings.HasPrefix(req, "host:transport:"), strings.HasPrefix(req, "host-serial:"):
		serial := requestSerial(req)
		if !s.allowed(serial) {
			s.sessions.WithLabelValues("denied").Inc()
			log.Info().Str("serial", serial).Msg("device not allowed")
			s.writeFail(nc, fmt.Sprintf("device '%s' not found", serial))
			return
		}
		s.sessions.WithLabelValues("forward").Inc()
		log.Debug().Str("serial", serial).Msg("forwarding")
		err = s.forward(ctx, nc, req)
	default:
		s.sessions.WithLabelValues("unsupported").Inc()
		log.Warn().Msg("unsupported request")
		s.writeFail(nc, "unsupported request: "+req)
		return
	}
	log.Debug().Err(err).Msg("session ended")
}

func (s *Server) readRequest(nc net.Conn) (string, error) {
	nc.SetReadDeadline(time.Now().Add(s.opts.CommandTimeout))
	defer nc.SetReadDeadline(time.Time{})
	var hdr [wire.LengthSize]byte
	if _, err := io.ReadFull(nc, hdr[:]); err != nil {
		return "", err
	}
	n, err := wire.ParseLength(hdr[:])
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s *Server) write(nc net.Conn, p []byte) error {
	nc.SetWriteDeadline(time.Now().Add(s.opts.CommandTimeout))
	_, err := nc.Write(p)
	return err
}

func (s *Server) writeFail(nc net.Conn, msg string) error {
	return s.write(nc, []byte(wire.StatusFail+wire.FormatLength(len(msg))+msg))
}

// requestSerial extracts the device from host:transport:<serial> or
// host-serial:<serial>:<command>. A wireless serial carries its own
// ":<port>", which is kept.
func requestSerial(req string) string {
	if rest, ok := strings.CutPrefix(req, "host:transport:"); ok {
		return rest
	}
	rest := strings.TrimPrefix(req, "host-serial:")
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return rest
	}
	after := rest[i+1:]
	if j := strings.IndexByte(after, ':'); j > 0 {
		if _, err := strconv.ParseUint(after[:j], 10, 16); err == nil {
			return rest[:i+1+j]
		}
	}
	return rest[:i]
}

// forward replays req to the adb server and then copies bytes both ways
// until either side closes.
func (s *Server) forward(ctx context.Context, nc net.Conn, req string) error {
	up, err := s.connector.Connect(ctx, "")
	if err != nil {
		s.writeFail(nc, err.Error())
		return err
	}
	defer up.Close()
	up.SetTimeout(0)
	if err := up.Send(req); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(up, nc)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(nc, up)
		errCh <- err
	}()

	pending := 2
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
		pending--
	}
	up.Close()
	nc.Close()
	for ; pending > 0; pending-- {
		<-errCh
	}
	return err
}

// trackDevices relays host:track-devices with every update filtered
// through Allow.
func (s *Server) trackDevices(ctx context.Context, nc net.Conn) error {
	up, err := s.connector.Connect(ctx, "")
	if err != nil {
		s.writeFail(nc, err.Error())
		return err
	}
	defer up.Close()

	f := &trackFilter{s: s, nc: nc, ready: make(chan struct{}), done: make(chan error, 1)}
	if err := up.SendAndWaitOkay(ctx, "host:track-devices", s.opts.CommandTimeout, f); err != nil {
		var rej *adb.CommandRejectedError
		if errors.As(err, &rej) {
			s.writeFail(nc, rej.Message)
		}
		return err
	}
	// OKAY must reach the client before the first list.
	err = s.write(nc, []byte(wire.StatusOkay))
	close(f.ready)
	if err != nil {
		return err
	}

	// Clients send nothing after the request; a returning read means the
	// client went away.
	go func() {
		io.Copy(io.Discard, nc)
		up.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.done:
		return err
	}
}

type trackFilter struct {
	s     *Server
	nc    net.Conn
	ready chan struct{}
	done  chan error
	dec   wire.FrameDecoder
}

func (f *trackFilter) HandleData(p []byte) error {
	frames, err := f.dec.Feed(p)
	<-f.ready
	for _, frame := range frames {
		var kept []wire.DeviceEntry
		for _, e := range wire.ParseDeviceList(frame) {
			if f.s.allowed(e.Serial) {
				kept = append(kept, e)
			}
		}
		payload := wire.FormatDeviceList(kept)
		out := append([]byte(wire.FormatLength(len(payload))), payload...)
		if werr := f.s.write(f.nc, out); werr != nil {
			return werr
		}
	}
	return err
}

func (f *trackFilter) HandleClose(err error) {
	f.done <- err
}
