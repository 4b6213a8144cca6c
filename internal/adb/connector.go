package adb

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAddr           = "127.0.0.1:5037"
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 5 * time.Second
)

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	Addr           string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// Traffic, when set, meters and shapes every connection.
	Traffic *Traffic
	Logger  *zerolog.Logger
}

// Connector opens connections to the adb server.
type Connector struct {
	opts   ConnectorOptions
	log    zerolog.Logger
	dialer net.Dialer
}

// NewConnector fills in defaults for zero options.
func NewConnector(opts ConnectorOptions) *Connector {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Connector{opts: opts, log: logger}
}

// Addr returns the adb server address.
func (c *Connector) Addr() string { return c.opts.Addr }

// CommandTimeout returns the default request timeout.
func (c *Connector) CommandTimeout() time.Duration { return c.opts.CommandTimeout }

// Connect dials the server. With a non-empty serial the connection is
// switched to that device before it is returned.
func (c *Connector) Connect(ctx context.Context, serial string) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	nc, err := c.dialer.DialContext(dctx, "tcp", c.opts.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.Is(dctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, &TimeoutError{Op: "connect " + c.opts.Addr, Window: c.opts.ConnectTimeout}
		}
		return nil, &ConnectError{Addr: c.opts.Addr, Err: err}
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if c.opts.Traffic != nil {
		nc = c.opts.Traffic.Wrap(nc, serial)
	}

	conn := newConn(nc, c.opts.CommandTimeout, c.log)
	if serial != "" {
		if err := conn.SelectDevice(ctx, serial, c.opts.CommandTimeout); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Open connects, selects serial when given, and starts service on it.
func (c *Connector) Open(ctx context.Context, serial, service string) (*Conn, error) {
	conn, err := c.Connect(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := conn.SendAndWaitOkay(ctx, service, c.opts.CommandTimeout, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
