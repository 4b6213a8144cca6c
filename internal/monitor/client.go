package monitor

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/jdwp"
)

// ClientStatus is the state of the pass-through connection to a process.
type ClientStatus int

const (
	ClientReady ClientStatus = iota
	ClientHandshakeFailed
	ClientClosed
)

func (s ClientStatus) String() string {
	switch s {
	case ClientReady:
		return "ready"
	case ClientHandshakeFailed:
		return "handshake-failed"
	default:
		return "closed"
	}
}

// DebuggerStatus is the state of the local debugger listener.
type DebuggerStatus int

const (
	DebuggerDefault DebuggerStatus = iota
	DebuggerWaiting
	DebuggerAttached
	DebuggerError
)

func (s DebuggerStatus) String() string {
	switch s {
	case DebuggerWaiting:
		return "waiting"
	case DebuggerAttached:
		return "attached"
	case DebuggerError:
		return "error"
	default:
		return "none"
	}
}

// ClientInfo is a point-in-time copy of a client's state.
type ClientInfo struct {
	Pid      int
	Port     int
	Status   ClientStatus
	Debugger DebuggerStatus
}

type clientHooks struct {
	closed   func(c *Client, err error)
	detached func(c *Client)
	changed  func(c *Client)
}

// Client is a debuggable process reached through a jdwp:<pid>
// pass-through socket. When a port is assigned, a debugger may attach on
// 127.0.0.1:<port> and have its packets relayed.
type Client struct {
	serial string
	pid    int
	conn   *adb.Conn
	log    zerolog.Logger
	hooks  clientHooks

	handshakeTimeout time.Duration

	mu             sync.Mutex
	port           int
	status         ClientStatus
	debuggerStatus DebuggerStatus
	ln             net.Listener
	debugger       net.Conn

	closeOnce sync.Once
	closing   atomic.Bool
}

func newClient(serial string, pid int, conn *adb.Conn, timeout time.Duration, logger zerolog.Logger, hooks clientHooks) *Client {
	return &Client{
		serial:           serial,
		pid:              pid,
		conn:             conn,
		hooks:            hooks,
		handshakeTimeout: timeout,
		log:              logger.With().Str("serial", serial).Int("pid", pid).Logger(),
	}
}

// Pid returns the process id.
func (c *Client) Pid() int { return c.pid }

// Serial returns the owning device's serial.
func (c *Client) Serial() string { return c.serial }

// Port returns the debugger port, or 0 when none is assigned.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// IsValid reports whether the pass-through connection is usable.
func (c *Client) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == ClientReady
}

// Info returns a snapshot of the client.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{Pid: c.pid, Port: c.port, Status: c.status, Debugger: c.debuggerStatus}
}

func (c *Client) setStatus(s ClientStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) setPort(port int) {
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
}

func (c *Client) setDebuggerStatus(s DebuggerStatus) {
	c.mu.Lock()
	c.debuggerStatus = s
	c.mu.Unlock()
	if c.hooks.changed != nil {
		c.hooks.changed(c)
	}
}

// handshake exchanges JDWP-Handshake with the process. Afterwards the
// socket may idle indefinitely.
func (c *Client) handshake() error {
	c.conn.SetTimeout(c.handshakeTimeout)
	if err := jdwp.Exchange(c.conn); err != nil {
		return err
	}
	c.conn.SetTimeout(0)
	return nil
}

// listen binds the debugger port. A bind failure is recorded in the
// debugger status and returned.
func (c *Client) listen(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		c.mu.Lock()
		c.debuggerStatus = DebuggerError
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.ln = ln
	c.debuggerStatus = DebuggerWaiting
	c.mu.Unlock()
	go c.acceptLoop(ln)
	return nil
}

// start relays packets from the process until the socket fails.
func (c *Client) start() {
	go c.readLoop()
}

func (c *Client) readLoop() {
	for {
		p, err := jdwp.ReadPacket(c.conn)
		if err != nil {
			if !c.closing.Load() && c.hooks.closed != nil {
				c.hooks.closed(c, err)
			}
			return
		}
		c.mu.Lock()
		dbg := c.debugger
		c.mu.Unlock()
		if dbg == nil {
			c.log.Trace().Uint32("id", p.ID).Msg("no debugger attached, packet dropped")
			continue
		}
		if _, err := dbg.Write(p.Encode()); err != nil {
			dbg.Close()
		}
	}
}

// acceptLoop serves one debugger at a time; later connections wait in the
// listen backlog.
func (c *Client) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c.serveDebugger(nc)
		if c.closing.Load() {
			return
		}
	}
}

func (c *Client) serveDebugger(nc net.Conn) {
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(c.handshakeTimeout))
	if err := jdwp.ReadHandshake(nc); err != nil {
		c.log.Debug().Err(err).Msg("debugger handshake failed")
		return
	}
	if _, err := nc.Write([]byte(jdwp.Handshake)); err != nil {
		return
	}
	nc.SetDeadline(time.Time{})

	c.mu.Lock()
	c.debugger = nc
	c.mu.Unlock()
	c.setDebuggerStatus(DebuggerAttached)
	c.log.Info().Str("debugger", nc.RemoteAddr().String()).Msg("debugger attached")

	for {
		p, err := jdwp.ReadPacket(nc)
		if err != nil {
			break
		}
		if _, err := c.conn.Write(p.Encode()); err != nil {
			break
		}
	}

	c.mu.Lock()
	c.debugger = nil
	c.mu.Unlock()
	if c.closing.Load() {
		return
	}
	c.setDebuggerStatus(DebuggerWaiting)
	c.log.Info().Msg("debugger detached")
	if c.hooks.detached != nil {
		c.hooks.detached(c)
	}
}

// Close tears down the listener, any debugger and the pass-through socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.mu.Lock()
		c.status = ClientClosed
		ln, dbg := c.ln, c.debugger
		c.ln, c.debugger = nil, nil
		c.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		if dbg != nil {
			dbg.Close()
		}
		c.conn.Close()
	})
}
