package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/jdwp"
	"github.com/FluidXR/questlink/internal/wire"
)

// ClientTracker follows the debuggable processes of every online device
// through one track-jdwp connection per device.
type ClientTracker struct {
	opts      Options
	connector Connector
	ports     *jdwp.PortPool
	bus       *Bus
	metrics   *metrics
	log       zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*deviceTracking
	reopen  []*Client
}

type deviceTracking struct {
	dev      *Device
	gen      uint64
	conn     *adb.Conn
	starting bool
}

func newClientTracker(connector Connector, ports *jdwp.PortPool, bus *Bus, m *metrics, opts Options) *ClientTracker {
	return &ClientTracker{
		opts:      opts,
		connector: connector,
		ports:     ports,
		bus:       bus,
		metrics:   m,
		log:       opts.logger().With().Str("component", "clients").Logger(),
		tracked:   make(map[string]*deviceTracking),
	}
}

// Start begins tracking dev's processes. It is a no-op when dev is
// already tracked.
func (t *ClientTracker) Start(ctx context.Context, dev *Device) {
	if !t.opts.ClientSupport {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tracked[dev.Serial()]; ok {
		return
	}
	dt := &deviceTracking{dev: dev}
	t.tracked[dev.Serial()] = dt
	t.startTracking(ctx, dt)
}

// startTracking must be called with t.mu held.
func (t *ClientTracker) startTracking(ctx context.Context, dt *deviceTracking) {
	dt.gen++
	dt.starting = true
	go t.track(ctx, dt, dt.gen)
}

func (t *ClientTracker) track(ctx context.Context, dt *deviceTracking, gen uint64) {
	serial := dt.dev.Serial()
	conn, err := t.connector.Connect(ctx, serial)
	if err == nil {
		h := &pidTrackHandler{t: t, ctx: ctx, dt: dt, gen: gen}
		if err = conn.SendAndWaitOkay(ctx, "track-jdwp", t.opts.CommandTimeout, h); err != nil {
			conn.Close()
		}
	}

	t.mu.Lock()
	current := t.tracked[serial] == dt && dt.gen == gen
	if err != nil {
		if current {
			dt.starting = false
		}
		t.mu.Unlock()
		t.log.Debug().Err(err).Str("serial", serial).Msg("cannot start process tracking")
		return
	}
	if !current {
		t.mu.Unlock()
		conn.Close()
		return
	}
	dt.conn = conn
	dt.starting = false
	dt.dev.setTrackConn(conn)
	t.mu.Unlock()
	t.log.Debug().Str("serial", serial).Msg("tracking processes")
}

func (t *ClientTracker) isCurrent(dt *deviceTracking, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracked[dt.dev.Serial()] == dt && dt.gen == gen
}

func (t *ClientTracker) onTrackClosed(dt *deviceTracking, gen uint64, err error) {
	t.mu.Lock()
	if t.tracked[dt.dev.Serial()] != dt || dt.gen != gen {
		t.mu.Unlock()
		return
	}
	dt.gen++
	dt.conn = nil
	dt.starting = false
	dt.dev.setTrackConn(nil)
	t.mu.Unlock()
	t.log.Debug().Err(err).Str("serial", dt.dev.Serial()).Msg("process tracking lost")
}

// updatePids reconciles the device's clients against a pid list.
func (t *ClientTracker) updatePids(ctx context.Context, dt *deviceTracking, gen uint64, pids []int) {
	if !t.isCurrent(dt, gen) {
		return
	}
	dev := dt.dev
	next := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		next[pid] = struct{}{}
	}
	cur := dev.Pids()

	var added, removed []int
	for pid := range cur {
		if _, ok := next[pid]; !ok {
			removed = append(removed, pid)
		}
	}
	for pid := range next {
		if _, ok := cur[pid]; !ok {
			added = append(added, pid)
		}
	}
	sort.Ints(added)
	sort.Ints(removed)

	for _, pid := range removed {
		if c := dev.removeClient(pid); c != nil {
			t.dropClient(c, true)
		}
	}
	for _, pid := range added {
		if ctx.Err() != nil {
			return
		}
		t.openClient(ctx, dev, pid, 0)
	}
}

// openClient connects to pid and registers it under dev. port is reused
// when positive, otherwise a port is taken from the pool once the
// handshake succeeds. A positive port is returned to the pool on failure.
func (t *ClientTracker) openClient(ctx context.Context, dev *Device, pid, port int) {
	serial := dev.Serial()
	log := t.log.With().Str("serial", serial).Int("pid", pid).Logger()
	if !t.isTracked(dev) {
		t.ports.Free(port)
		return
	}

	conn, err := t.connector.Connect(ctx, serial)
	if err == nil {
		if err = conn.SendAndWaitOkay(ctx, fmt.Sprintf("jdwp:%d", pid), t.opts.CommandTimeout, nil); err != nil {
			conn.Close()
		}
	}
	if err != nil {
		t.ports.Free(port)
		log.Debug().Err(err).Msg("cannot open process, skipping")
		return
	}

	c := newClient(serial, pid, conn, t.opts.CommandTimeout, t.log, t.hooks())
	if err := c.handshake(); err != nil {
		// The socket stays open so the pid is not retried on every update.
		log.Warn().Err(err).Msg("handshake failed")
		c.setStatus(ClientHandshakeFailed)
		t.ports.Free(port)
		if !t.register(dev, c) {
			c.Close()
			return
		}
		t.bus.Publish(Event{Kind: ClientAdded, Serial: serial, State: dev.State(), Client: c.Info()})
		return
	}

	if port <= 0 {
		port = t.ports.Next()
	}
	c.setPort(port)
	if !t.register(dev, c) {
		c.Close()
		t.ports.Free(port)
		return
	}
	if err := c.listen(port); err != nil {
		log.Warn().Err(err).Int("port", port).Msg("cannot listen for debugger")
	}
	c.start()
	log.Debug().Int("port", port).Msg("process added")
	t.bus.Publish(Event{Kind: ClientAdded, Serial: serial, State: dev.State(), Client: c.Info()})
}

func (t *ClientTracker) isTracked(dev *Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dt, ok := t.tracked[dev.Serial()]
	return ok && dt.dev == dev
}

// register adds c to dev while dev is still tracked.
func (t *ClientTracker) register(dev *Device, c *Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dt, ok := t.tracked[dev.Serial()]
	if !ok || dt.dev != dev || !dev.addClient(c) {
		return false
	}
	t.metrics.clients.Inc()
	return true
}

// dropClient closes a client already removed from its device.
func (t *ClientTracker) dropClient(c *Client, freePort bool) {
	info := c.Info()
	c.Close()
	if freePort {
		t.ports.Free(info.Port)
	}
	t.metrics.clients.Dec()
	info.Status = ClientClosed
	t.bus.Publish(Event{Kind: ClientRemoved, Serial: c.serial, Client: info})
}

func (t *ClientTracker) device(serial string) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dt, ok := t.tracked[serial]; ok {
		return dt.dev
	}
	return nil
}

func (t *ClientTracker) hooks() clientHooks {
	return clientHooks{
		closed: func(c *Client, err error) {
			t.log.Debug().Err(err).Str("serial", c.serial).Int("pid", c.pid).Msg("process connection lost")
			if dev := t.device(c.serial); dev != nil && dev.removeClientIf(c) {
				t.dropClient(c, true)
				return
			}
			c.Close()
		},
		detached: t.queueReopen,
		changed: func(c *Client) {
			t.bus.Publish(Event{Kind: ClientChanged, Serial: c.serial, Client: c.Info()})
		},
	}
}

// queueReopen marks c to be reopened on its port by the next maintenance
// pass.
func (t *ClientTracker) queueReopen(c *Client) {
	t.mu.Lock()
	t.reopen = append(t.reopen, c)
	t.mu.Unlock()
}

// Stop ends tracking for serial and drops its clients.
func (t *ClientTracker) Stop(serial string) {
	t.mu.Lock()
	dt, ok := t.tracked[serial]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.tracked, serial)
	dt.gen++
	conn := dt.conn
	dt.conn = nil
	kept := t.reopen[:0]
	for _, c := range t.reopen {
		if c.serial != serial {
			kept = append(kept, c)
		}
	}
	t.reopen = kept
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	dt.dev.setTrackConn(nil)
	for _, c := range dt.dev.takeClients() {
		t.dropClient(c, true)
	}
}

// Run performs periodic maintenance until ctx is done: devices whose
// tracking connection was lost are retried and detached clients are
// reopened.
func (t *ClientTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case <-ticker.C:
			t.maintain(ctx)
		}
	}
}

func (t *ClientTracker) maintain(ctx context.Context) {
	t.mu.Lock()
	for _, dt := range t.tracked {
		if dt.conn == nil && !dt.starting && dt.dev.IsOnline() {
			t.startTracking(ctx, dt)
		}
	}
	queue := t.reopen
	t.reopen = nil
	t.mu.Unlock()

	type reopen struct {
		dev  *Device
		pid  int
		port int
	}
	var pending []reopen
	for _, c := range queue {
		dev := t.device(c.serial)
		if dev == nil || !dev.removeClientIf(c) {
			continue
		}
		// The port stays reserved for the reopened client.
		t.dropClient(c, false)
		pending = append(pending, reopen{dev: dev, pid: c.pid, port: c.Port()})
	}
	if len(pending) == 0 {
		return
	}

	// Give the process time to tear down its side of the connection.
	timer := time.NewTimer(t.opts.ReopenGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		for _, r := range pending {
			t.ports.Free(r.port)
		}
		return
	case <-timer.C:
	}
	for _, r := range pending {
		t.openClient(ctx, r.dev, r.pid, r.port)
	}
}

func (t *ClientTracker) shutdown() {
	t.mu.Lock()
	serials := make([]string, 0, len(t.tracked))
	for serial := range t.tracked {
		serials = append(serials, serial)
	}
	t.mu.Unlock()
	for _, serial := range serials {
		t.Stop(serial)
	}
}

// pidTrackHandler decodes the track-jdwp stream of one device.
type pidTrackHandler struct {
	t   *ClientTracker
	ctx context.Context
	dt  *deviceTracking
	gen uint64
	dec wire.FrameDecoder
}

func (h *pidTrackHandler) HandleData(p []byte) error {
	frames, err := h.dec.Feed(p)
	for _, f := range frames {
		h.t.updatePids(h.ctx, h.dt, h.gen, wire.ParsePidList(f))
	}
	return err
}

func (h *pidTrackHandler) HandleClose(err error) {
	h.t.onTrackClosed(h.dt, h.gen, err)
}
