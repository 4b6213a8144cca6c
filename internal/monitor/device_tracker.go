package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/wire"
)

// TrackerState is the state of the host:track-devices connection.
type TrackerState int

const (
	Disconnected TrackerState = iota
	Connecting
	Tracking
)

func (s TrackerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Tracking:
		return "tracking"
	default:
		return "disconnected"
	}
}

// DeviceTracker keeps the device list in step with host:track-devices and
// starts or stops process tracking as devices come and go.
type DeviceTracker struct {
	connector Connector
	starter   ServerStarter
	clients   *ClientTracker
	bus       *Bus
	metrics   *metrics
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	state    TrackerState
	conn     *adb.Conn
	gen      uint64
	devices  map[string]*Device
	attempts int
	restarts int
}

func newDeviceTracker(connector Connector, starter ServerStarter, clients *ClientTracker, bus *Bus, m *metrics, opts Options) *DeviceTracker {
	return &DeviceTracker{
		connector: connector,
		starter:   starter,
		clients:   clients,
		bus:       bus,
		metrics:   m,
		opts:      opts,
		log:       opts.logger().With().Str("component", "devices").Logger(),
		devices:   make(map[string]*Device),
	}
}

// State returns the connection state.
func (t *DeviceTracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the number of consecutive failed connects.
func (t *DeviceTracker) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Restarts returns the number of consecutive failed server restarts.
func (t *DeviceTracker) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

// Devices returns the known devices ordered by serial.
func (t *DeviceTracker) Devices() []*Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].serial < out[j].serial })
	return out
}

// Device returns the device with the given serial.
func (t *DeviceTracker) Device(serial string) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[serial]
	return d, ok
}

// Run polls until ctx is done, reconnecting whenever the tracking
// connection is down.
func (t *DeviceTracker) Run(ctx context.Context) error {
	t.tick(ctx)
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *DeviceTracker) tick(ctx context.Context) {
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = Connecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	conn, err := t.connector.Connect(ctx, "")
	if err == nil {
		h := &deviceTrackHandler{t: t, ctx: ctx, gen: gen}
		if err = conn.SendAndWaitOkay(ctx, "host:track-devices", t.opts.CommandTimeout, h); err != nil {
			conn.Close()
		}
	}
	if err != nil {
		t.connectFailed(ctx, gen, err)
		return
	}

	t.mu.Lock()
	if t.gen != gen {
		// Lost before it was installed.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.state = Tracking
	t.conn = conn
	t.attempts = 0
	t.mu.Unlock()
	t.log.Info().Msg("tracking devices")
}

func (t *DeviceTracker) connectFailed(ctx context.Context, gen uint64, err error) {
	t.mu.Lock()
	if t.gen == gen {
		t.state = Disconnected
	}
	t.attempts++
	attempts := t.attempts
	escalate := t.starter != nil && t.opts.MaxReconnectAttempts > 0 && attempts > t.opts.MaxReconnectAttempts
	t.mu.Unlock()

	t.metrics.reconnects.Inc()
	t.log.Warn().Err(err).Int("attempts", attempts).Msg("cannot connect to adb server")
	if escalate && ctx.Err() == nil {
		t.restartServer(ctx)
	}
}

func (t *DeviceTracker) restartServer(ctx context.Context) {
	err := t.starter.StartServer(ctx)
	t.mu.Lock()
	if err != nil {
		t.restarts++
	} else {
		t.restarts = 0
	}
	restarts := t.restarts
	t.mu.Unlock()

	if err != nil {
		t.metrics.restarts.WithLabelValues("failure").Inc()
		t.log.Error().Err(err).Int("restarts", restarts).Msg("adb server restart failed")
		return
	}
	t.metrics.restarts.WithLabelValues("success").Inc()
	t.log.Info().Msg("adb server restarted")
}

// update applies one device list from generation gen.
func (t *DeviceTracker) update(ctx context.Context, gen uint64, entries []wire.DeviceEntry) {
	next := make(map[string]adb.DeviceState, len(entries))
	for _, e := range entries {
		next[e.Serial] = adb.ParseDeviceState(e.State)
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	prev := make(map[string]adb.DeviceState, len(t.devices))
	for serial, d := range t.devices {
		prev[serial] = d.State()
	}
	diff := Compare(prev, next)

	var events []Event
	var start, stop []*Device
	for _, serial := range diff.Updated {
		d := t.devices[serial]
		state := next[serial]
		old := d.setState(state)
		events = append(events, Event{Kind: DeviceChanged, Serial: serial, State: state, OldState: old})
		switch {
		case state == adb.StateOnline:
			start = append(start, d)
		case old == adb.StateOnline:
			stop = append(stop, d)
		}
	}
	for _, serial := range diff.Removed {
		d := t.devices[serial]
		delete(t.devices, serial)
		old := d.setState(adb.StateDisconnected)
		stop = append(stop, d)
		events = append(events, Event{Kind: DeviceDisconnected, Serial: serial, State: adb.StateDisconnected, OldState: old})
	}
	for _, serial := range diff.Added {
		d := newDevice(serial, next[serial])
		t.devices[serial] = d
		events = append(events, Event{Kind: DeviceConnected, Serial: serial, State: next[serial], OldState: adb.StateDisconnected})
		if d.IsOnline() {
			start = append(start, d)
		}
	}
	t.metrics.devices.Set(float64(len(t.devices)))
	t.mu.Unlock()

	for _, d := range stop {
		t.stopClients(d)
	}
	for _, d := range start {
		t.startClients(ctx, d)
	}
	for _, ev := range events {
		t.log.Debug().Str("serial", ev.Serial).Stringer("state", ev.State).Msg(ev.Kind.String())
		t.bus.Publish(ev)
	}
}

// connectionLost disconnects every device known to generation gen.
func (t *DeviceTracker) connectionLost(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	t.state = Disconnected
	conn := t.conn
	t.conn = nil
	lost := t.devices
	t.devices = make(map[string]*Device)
	t.metrics.devices.Set(0)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.log.Warn().Err(err).Int("devices", len(lost)).Msg("device tracking connection lost")

	serials := make([]string, 0, len(lost))
	for serial := range lost {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	for _, serial := range serials {
		d := lost[serial]
		old := d.setState(adb.StateDisconnected)
		t.stopClients(d)
		t.bus.Publish(Event{Kind: DeviceDisconnected, Serial: serial, State: adb.StateDisconnected, OldState: old})
	}
}

func (t *DeviceTracker) startClients(ctx context.Context, d *Device) {
	if t.clients != nil {
		t.clients.Start(ctx, d)
	}
}

func (t *DeviceTracker) stopClients(d *Device) {
	if t.clients != nil {
		t.clients.Stop(d.Serial())
		return
	}
	for _, c := range d.takeClients() {
		c.Close()
	}
}

// shutdown closes the tracking connection without notifying subscribers.
func (t *DeviceTracker) shutdown() {
	t.mu.Lock()
	t.gen++
	t.state = Disconnected
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// deviceTrackHandler decodes the host:track-devices stream.
type deviceTrackHandler struct {
	t   *DeviceTracker
	ctx context.Context
	gen uint64
	dec wire.FrameDecoder
}

func (h *deviceTrackHandler) HandleData(p []byte) error {
	frames, err := h.dec.Feed(p)
	for _, f := range frames {
		h.t.update(h.ctx, h.gen, wire.ParseDeviceList(f))
	}
	return err
}

func (h *deviceTrackHandler) HandleClose(err error) {
	h.t.connectionLost(h.gen, err)
}
