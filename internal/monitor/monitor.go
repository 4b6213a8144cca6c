package monitor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/FluidXR/questlink/internal/jdwp"
)

// Monitor ties the device tracker, the per-device process trackers and the
// event bus together.
type Monitor struct {
	devices *DeviceTracker
	clients *ClientTracker
	bus     *Bus
	ports   *jdwp.PortPool
}

// New builds a monitor. starter may be nil, in which case the adb server
// is never restarted.
func New(connector Connector, starter ServerStarter, opts Options) *Monitor {
	opts = opts.withDefaults()
	log := opts.logger()
	m := newMetrics(opts.Registerer)
	bus := NewBus(log.With().Str("component", "events").Logger())
	ports := jdwp.NewPortPool(opts.DebugPortBase)

	var clients *ClientTracker
	if opts.ClientSupport {
		clients = newClientTracker(connector, ports, bus, m, opts)
	}
	return &Monitor{
		devices: newDeviceTracker(connector, starter, clients, bus, m, opts),
		clients: clients,
		bus:     bus,
		ports:   ports,
	}
}

// Run tracks devices and processes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if m.clients != nil {
		g.Go(func() error { return m.clients.Run(ctx) })
	}
	g.Go(func() error { return m.devices.Run(ctx) })
	return g.Wait()
}

// Subscribe registers for device and client events.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.Subscribe(buffer)
}

// Devices returns the known devices ordered by serial.
func (m *Monitor) Devices() []*Device { return m.devices.Devices() }

// Device looks up a device by serial.
func (m *Monitor) Device(serial string) (*Device, bool) { return m.devices.Device(serial) }

// Tracker exposes the device tracker's connection state and counters.
func (m *Monitor) Tracker() *DeviceTracker { return m.devices }

// Ports returns the shared debugger port pool.
func (m *Monitor) Ports() *jdwp.PortPool { return m.ports }
