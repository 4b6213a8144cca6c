package monitor

import (
	"sort"
	"sync"

	"github.com/FluidXR/questlink/internal/adb"
)

// Device is a device known to the adb server. Its state and client set
// are written only by the trackers; accessors return copies.
type Device struct {
	serial string

	mu        sync.RWMutex
	state     adb.DeviceState
	clients   map[int]*Client
	trackConn *adb.Conn
}

func newDevice(serial string, state adb.DeviceState) *Device {
	return &Device{
		serial:  serial,
		state:   state,
		clients: make(map[int]*Client),
	}
}

// Serial returns the device serial number.
func (d *Device) Serial() string { return d.serial }

// State returns the last reported state.
func (d *Device) State() adb.DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsOnline reports whether the device is in the "device" state.
func (d *Device) IsOnline() bool {
	return d.State() == adb.StateOnline
}

// Clients returns the device's clients ordered by pid.
func (d *Device) Clients() []*Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Client returns the client for pid.
func (d *Device) Client(pid int) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[pid]
	return c, ok
}

// Pids returns the set of pids with a client.
func (d *Device) Pids() map[int]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pids := make(map[int]struct{}, len(d.clients))
	for pid := range d.clients {
		pids[pid] = struct{}{}
	}
	return pids
}

// IsTrackingClients reports whether a track-jdwp connection is open.
func (d *Device) IsTrackingClients() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trackConn != nil
}

func (d *Device) setState(s adb.DeviceState) adb.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.state
	d.state = s
	return old
}

// addClient registers c unless its pid is taken.
func (d *Device) addClient(c *Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[c.pid]; ok {
		return false
	}
	d.clients[c.pid] = c
	return true
}

func (d *Device) removeClient(pid int) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.clients[pid]
	delete(d.clients, pid)
	return c
}

// removeClientIf removes c only if it is still the registered client for
// its pid.
func (d *Device) removeClientIf(c *Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients[c.pid] != c {
		return false
	}
	delete(d.clients, c.pid)
	return true
}

// takeClients empties the client set and returns what it held.
func (d *Device) takeClients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	d.clients = make(map[int]*Client)
	return out
}

func (d *Device) setTrackConn(c *adb.Conn) {
	d.mu.Lock()
	d.trackConn = c
	d.mu.Unlock()
}
