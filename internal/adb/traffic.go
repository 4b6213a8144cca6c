package adb

import (
	"context"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// TrafficOptions configures byte accounting and shaping. Limits are in
// bytes per second; zero means unlimited.
type TrafficOptions struct {
	GlobalBytesPerSec int
	DeviceBytesPerSec int
	// Registerer receives the byte counters. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Traffic counts bytes per device and direction and optionally throttles
// them against a global and a per-device budget.
type Traffic struct {
	bytes    *prometheus.CounterVec
	global   *rate.Limiter
	perLimit int

	mu      sync.Mutex
	devices map[string]*rate.Limiter
}

func NewTraffic(opts TrafficOptions) *Traffic {
	t := &Traffic{
		bytes: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "questlink",
			Subsystem: "adb",
			Name:      "bytes_total",
			Help:      "Bytes exchanged with the adb server.",
		}, []string{"serial", "direction"}),
		perLimit: opts.DeviceBytesPerSec,
		devices:  make(map[string]*rate.Limiter),
	}
	if opts.GlobalBytesPerSec > 0 {
		t.global = rate.NewLimiter(rate.Limit(opts.GlobalBytesPerSec), opts.GlobalBytesPerSec)
	}
	return t
}

// Bytes returns the counter for serial and direction ("in" or "out").
// Host connections use the serial "host".
func (t *Traffic) Bytes(serial, direction string) prometheus.Counter {
	return t.bytes.WithLabelValues(trafficLabel(serial), direction)
}

// Wrap meters nc under serial.
func (t *Traffic) Wrap(nc net.Conn, serial string) net.Conn {
	m := &meteredConn{
		Conn: nc,
		in:   t.Bytes(serial, "in"),
		out:  t.Bytes(serial, "out"),
	}
	if t.global != nil {
		m.limiters = append(m.limiters, t.global)
	}
	if l := t.deviceLimiter(serial); l != nil {
		m.limiters = append(m.limiters, l)
	}
	return m
}

func (t *Traffic) deviceLimiter(serial string) *rate.Limiter {
	if t.perLimit <= 0 || serial == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.devices[serial]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.perLimit), t.perLimit)
		t.devices[serial] = l
	}
	return l
}

func trafficLabel(serial string) string {
	if serial == "" {
		return "host"
	}
	return serial
}

type meteredConn struct {
	net.Conn
	in, out  prometheus.Counter
	limiters []*rate.Limiter
}

func (m *meteredConn) Read(p []byte) (int, error) {
	n, err := m.Conn.Read(p)
	if n > 0 {
		m.in.Add(float64(n))
		m.throttle(n)
	}
	return n, err
}

// Write is not shaped; Conn calls waitWrite before arming its deadline.
func (m *meteredConn) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	if n > 0 {
		m.out.Add(float64(n))
	}
	return n, err
}

func (m *meteredConn) waitWrite(n int) { m.throttle(n) }

// writeStep is the largest piece written under one deadline.
func (m *meteredConn) writeStep() int {
	step := 0
	for _, l := range m.limiters {
		if step == 0 || l.Burst() < step {
			step = l.Burst()
		}
	}
	return step
}

// throttle waits in burst-sized steps; WaitN rejects n above the burst.
func (m *meteredConn) throttle(n int) {
	for _, l := range m.limiters {
		for rest := n; rest > 0; {
			step := min(rest, l.Burst())
			if err := l.WaitN(context.Background(), step); err != nil {
				break
			}
			rest -= step
		}
	}
}
