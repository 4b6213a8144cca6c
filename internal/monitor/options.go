// Package monitor tracks devices attached to the adb server and the
// debuggable processes running on them.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/jdwp"
)

// Connector opens adb connections, switched to serial when non-empty.
type Connector interface {
	Connect(ctx context.Context, serial string) (*adb.Conn, error)
}

// ServerStarter (re)starts the adb server process.
type ServerStarter interface {
	StartServer(ctx context.Context) error
}

// Options configures the trackers.
type Options struct {
	PollInterval         time.Duration
	MaxReconnectAttempts int
	CommandTimeout       time.Duration
	ClientSupport        bool
	DebugPortBase        int
	ReopenGrace          time.Duration
	MaintenanceInterval  time.Duration
	Registerer           prometheus.Registerer
	Logger               *zerolog.Logger
}

// DefaultOptions returns the stock tracker settings.
func DefaultOptions() Options {
	return Options{
		PollInterval:         time.Second,
		MaxReconnectAttempts: 10,
		CommandTimeout:       adb.DefaultCommandTimeout,
		ClientSupport:        true,
		DebugPortBase:        jdwp.DefaultPortBase,
		ReopenGrace:          time.Second,
		MaintenanceInterval:  time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	// Negative disables escalation.
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.DebugPortBase <= 0 {
		o.DebugPortBase = d.DebugPortBase
	}
	if o.ReopenGrace < 0 {
		o.ReopenGrace = 0
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = d.MaintenanceInterval
	}
	return o
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.Logger
}
