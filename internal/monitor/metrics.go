package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	devices    prometheus.Gauge
	clients    prometheus.Gauge
	reconnects prometheus.Counter
	restarts   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		devices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "questlink",
			Subsystem: "monitor",
			Name:      "devices",
			Help:      "Devices currently reported by the adb server.",
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "questlink",
			Subsystem: "monitor",
			Name:      "clients",
			Help:      "Debuggable processes with an open pass-through connection.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "questlink",
			Subsystem: "monitor",
			Name:      "connect_failures_total",
			Help:      "Failed attempts to open the device tracking connection.",
		}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "questlink",
			Subsystem: "monitor",
			Name:      "adb_restarts_total",
			Help:      "adb server restarts requested, by outcome.",
		}, []string{"result"}),
	}
}
