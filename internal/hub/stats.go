package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub's prometheus instruments. The JSON Snapshot remains
// the user-visible stats surface; these feed the /metrics endpoint.
type Metrics struct {
	FramesIn       prometheus.Counter
	Commands       prometheus.Counter
	CommandErrors  prometheus.Counter
	SessionDrops   prometheus.Counter
	TelemetryDrops prometheus.Counter
	Sessions       prometheus.Gauge
}

// NewMetrics creates the hub instruments, registered on reg. A nil reg
// creates unregistered instruments, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "frames_in_total",
			Help: "Frames received from the autopilot link.",
		}),
		Commands: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "commands_total",
			Help: "Command frames submitted by sessions.",
		}),
		CommandErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "command_errors_total",
			Help: "Command frames rejected by the autopilot link.",
		}),
		SessionDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "session_drops_total",
			Help: "Frames dropped on full session queues.",
		}),
		TelemetryDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "telemetry_drops_total",
			Help: "Telemetry updates dropped on a lagging store.",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "groundlink", Subsystem: "hub",
			Name: "sessions",
			Help: "Currently attached sessions.",
		}),
	}
}
