package tcpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments shared by the attached-mode
// server and the tunnel proxy.
type Metrics struct {
	Accepted          prometheus.Counter
	Rejected          prometheus.Counter
	Errors            prometheus.Counter
	Active            prometheus.Gauge
	BytesToUpstream   prometheus.Counter
	BytesFromUpstream prometheus.Counter
}

// NewMetrics creates the instruments, registered on reg. A nil reg creates
// unregistered instruments, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "accepted_total",
			Help: "Accepted TCP client connections.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "rejected_total",
			Help: "Connections reset because max clients was reached.",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "errors_total",
			Help: "Relay and upstream dial errors.",
		}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "active_connections",
			Help: "Currently open client connections.",
		}),
		BytesToUpstream: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "proxy_bytes_to_upstream_total",
			Help: "Bytes relayed from clients to the upstream endpoint.",
		}),
		BytesFromUpstream: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "tcp",
			Name: "proxy_bytes_from_upstream_total",
			Help: "Bytes relayed from the upstream endpoint to clients.",
		}),
	}
}
