package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the registry server
type Metrics struct {
	RegisteredPeers     prometheus.Gauge
	ConnectionAttempts  prometheus.Gauge
	ConnectionSuccesses prometheus.Gauge
	LiveSubscribers     prometheus.Gauge
	DroppedSubscribers  prometheus.Gauge
	MalformedEvents     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		RegisteredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_registered_peers",
			Help: "Number of registered peers, offline included",
		}),
		ConnectionAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_connection_attempts",
			Help: "Total connection attempts reported",
		}),
		ConnectionSuccesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_connection_successes",
			Help: "Total successful connections reported",
		}),
		LiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_live_subscribers",
			Help: "Number of attached live event subscribers",
		}),
		DroppedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_dropped_subscribers",
			Help: "Subscribers disconnected for lagging",
		}),
		MalformedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshpoint_malformed_events",
			Help: "Inconsistent inputs dropped by the store",
		}),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.RegisteredPeers,
		m.ConnectionAttempts,
		m.ConnectionSuccesses,
		m.LiveSubscribers,
		m.DroppedSubscribers,
		m.MalformedEvents,
	)

	return m
}

// Close unregisters all metrics
func (m *Metrics) Close() {
	prometheus.Unregister(m.RegisteredPeers)
	prometheus.Unregister(m.ConnectionAttempts)
	prometheus.Unregister(m.ConnectionSuccesses)
	prometheus.Unregister(m.LiveSubscribers)
	prometheus.Unregister(m.DroppedSubscribers)
	prometheus.Unregister(m.MalformedEvents)
}
