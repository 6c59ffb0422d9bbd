// Package metrics exposes Prometheus instruments for the realtime core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors updated by the hub and transport. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections         prometheus.Gauge
	Rooms               prometheus.Gauge
	Envelopes           *prometheus.CounterVec
	RelayMisses         prometheus.Counter
	PersistenceFailures *prometheus.CounterVec
	DroppedPeers        prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_ws_active_connections",
			Help: "Active websocket connections",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_rooms",
			Help: "Rooms with at least one member",
		}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_envelopes_total",
			Help: "Inbound envelopes by type and outcome",
		}, []string{"type", "outcome"}),
		RelayMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_relay_target_missing_total",
			Help: "Signaling envelopes addressed to a user with no live connection",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_persistence_failures_total",
			Help: "Failed calls to the message or session store",
		}, []string{"op"}),
		DroppedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_dropped_peers_total",
			Help: "Connections closed because their send buffer was full",
		}),
	}
	m.registry.MustRegister(
		m.Connections,
		m.Rooms,
		m.Envelopes,
		m.RelayMisses,
		m.PersistenceFailures,
		m.DroppedPeers,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnections records the number of live connections.
func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

// SetRooms records the number of occupied rooms.
func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.Rooms.Set(float64(n))
	}
}

// Envelope counts one inbound envelope of kind with the given outcome:
// accepted, rejected, malformed or dropped.
func (m *Metrics) Envelope(kind, outcome string) {
	if m != nil {
		m.Envelopes.WithLabelValues(kind, outcome).Inc()
	}
}

// RelayMiss counts a signaling envelope whose target has no live connection.
func (m *Metrics) RelayMiss() {
	if m != nil {
		m.RelayMisses.Inc()
	}
}

// PersistenceFailure counts a failed store call, labeled by operation.
func (m *Metrics) PersistenceFailure(op string) {
	if m != nil {
		m.PersistenceFailures.WithLabelValues(op).Inc()
	}
}

// DroppedPeer counts a connection closed for falling behind.
func (m *Metrics) DroppedPeer() {
	if m != nil {
		m.DroppedPeers.Inc()
	}
}
