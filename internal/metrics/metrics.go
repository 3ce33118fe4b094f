// Package metrics provides Prometheus instrumentation for the sync client:
// realtime traffic, reconciliation drops, connection health and directory
// lookups.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts inbound realtime frames by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_events_total",
		Help: "Inbound realtime events by type",
	}, []string{"type"})

	// EmitsTotal counts outbound frames by event type and result
	// ("sent", "deferred", "failed").
	EmitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_emits_total",
		Help: "Outbound realtime events by type and result",
	}, []string{"type", "result"})

	// ReconcileTotal counts reconciliation outcomes by operation and outcome.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_reconcile_total",
		Help: "Timeline reconciliation outcomes",
	}, []string{"op", "outcome"})

	// ConnectionState is 0 disconnected, 1 connecting, 2 connected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_connection_state",
		Help: "Realtime session state (0 disconnected, 1 connecting, 2 connected)",
	})

	// ConnectAttempts counts dial attempts by result ("ok", "error").
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_connect_attempts_total",
		Help: "Realtime dial attempts by result",
	}, []string{"result"})

	// Disconnects counts connection losses by reason.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_disconnects_total",
		Help: "Realtime disconnects by reason",
	}, []string{"reason"})

	// DirectoryLookups counts user-directory lookups by result ("ok", "error").
	DirectoryLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_directory_lookups_total",
		Help: "User directory lookups by result",
	}, []string{"result"})

	// DirectoryLatency records user-directory lookup latency in seconds.
	DirectoryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "palaver_directory_latency_seconds",
		Help:    "User directory lookup latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// OnlineUsers tracks the size of the presence set of the tracked workspace.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_online_users",
		Help: "Online users in the tracked workspace",
	})

	// OutboxDepth tracks frames waiting for a connection.
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_outbox_depth",
		Help: "Outbound frames queued while disconnected",
	})
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		EmitsTotal,
		ReconcileTotal,
		ConnectionState,
		ConnectAttempts,
		Disconnects,
		DirectoryLookups,
		DirectoryLatency,
		OnlineUsers,
		OutboxDepth,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
