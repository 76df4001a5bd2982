package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Nia
type Metrics struct {
	// Session metrics
	SessionsLive    prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Join metrics
	JoinsTotal    *prometheus.CounterVec
	LaunchLatency prometheus.Histogram
	QueueDepth    prometheus.Gauge

	// Tool metrics
	ToolInvocations *prometheus.CounterVec

	// Event metrics
	EventsBroadcast *prometheus.CounterVec
	WSClients       prometheus.Gauge

	// Reconciler metrics
	ZombieReaps     prometheus.Counter
	LocksReconciled prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			// Session metrics
			SessionsLive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nia_sessions_live",
					Help: "Number of bot sessions currently running",
				},
			),
			SessionsStarted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_sessions_started_total",
					Help: "Total number of bot sessions started",
				},
				[]string{"mode"}, // warm, cold, direct
			),
			SessionsEnded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_sessions_ended_total",
					Help: "Total number of bot sessions ended",
				},
				[]string{"reason"}, // leave, reap, transition
			),
			SessionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "nia_session_duration_seconds",
					Help:    "Session lifetime in seconds",
					Buckets: prometheus.ExponentialBuckets(30, 2, 12), // 30s to 34hrs
				},
			),

			// Join metrics
			JoinsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_joins_total",
					Help: "Total /join requests by outcome",
				},
				[]string{"outcome"}, // spawned, reused, transitioned, error
			),
			LaunchLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "nia_launch_latency_seconds",
					Help:    "Time from enqueue to session start",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to 51s
				},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nia_launch_queue_depth",
					Help: "Pending entries on the launch queue",
				},
			),

			// Tool metrics
			ToolInvocations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_tool_invocations_total",
					Help: "Tool invocations by dispatch mode and result",
				},
				[]string{"tool", "mode", "result"}, // mode: direct|relayed|deduped
			),

			// Event metrics
			EventsBroadcast: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_events_broadcast_total",
					Help: "Envelopes broadcast to WebSocket clients",
				},
				[]string{"kind"},
			),
			WSClients: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nia_ws_clients",
					Help: "Connected WebSocket event clients",
				},
			),

			// Reconciler metrics
			ZombieReaps: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nia_zombie_reaps_total",
					Help: "Sessions reaped for missing keepalives",
				},
			),
			LocksReconciled: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nia_locks_reconciled_total",
					Help: "Stale room locks cleared by the reconciler",
				},
			),

			// HTTP metrics
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nia_http_requests_total",
					Help: "Total HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "nia_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return sharedMetrics
}
