// Package metrics provides Prometheus instrumentation for the bid engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerAppends counts committed ledger entries, partitioned by type.
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_ledger_appends_total",
		Help: "Total number of ledger entries appended",
	}, []string{"type"})

	// LedgerConflicts counts optimistic-concurrency conflicts on append.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidengine_ledger_conflicts_total",
		Help: "Ledger appends that hit a version conflict and were retried",
	})

	// LedgerAppendLatency tracks append latency including retries.
	LedgerAppendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidengine_ledger_append_latency_seconds",
		Help:    "Ledger append latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// Recomputes counts cache recomputes by owner kind and result.
	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_recomputes_total",
		Help: "Cached aggregate recomputes",
	}, []string{"owner", "result"})

	// Rewards counts reward computations by outcome (written, unchanged, reversed,
	// conflict, deferred).
	Rewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_rewards_total",
		Help: "Reward computations by outcome",
	}, []string{"outcome"})

	// VerifyEntries reports the result counts of the last verification run.
	VerifyEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bidengine_verify_entries",
		Help: "Ledger entries by verification result in the last run",
	}, []string{"result"})

	// VerifyLastRun is the unix time of the last completed verification.
	VerifyLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidengine_verify_last_run_timestamp_seconds",
		Help: "Unix time of the last completed verification run",
	})

	// EventsConsumed counts bid lifecycle events by type and result.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_events_consumed_total",
		Help: "Bid lifecycle events consumed from Kafka",
	}, []string{"type", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
