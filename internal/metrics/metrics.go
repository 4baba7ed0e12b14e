// Package metrics provides Prometheus instrumentation for the loop engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts ingestion events applied, partitioned by kind
	// and outcome.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopengine_mutations_total",
		Help: "Total mutation events processed",
	}, []string{"kind", "outcome"})

	// LoopsDiscovered counts trade loops inserted into a registry.
	LoopsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopengine_loops_discovered_total",
		Help: "Trade loops discovered and activated",
	}, []string{"tenant"})

	// LoopsInvalidated counts loops removed, partitioned by reason.
	LoopsInvalidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopengine_loops_invalidated_total",
		Help: "Trade loops invalidated",
	}, []string{"tenant", "reason"})

	// ActiveLoops tracks the current registry size per tenant.
	ActiveLoops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loopengine_active_loops",
		Help: "Currently active trade loops",
	}, []string{"tenant"})

	// DiscoveryLatency tracks discovery-pass duration per trigger.
	DiscoveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopengine_discovery_seconds",
		Help:    "Discovery pass duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"trigger"})

	// SearchTimeouts counts cycle searches that returned partial results.
	SearchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopengine_search_timeouts_total",
		Help: "Cycle searches cut short by the deadline",
	})

	// SnapshotFailures counts failed snapshot saves/restores.
	SnapshotFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopengine_snapshot_failures_total",
		Help: "Graph snapshot operations that failed",
	}, []string{"op"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopengine_http_request_duration_seconds",
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
