// Package metrics provides Prometheus instrumentation for the venue engine.
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
	// OrdersSubmitted counts submitted order commitments, partitioned by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_orders_submitted_total",
		Help: "Total order commitments submitted",
	}, []string{"side"})

	// OrdersCancelled counts successful order cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// MatchesRecorded counts matches recorded by the admin matcher.
	MatchesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_matches_recorded_total",
		Help: "Total matches recorded",
	})

	// MatchesSettled counts matches marked settled.
	MatchesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_matches_settled_total",
		Help: "Total matches settled",
	})

	// NullifierReplays counts settlement attempts rejected because the
	// nullifier was already consumed.
	NullifierReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_nullifier_replays_total",
		Help: "Settlement attempts rejected for a consumed nullifier",
	})

	// EscrowRejections counts ledger mutations rejected by a balance
	// invariant, partitioned by reason (over_lock, insufficient_locked,
	// negative_amount).
	EscrowRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_escrow_rejections_total",
		Help: "Escrow ledger mutations rejected by a balance invariant",
	}, []string{"reason"})

	// AuthFailures counts mutating calls rejected by the authentication guard.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_auth_failures_total",
		Help: "Calls rejected by the authentication guard",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_http_request_duration_seconds",
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

		// Use the raw path for the label; commitments and match ids keep
		// cardinality bounded by venue size.
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
