// Package metrics provides Prometheus instrumentation for the session engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionTransitions counts committed session status changes by new status.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_session_transitions_total",
		Help: "Session status transitions committed, by new status",
	}, []string{"status"})

	// RunningSessions tracks session run loops owned by this process.
	RunningSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monkify_running_sessions",
		Help: "Number of session run loops in this process",
	})

	// TrackedSessions tracks sessions held by the bet intake tracker.
	TrackedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monkify_tracked_sessions",
		Help: "Number of sessions registered in the bet intake tracker",
	})

	// BetsPlaced counts accepted bets.
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monkify_bets_placed_total",
		Help: "Total number of accepted bets",
	})

	// BetsRejected counts rejected bet submissions by reason.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_bets_rejected_total",
		Help: "Bet submissions rejected, by reason",
	}, []string{"reason"})

	// CharactersEmitted counts characters drawn by session generators.
	CharactersEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monkify_characters_emitted_total",
		Help: "Characters drawn by outcome generators",
	})

	// SettlementTransfers counts settlement transfers by kind and result.
	SettlementTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_settlement_transfers_total",
		Help: "Settlement transfers attempted, by kind (reward|refund) and result",
	}, []string{"kind", "result"})

	// WorkerIterations counts periodic worker iterations by worker and result.
	WorkerIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_worker_iterations_total",
		Help: "Periodic worker iterations, by worker and result",
	}, []string{"worker", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monkify_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PublishDropped counts events dropped because a sink buffer was full.
	PublishDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_publish_dropped_total",
		Help: "Broadcast events dropped on a full buffer, by sink",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkify_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monkify_http_request_duration_seconds",
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

// Hijack lets the WebSocket upgrader take over the connection through the
// metrics middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
