// Package metrics exposes Prometheus collectors for the edge service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchTotal              *prometheus.CounterVec
	synthFallbackTotal         *prometheus.CounterVec
	synthDurationSeconds       prometheus.Histogram
	reconcileAttemptsTotal     *prometheus.CounterVec
	reconcileSessionsTotal     *prometheus.CounterVec
	membershipCacheTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_dispatch_total",
				Help: "Requests routed by the dispatcher, labeled by outcome and crawler signature.",
			},
			[]string{"outcome", "crawler"},
		)

		synthFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_synth_fallback_total",
				Help: "Crawler requests that fell back to pass-through, labeled by reason.",
			},
			[]string{"reason"},
		)

		synthDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edge_synth_duration_seconds",
				Help:    "Histogram of OG document synthesis latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		reconcileAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_reconcile_attempts_total",
				Help: "Membership verification calls, labeled by result.",
			},
			[]string{"result"},
		)

		reconcileSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_reconcile_sessions_total",
				Help: "Welcome sessions reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		membershipCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_membership_cache_total",
				Help: "Membership cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CrawlerLabel bounds the crawler label to the configured signature set.
func CrawlerLabel(signature string) string {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return "none"
	}
	return signature
}

// ObserveDispatch counts one dispatcher decision.
func ObserveDispatch(outcome, crawler string) {
	Init()
	dispatchTotal.WithLabelValues(outcome, CrawlerLabel(crawler)).Inc()
}

// ObserveSynthFallback counts a crawler request that was passed through.
func ObserveSynthFallback(reason string) {
	Init()
	synthFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveSynthDuration records how long synthesis took, successful or not.
func ObserveSynthDuration(duration time.Duration) {
	Init()
	synthDurationSeconds.Observe(duration.Seconds())
}

// ObserveReconcileAttempt counts one verifier call.
func ObserveReconcileAttempt(result string) {
	Init()
	reconcileAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveReconcileSession counts a session that reached a terminal status.
func ObserveReconcileSession(status string) {
	Init()
	reconcileSessionsTotal.WithLabelValues(status).Inc()
}

// ObserveMembershipCache counts a cache hit, miss or error.
func ObserveMembershipCache(result string) {
	Init()
	membershipCacheTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer when it supports streaming.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
