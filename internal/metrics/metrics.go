// Package metrics provides Prometheus metrics for the API
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
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "authgate",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authgate",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnections tracks database connections by pool and state
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "authgate",
			Subsystem: "db",
			Name:      "connections",
			Help:      "Number of database connections by pool and state (open, in_use, idle, max_open)",
		},
		[]string{"pool", "state"},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authgate",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// LoginAttemptsTotal counts login attempts by outcome
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AccountLockoutsTotal counts lockouts started by repeated failures
	AccountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "account_lockouts_total",
			Help:      "Total number of account lockouts",
		},
	)

	// TokenVerificationsTotal counts access token verifications by result
	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "token_verifications_total",
			Help:      "Total number of access token verifications by result",
		},
		[]string{"result"},
	)

	// TwoFactorChallengesTotal counts 2FA challenges by method and result
	TwoFactorChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "two_factor_challenges_total",
			Help:      "Total number of two-factor challenges by result",
		},
		[]string{"result"},
	)

	// SessionsCreatedTotal counts sessions created by successful logins
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		},
	)

	// SecurityEventsTotal counts published security events by type
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "auth",
			Name:      "security_events_total",
			Help:      "Total number of security events by type",
		},
		[]string{"event_type"},
	)
)

var (
	// RateLimitRejectionsTotal counts throttled requests by policy
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"policy"},
	)

	// RateLimitBackendErrorsTotal counts limiter failures that let requests through
	RateLimitBackendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "ratelimit",
			Name:      "backend_errors_total",
			Help:      "Total number of rate limiter backend errors (failed open)",
		},
	)
)

var (
	// GeoLookupDuration measures outbound geolocation lookups
	GeoLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authgate",
			Subsystem: "geo",
			Name:      "lookup_duration_seconds",
			Help:      "Geolocation lookup duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind", "result"},
	)
)

var (
	// NotificationsTotal counts notification dispatch outcomes
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Total number of notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	// ArchivedHistoryTotal counts login-history entries written to the archive
	ArchivedHistoryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "archive",
			Name:      "history_entries_total",
			Help:      "Total number of evicted login-history entries archived",
		},
		[]string{"result"},
	)

	// EventStreamConnections tracks open security-event streams
	EventStreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "authgate",
			Subsystem: "events",
			Name:      "stream_connections",
			Help:      "Number of open security event streams",
		},
	)

	// EventStreamDroppedTotal counts events dropped for slow stream consumers
	EventStreamDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "events",
			Name:      "stream_dropped_total",
			Help:      "Total number of events dropped because a stream queue was full",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count, latency and response size per route
// pattern. Requests no route matched share the "unmatched" label so ids in
// paths cannot blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		route := routeLabel(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.size))
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
