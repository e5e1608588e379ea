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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wspush_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wspush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wspush_deliveries_total",
			Help: "Queue rows reaching a terminal status, by category",
		},
		[]string{"category", "status"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wspush_sweep_duration_seconds",
			Help:    "Duration of one queue sweep per category",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"category"},
	)

	environmentFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wspush_apns_environment_fallbacks_total",
			Help: "Sends that only succeeded in the alternate APNs environment",
		},
		[]string{"environment"},
	)

	scheduleFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wspush_schedule_fetches_total",
			Help: "External prayer schedule API calls by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wspush_rate_limit_rejections_total",
			Help: "Trigger requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDelivery records a queue row reaching a terminal status.
func RecordDelivery(category, status string) {
	deliveriesTotal.WithLabelValues(category, status).Inc()
}

// ObserveSweep records the duration of one queue sweep.
func ObserveSweep(category string, d time.Duration) {
	sweepDuration.WithLabelValues(category).Observe(d.Seconds())
}

// RecordEnvironmentFallback records a cross-environment delivery recovery.
func RecordEnvironmentFallback(environment string) {
	environmentFallbacks.WithLabelValues(environment).Inc()
}

// RecordScheduleFetch records an external schedule API call outcome.
func RecordScheduleFetch(outcome string) {
	scheduleFetches.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
