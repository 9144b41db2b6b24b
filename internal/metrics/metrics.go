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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricetrack_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_checks_total",
			Help: "Product checks by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricetrack_fetch_duration_seconds",
			Help:    "Page fetch latency including retries",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"platform"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_rate_limited_total",
			Help: "Rate-limit responses received from platforms",
		},
		[]string{"platform"},
	)

	platformDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricetrack_platform_delay_seconds",
			Help: "Current adaptive inter-request delay per platform",
		},
		[]string{"platform"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricetrack_run_duration_seconds",
			Help:    "Duration of scheduling run cycles",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	runProducts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_run_products_total",
			Help: "Products processed by run cycles, by result",
		},
		[]string{"result"},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_alerts_created_total",
			Help: "Alerts created by kind",
		},
		[]string{"kind"},
	)

	alertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_alerts_dispatched_total",
			Help: "Alert dispatch attempts by resulting state",
		},
		[]string{"state"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_channel_sends_total",
			Help: "Per-channel send results",
		},
		[]string{"channel", "status"},
	)

	alertLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricetrack_alert_latency_seconds",
			Help:    "Time from alert creation to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
	)

	quotaBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_quota_blocked_total",
			Help: "Units of work rejected by plan limits",
		},
		[]string{"kind"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricetrack_circuit_state",
			Help: "Circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_api_rate_limit_rejections_total",
			Help: "API requests rejected by the per-user rate limiter",
		},
		[]string{"path"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricetrack_sqs_messages_in_flight",
			Help: "Run requests currently being processed from SQS",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricetrack_db_connections_active",
			Help: "Acquired database connections",
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

// RecordCheck records the outcome of one product check.
func RecordCheck(platform, outcome string) {
	checksTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordFetch records how long a fetch took, retries included.
func RecordFetch(platform string, d time.Duration) {
	fetchDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// RecordRateLimited counts a rate-limit signal from a platform.
func RecordRateLimited(platform string) {
	rateLimitedTotal.WithLabelValues(platform).Inc()
}

// SetPlatformDelay publishes a platform's adaptive delay.
func SetPlatformDelay(platform string, d time.Duration) {
	platformDelay.WithLabelValues(platform).Set(d.Seconds())
}

// RecordRun records a finished run cycle.
func RecordRun(d time.Duration, succeeded, failed, quotaBlocked, skipped int) {
	runDuration.Observe(d.Seconds())
	runProducts.WithLabelValues("succeeded").Add(float64(succeeded))
	runProducts.WithLabelValues("failed").Add(float64(failed))
	runProducts.WithLabelValues("quota_blocked").Add(float64(quotaBlocked))
	runProducts.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordAlertCreated counts a new alert.
func RecordAlertCreated(kind string) {
	alertsCreated.WithLabelValues(kind).Inc()
}

// RecordAlertDispatched counts a dispatch attempt by the state it left the
// alert in.
func RecordAlertDispatched(state string) {
	alertsDispatched.WithLabelValues(state).Inc()
}

// RecordChannelSend counts one channel send.
func RecordChannelSend(channel string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	channelSends.WithLabelValues(channel, status).Inc()
}

// RecordAlertLatency records creation-to-delivery time.
func RecordAlertLatency(d time.Duration) {
	alertLatency.Observe(d.Seconds())
}

// RecordQuotaBlocked counts a unit of work rejected by a plan limit.
func RecordQuotaBlocked(kind string) {
	quotaBlocked.WithLabelValues(kind).Inc()
}

// SetCircuitState publishes a breaker state as its numeric value.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimitRejection records an API rate limit rejection
func RecordRateLimitRejection(path string) {
	rateLimitRejections.WithLabelValues(path).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware records request metrics labelled by chi route pattern, so
// path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
