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
			Name: "closetcast_http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closetcast_http_request_duration_seconds",
			Help:    "Ops HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_job_runs_total",
			Help: "Job invocations by job name and result",
		},
		[]string{"job", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closetcast_job_duration_seconds",
			Help:    "Job execution time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	schedulesTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "closetcast_schedules_triggered_total",
			Help: "Schedules marked triggered by the scanner",
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_jobs_enqueued_total",
			Help: "Queue submissions by job name and result (enqueued, duplicate, failed)",
		},
		[]string{"job", "result"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_notifications_total",
			Help: "Channel delivery outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	channelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closetcast_channel_send_seconds",
			Help:    "Time spent in a single channel send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	retryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_retry_outcomes_total",
			Help: "Retry manager per-record outcomes",
		},
		[]string{"outcome"},
	)

	lockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_lock_contention_total",
			Help: "Lock acquisitions skipped because another worker held the lock",
		},
		[]string{"lock"},
	)

	washReminders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_wash_reminders_total",
			Help: "Wash reminder outcomes per user",
		},
		[]string{"result"},
	)

	learningUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_learning_profile_updates_total",
			Help: "Learning profile update outcomes per user",
		},
		[]string{"result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "closetcast_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetcast_rate_limit_rejections_total",
			Help: "Requests or deliveries rejected by a rate limiter",
		},
		[]string{"limiter"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "closetcast_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "closetcast_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "closetcast_redis_connections_active",
			Help: "Open Redis connections",
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

// RecordJobRun records one job invocation. result is "ok", "error" or "skipped".
func RecordJobRun(job, result string, duration time.Duration) {
	jobRuns.WithLabelValues(job, result).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordSchedulesTriggered adds n freshly marked schedules.
func RecordSchedulesTriggered(n int) {
	schedulesTriggered.Add(float64(n))
}

// RecordEnqueue records a queue submission result.
func RecordEnqueue(job, result string) {
	jobsEnqueued.WithLabelValues(job, result).Inc()
}

// RecordDelivery records one channel outcome.
func RecordDelivery(channel, status string, duration time.Duration) {
	notificationsDelivered.WithLabelValues(channel, status).Inc()
	if duration > 0 {
		channelSendDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// RecordRetryOutcome records what the retry manager did with one record.
func RecordRetryOutcome(outcome string) {
	retryOutcomes.WithLabelValues(outcome).Inc()
}

// RecordLockContention records a skipped acquisition for a lock family.
func RecordLockContention(lock string) {
	lockContention.WithLabelValues(lock).Inc()
}

// RecordWashReminder records a per-user wash reminder result.
func RecordWashReminder(result string) {
	washReminders.WithLabelValues(result).Inc()
}

// RecordLearningUpdate records a per-user learning profile update result.
func RecordLearningUpdate(result string) {
	learningUpdates.WithLabelValues(result).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// SetCircuitState publishes a breaker state for a provider.
func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern to keep cardinality bounded.
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
