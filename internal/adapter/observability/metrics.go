// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by environment.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"environment"},
	)
	// JobsProcessing is a gauge of the number of currently running jobs by environment.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently running",
		},
		[]string{"environment"},
	)
	// JobsCompletedTotal counts jobs completed by environment.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"environment"},
	)
	// JobsFailedTotal counts jobs failed by environment.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"environment"},
	)
	// JobsDLQTotal counts jobs moved to the dead-letter queue by environment.
	JobsDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"environment"},
	)
	// QueueDepth is a gauge of pending jobs by priority.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of pending jobs by priority",
		},
		[]string{"priority"},
	)

	// RobotsOnline is a gauge of currently registered, healthy robots by environment.
	RobotsOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robots_online",
			Help: "Number of robots currently online",
		},
		[]string{"environment"},
	)
	// DispatchDuration records how long it takes the dispatcher to select a robot.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Dispatcher robot-selection duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"strategy"},
	)

	// TriggersFiredTotal counts trigger firings by trigger ID and outcome.
	TriggersFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggers_fired_total",
			Help: "Total number of trigger firings",
		},
		[]string{"trigger_id", "outcome"},
	)
	// TriggersErrorTotal counts trigger authentication/validation errors by reason.
	TriggersErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triggers_error_total",
			Help: "Total number of trigger firing errors",
		},
		[]string{"trigger_id", "reason"},
	)

	// WSConnectionsActive is a gauge of active monitoring WebSocket connections.
	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active monitoring WebSocket connections",
		},
	)
	// WSBroadcastDroppedTotal counts slow WebSocket clients dropped during broadcast.
	WSBroadcastDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_broadcast_dropped_total",
			Help: "Total number of WebSocket clients dropped for exceeding the broadcast timeout",
		},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RobotsOnline)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(TriggersFiredTotal)
	prometheus.MustRegister(TriggersErrorTotal)
	prometheus.MustRegister(WSConnectionsActive)
	prometheus.MustRegister(WSBroadcastDroppedTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given environment.
func EnqueueJob(environment string) {
	JobsEnqueuedTotal.WithLabelValues(environment).Inc()
}

// StartProcessingJob increments the processing gauge for the given environment.
func StartProcessingJob(environment string) {
	JobsProcessing.WithLabelValues(environment).Inc()
}

// CompleteJob marks a job complete by decrementing the processing gauge and
// incrementing the completed counter.
func CompleteJob(environment string) {
	JobsProcessing.WithLabelValues(environment).Dec()
	JobsCompletedTotal.WithLabelValues(environment).Inc()
}

// FailJob marks a job failed by decrementing the processing gauge and
// incrementing the failed counter.
func FailJob(environment string) {
	JobsProcessing.WithLabelValues(environment).Dec()
	JobsFailedTotal.WithLabelValues(environment).Inc()
}

// MoveToDLQ records a job moved to the dead-letter queue.
func MoveToDLQ(environment string) {
	JobsDLQTotal.WithLabelValues(environment).Inc()
}

// SetQueueDepth records the pending job count for a priority level.
func SetQueueDepth(priority string, depth float64) {
	QueueDepth.WithLabelValues(priority).Set(depth)
}

// RecordTriggerFire records the outcome of a trigger firing attempt.
func RecordTriggerFire(triggerID, outcome string) {
	TriggersFiredTotal.WithLabelValues(triggerID, outcome).Inc()
}

// RecordTriggerError records a trigger authentication or validation error.
func RecordTriggerError(triggerID, reason string) {
	TriggersErrorTotal.WithLabelValues(triggerID, reason).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
