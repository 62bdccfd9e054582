// Package observability provides metrics, logging, and tracing adapters.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics declared per spec §6, pre-registered with help+type.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_agent_runs_total",
			Help: "Total number of agent runs by terminal status and backend",
		},
		[]string{"status", "backend"},
	)
	TaskCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_completed_total",
			Help: "Total number of tasks that reached a completed done marker",
		},
	)
	TaskNudgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_nudges_total",
			Help: "Total number of nudge messages sent to stalled sessions",
		},
	)
	TaskRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_restarts_total",
			Help: "Total number of agent session restarts after nudge exhaustion",
		},
	)
	TaskWaitTimeoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_wait_timeout_total",
			Help: "Total number of done-marker waits that exceeded the configured timeout",
		},
	)
	TaskNudgeExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_nudge_exceeded_total",
			Help: "Total number of items that exhausted nudge/restart attempts",
		},
	)
	TaskValidationFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_validation_failed_total",
			Help: "Total number of malformed or empty done markers",
		},
	)

	ActiveAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ace_active_agents",
			Help: "Number of currently running agent slots",
		},
	)

	// Spec §6 names these "Summaries"; SummaryVec is used here deliberately
	// instead of the teacher's own HistogramVec choice elsewhere, since the
	// spec is explicit about the metric type (see DESIGN.md).
	AgentDurationSeconds = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "ace_agent_duration_seconds",
			Help:       "Duration of an agent run in seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"backend"},
	)
	TaskDurationSeconds = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name:       "ace_task_duration_seconds",
			Help:       "Duration of the done-marker wait loop in seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_webhook_events_total",
			Help: "Total number of GitHub webhook deliveries published to the ingestion queue, by event type",
		},
		[]string{"event_type"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AgentRunsTotal,
		TaskCompletedTotal,
		TaskNudgesTotal,
		TaskRestartsTotal,
		TaskWaitTimeoutTotal,
		TaskNudgeExceededTotal,
		TaskValidationFailedTotal,
		ActiveAgents,
		AgentDurationSeconds,
		TaskDurationSeconds,
		WebhookEventsTotal,
	)
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

// RecordAgentRun records one terminal agent-run outcome.
func RecordAgentRun(status, backend string, duration time.Duration) {
	AgentRunsTotal.WithLabelValues(status, backend).Inc()
	AgentDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordTaskCompleted increments the task-completed counter.
func RecordTaskCompleted(waitDuration time.Duration) {
	TaskCompletedTotal.Inc()
	TaskDurationSeconds.Observe(waitDuration.Seconds())
}

// RecordNudge increments the nudge counter.
func RecordNudge() { TaskNudgesTotal.Inc() }

// RecordRestart increments the restart counter.
func RecordRestart() { TaskRestartsTotal.Inc() }

// RecordWaitTimeout increments the wait-timeout counter.
func RecordWaitTimeout() { TaskWaitTimeoutTotal.Inc() }

// RecordNudgeExceeded increments the nudge-exceeded counter.
func RecordNudgeExceeded() { TaskNudgeExceededTotal.Inc() }

// RecordValidationFailed increments the validation-failed counter.
func RecordValidationFailed() { TaskValidationFailedTotal.Inc() }

// SetActiveAgents sets the active-agents gauge.
func SetActiveAgents(n int) { ActiveAgents.Set(float64(n)) }

// RecordWebhookEvent increments the webhook-events counter for the given
// GitHub event type.
func RecordWebhookEvent(eventType string) { WebhookEventsTotal.WithLabelValues(eventType).Inc() }
