package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	handleDurationBuckets  = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	serviceDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	confidenceBuckets      = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}
)

// Metrics holds all Prometheus metric instruments for the conversation manager.
type Metrics struct {
	// Admin HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Conversation metrics
	MessagesHandledTotal   *prometheus.CounterVec
	MessageHandleDuration  *prometheus.HistogramVec
	StateTransitionsTotal  *prometheus.CounterVec
	RateLimitedTotal       *prometheus.CounterVec
	ActiveSessions         prometheus.Gauge

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowAdvancesTotal    *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowSweepsTotal      *prometheus.CounterVec
	ValidationFailuresTotal  *prometheus.CounterVec
	BackNavigationsTotal     *prometheus.CounterVec
	ChainOverrunsTotal       *prometheus.CounterVec

	// Service invocation metrics
	ServiceCallsTotal          *prometheus.CounterVec
	ServiceCallDuration        *prometheus.HistogramVec
	ServiceCircuitBreakerState *prometheus.GaugeVec
	ServiceRetriesTotal        *prometheus.CounterVec

	// Intent metrics
	IntentDetectionsTotal *prometheus.CounterVec
	IntentConfidence      prometheus.Histogram

	// Rendering metrics
	MissingTranslationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Admin HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "armelle_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Conversation
		MessagesHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_messages_handled_total",
			Help: "Total number of inbound messages handled.",
		}, []string{"channel", "route"}),
		MessageHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "armelle_message_handle_duration_seconds",
			Help:    "Inbound message handling duration in seconds.",
			Buckets: handleDurationBuckets,
		}, []string{"channel"}),
		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_state_transitions_total",
			Help: "Total number of conversation state transitions.",
		}, []string{"from", "to"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_rate_limited_total",
			Help: "Total number of messages dropped by the flood guard.",
		}, []string{"channel"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "armelle_active_sessions",
			Help: "Number of sessions with an in-flight message.",
		}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"workflow_id", "trigger"}),
		WorkflowAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_workflow_advances_total",
			Help: "Total number of workflow step advances.",
		}, []string{"workflow_id", "step_id", "event"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_workflow_completions_total",
			Help: "Total number of workflow completions.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "armelle_workflow_active_instances",
			Help: "Number of active workflow executions.",
		}, []string{"workflow_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "armelle_workflow_step_duration_seconds",
			Help:    "Workflow step processing duration in seconds.",
			Buckets: serviceDurationBuckets,
		}, []string{"workflow_id", "step_id"}),
		WorkflowSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_workflow_sweeps_total",
			Help: "Total number of stale workflows expired by the dwell sweeper.",
		}, []string{"workflow_id"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_validation_failures_total",
			Help: "Total number of step input validation failures.",
		}, []string{"workflow_id", "step_id"}),
		BackNavigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_back_navigations_total",
			Help: "Total number of backward navigations.",
		}, []string{"workflow_id", "status"}),
		ChainOverrunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_chain_overruns_total",
			Help: "Total number of non-interactive step chains that hit the hop limit.",
		}, []string{"workflow_id"}),

		// Services
		ServiceCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_service_calls_total",
			Help: "Total number of business service calls.",
		}, []string{"service", "method", "status"}),
		ServiceCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "armelle_service_call_duration_seconds",
			Help:    "Business service call duration in seconds.",
			Buckets: serviceDurationBuckets,
		}, []string{"service"}),
		ServiceCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "armelle_service_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		ServiceRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_service_retries_total",
			Help: "Total number of service call retries.",
		}, []string{"service"}),

		// Intent
		IntentDetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_intent_detections_total",
			Help: "Total number of intent detection attempts.",
		}, []string{"outcome"}),
		IntentConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "armelle_intent_confidence",
			Help:    "Confidence scores reported by intent detection.",
			Buckets: confidenceBuckets,
		}),

		// Rendering
		MissingTranslationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "armelle_missing_translations_total",
			Help: "Total number of message keys missing from the catalog.",
		}, []string{"language"}),
	}

	reg.MustRegister(
		// Admin HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Conversation
		m.MessagesHandledTotal,
		m.MessageHandleDuration,
		m.StateTransitionsTotal,
		m.RateLimitedTotal,
		m.ActiveSessions,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowAdvancesTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowStepDuration,
		m.WorkflowSweepsTotal,
		m.ValidationFailuresTotal,
		m.BackNavigationsTotal,
		m.ChainOverrunsTotal,
		// Services
		m.ServiceCallsTotal,
		m.ServiceCallDuration,
		m.ServiceCircuitBreakerState,
		m.ServiceRetriesTotal,
		// Intent
		m.IntentDetectionsTotal,
		m.IntentConfidence,
		// Rendering
		m.MissingTranslationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordMessageHandled records an inbound message and the route that consumed it.
func (m *Metrics) RecordMessageHandled(channel, route string, duration time.Duration) {
	m.MessagesHandledTotal.WithLabelValues(channel, route).Inc()
	m.MessageHandleDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordStateTransition records a conversation state transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRateLimited records a message dropped by the flood guard.
func (m *Metrics) RecordRateLimited(channel string) {
	m.RateLimitedTotal.WithLabelValues(channel).Inc()
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowID, trigger string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowID, trigger).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowAdvance records a workflow step advance.
func (m *Metrics) RecordWorkflowAdvance(workflowID, stepID, event string) {
	m.WorkflowAdvancesTotal.WithLabelValues(workflowID, stepID, event).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordWorkflowStepDuration records the duration of a workflow step.
func (m *Metrics) RecordWorkflowStepDuration(workflowID, stepID string, duration time.Duration) {
	m.WorkflowStepDuration.WithLabelValues(workflowID, stepID).Observe(duration.Seconds())
}

// RecordWorkflowSweep records a stale workflow expired by the dwell sweeper.
func (m *Metrics) RecordWorkflowSweep(workflowID string) {
	m.WorkflowSweepsTotal.WithLabelValues(workflowID).Inc()
}

// RecordValidationFailure records a step input validation failure.
func (m *Metrics) RecordValidationFailure(workflowID, stepID string) {
	m.ValidationFailuresTotal.WithLabelValues(workflowID, stepID).Inc()
}

// RecordBackNavigation records a backward navigation attempt.
func (m *Metrics) RecordBackNavigation(workflowID, status string) {
	m.BackNavigationsTotal.WithLabelValues(workflowID, status).Inc()
}

// RecordChainOverrun records a non-interactive chain that hit the hop limit.
func (m *Metrics) RecordChainOverrun(workflowID string) {
	m.ChainOverrunsTotal.WithLabelValues(workflowID).Inc()
}

// RecordServiceCall records a business service call.
func (m *Metrics) RecordServiceCall(service, method, status string, duration time.Duration) {
	m.ServiceCallsTotal.WithLabelValues(service, method, status).Inc()
	m.ServiceCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// SetServiceCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetServiceCircuitBreakerState(service string, state float64) {
	m.ServiceCircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordServiceRetry records a service call retry.
func (m *Metrics) RecordServiceRetry(service string) {
	m.ServiceRetriesTotal.WithLabelValues(service).Inc()
}

// RecordIntentDetection records an intent detection attempt and its confidence.
func (m *Metrics) RecordIntentDetection(outcome string, confidence float64) {
	m.IntentDetectionsTotal.WithLabelValues(outcome).Inc()
	if confidence > 0 {
		m.IntentConfidence.Observe(confidence)
	}
}

// RecordMissingTranslation records a message key absent from the catalog.
func (m *Metrics) RecordMissingTranslation(language string) {
	m.MissingTranslationsTotal.WithLabelValues(language).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, pathPattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pathPattern).Observe(duration.Seconds())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
