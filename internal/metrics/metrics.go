package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the agent gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization decisions.
	DecisionsTotal      *prometheus.CounterVec
	CircuitTripsTotal   *prometheus.CounterVec
	UserTokenRejections *prometheus.CounterVec

	// Function execution.
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionErrorsTotal *prometheus.CounterVec
	ActiveExecutions     prometheus.Gauge

	// Lifecycle and linking.
	ProvisioningTotal    *prometheus.CounterVec
	LinkResolutionsTotal *prometheus.CounterVec

	// Per-IP limiter in front of the gateway routes.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Audit collector.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorEntriesTotal  prometheus.Counter
	CollectorDroppedTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_authorization_decisions_total",
			Help: "Authorization decisions by outcome code and credential kind.",
		}, []string{"outcome", "credential_kind"}),

		CircuitTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_circuit_rejections_total",
			Help: "Calls rejected by the hourly circuit breaker, by counter level.",
		}, []string{"level"}),

		UserTokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_user_token_rejections_total",
			Help: "Bearer user tokens that failed validation, by reason.",
		}, []string{"reason"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_executions_total",
			Help: "Function executions after successful authorization.",
		}, []string{"function_key", "type", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbridge_execution_duration_seconds",
			Help:    "Function execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"function_key", "type"}),

		ExecutionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_execution_errors_total",
			Help: "Function execution errors by error type.",
		}, []string{"error_type", "function_key"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_active_executions",
			Help: "Number of function executions in flight.",
		}),

		ProvisioningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_provisioning_operations_total",
			Help: "Provision and refresh operations by outcome.",
		}, []string{"operation", "outcome"}),

		LinkResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_link_resolutions_total",
			Help: "Identity link resolutions by outcome.",
		}, []string{"outcome"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"limiter_type", "scope"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_collector_buffer_size",
			Help: "Current number of buffered access log entries.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_collector_flushes_total",
			Help: "Total number of access log flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentbridge_collector_flush_duration_seconds",
			Help:    "Duration of access log flushes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_collector_entries_total",
			Help: "Total number of access log entries recorded.",
		}),

		CollectorDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_collector_dropped_entries_total",
			Help: "Access log entries discarded after failed flushes overflowed the retry buffer.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.CircuitTripsTotal,
		m.UserTokenRejections,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrorsTotal,
		m.ActiveExecutions,
		m.ProvisioningTotal,
		m.LinkResolutionsTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorEntriesTotal,
		m.CollectorDroppedTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// IncDecision counts an authorization decision. outcome is "allowed" or the
// rejection code.
func (m *Metrics) IncDecision(outcome, credentialKind string) {
	m.DecisionsTotal.WithLabelValues(outcome, credentialKind).Inc()
}

// IncCircuitTrip counts a circuit rejection at the agent, rule or function level.
func (m *Metrics) IncCircuitTrip(level string) {
	m.CircuitTripsTotal.WithLabelValues(level).Inc()
}

func (m *Metrics) IncUserTokenRejection(reason string) {
	m.UserTokenRejections.WithLabelValues(reason).Inc()
}

// ObserveExecution records a finished function execution.
func (m *Metrics) ObserveExecution(functionKey, fnType, status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(functionKey, fnType, status).Inc()
	m.ExecutionDuration.WithLabelValues(functionKey, fnType).Observe(seconds)
}

// IncExecutionError increments the execution error counter with error type classification.
func (m *Metrics) IncExecutionError(errorType, functionKey string) {
	m.ExecutionErrorsTotal.WithLabelValues(errorType, functionKey).Inc()
}

func (m *Metrics) IncActiveExecutions() { m.ActiveExecutions.Inc() }

func (m *Metrics) DecActiveExecutions() { m.ActiveExecutions.Dec() }

func (m *Metrics) IncProvisioning(operation, outcome string) {
	m.ProvisioningTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) IncLinkResolution(outcome string) {
	m.LinkResolutionsTotal.WithLabelValues(outcome).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(limiterType, scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(limiterType, scope).Inc()
}

// SetCollectorBuffer reports the current audit buffer length.
func (m *Metrics) SetCollectorBuffer(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// ObserveFlush records one audit flush.
func (m *Metrics) ObserveFlush(entries int, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(seconds)
	if err == nil {
		m.CollectorEntriesTotal.Add(float64(entries))
	}
}

// AddCollectorDropped counts access log entries the collector gave up on.
func (m *Metrics) AddCollectorDropped(n int) {
	m.CollectorDroppedTotal.Add(float64(n))
}
