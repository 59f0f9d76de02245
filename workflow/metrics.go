package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for engine execution,
// adapted from the teacher's PrometheusMetrics. Labels are renamed from
// run_id/node_id to instance_id/step_id and three gauges/counters are added
// for the async task manager and circuit breaker, which the teacher engine
// had no equivalent of.
//
// All metrics are namespaced "workflowengine_".
type Metrics struct {
	inflightSteps prometheus.Gauge
	queueDepth    prometheus.Gauge
	activeAsync   prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retriesTotal       *prometheus.CounterVec
	retryExhausted     *prometheus.CounterVec
	backpressureTotal  *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	progressReports    *prometheus.CounterVec
	suspendTotal       *prometheus.CounterVec
	resumeTotal        *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers every engine metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflowengine",
		Name:      "inflight_steps",
		Help:      "Current number of steps executing concurrently across all instances",
	})
	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflowengine",
		Name:      "queue_depth",
		Help:      "Number of async tasks waiting in the frontier for a worker",
	})
	m.activeAsync = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflowengine",
		Name:      "active_async_tasks",
		Help:      "Number of async tasks currently running",
	})
	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflowengine",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"instance_id", "step_id", "status"})
	m.retriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "retries_total",
		Help:      "Cumulative retry attempts across all steps",
	}, []string{"instance_id", "step_id"})
	m.retryExhausted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "retry_exhausted_total",
		Help:      "Retry budgets exhausted, promoting a step failure to an instance failure",
	}, []string{"instance_id", "step_id"})
	m.backpressureTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "backpressure_events_total",
		Help:      "Async submissions that blocked because the frontier was at capacity",
	}, []string{"reason"})
	m.breakerTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"step_id", "to_state"})
	m.progressReports = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "progress_reports_total",
		Help:      "Progress reports received from async handlers",
	}, []string{"task_id"})
	m.suspendTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "suspend_total",
		Help:      "Instances transitioned to SUSPENDED",
	}, []string{"step_id"})
	m.resumeTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowengine",
		Name:      "resume_total",
		Help:      "Resume calls accepted against a suspended instance",
	}, []string{"step_id"})

	return m
}

func (m *Metrics) RecordStepLatency(instanceID, stepID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(instanceID, stepID, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(instanceID, stepID string) {
	if !m.isEnabled() {
		return
	}
	m.retriesTotal.WithLabelValues(instanceID, stepID).Inc()
}

func (m *Metrics) IncrementRetryExhausted(instanceID, stepID string) {
	if !m.isEnabled() {
		return
	}
	m.retryExhausted.WithLabelValues(instanceID, stepID).Inc()
}

func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) UpdateInflightSteps(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightSteps.Set(float64(count))
}

func (m *Metrics) UpdateActiveAsync(count int) {
	if !m.isEnabled() {
		return
	}
	m.activeAsync.Set(float64(count))
}

func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.isEnabled() {
		return
	}
	m.backpressureTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBreakerTransition(stepID, toState string) {
	if !m.isEnabled() {
		return
	}
	m.breakerTransitions.WithLabelValues(stepID, toState).Inc()
}

func (m *Metrics) IncrementProgressReports(taskID string) {
	if !m.isEnabled() {
		return
	}
	m.progressReports.WithLabelValues(taskID).Inc()
}

func (m *Metrics) IncrementSuspend(stepID string) {
	if !m.isEnabled() {
		return
	}
	m.suspendTotal.WithLabelValues(stepID).Inc()
}

func (m *Metrics) IncrementResume(stepID string) {
	if !m.isEnabled() {
		return
	}
	m.resumeTotal.WithLabelValues(stepID).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable temporarily stops metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
