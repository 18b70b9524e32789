package process

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics, all namespaced "procflow_":
//
//   - active_runs (gauge): runs currently dispatching.
//   - queue_depth (gauge): pending events of the most recently active run.
//   - function_latency_ms (histogram): step function duration.
//     Labels: step_id, function, status (success/error).
//   - function_errors_total (counter): failures. Labels: step_id, function,
//     routed (true/false).
//   - absorbed_events_total (counter): emitted events with no matching edge.
//     Labels: step_id, event.
//   - checkpoints_total (counter): successful state saves. Labels: step_id.
//   - persistence_failures_total (counter): store errors. Labels: op.
//   - runs_total (counter): finished runs. Labels: outcome.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := process.NewPrometheusMetrics(registry)
//	engine, _ := process.New(process.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use and nil-receiver safe.
type PrometheusMetrics struct {
	activeRuns prometheus.Gauge
	queueDepth prometheus.Gauge

	functionLatency *prometheus.HistogramVec

	functionErrors      *prometheus.CounterVec
	absorbedEvents      *prometheus.CounterVec
	checkpoints         *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	runs                *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all engine metrics with
// registry. A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.activeRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "procflow",
		Name:      "active_runs",
		Help:      "Number of process runs currently dispatching events",
	})
	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "procflow",
		Name:      "queue_depth",
		Help:      "Number of pending events waiting for dispatch",
	})
	pm.functionLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procflow",
		Name:      "function_latency_ms",
		Help:      "Step function duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"step_id", "function", "status"})
	pm.functionErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "function_errors_total",
		Help:      "Step function failures, split by whether an error edge routed them",
	}, []string{"step_id", "function", "routed"})
	pm.absorbedEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "absorbed_events_total",
		Help:      "Emitted events that matched no edge",
	}, []string{"step_id", "event"})
	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "checkpoints_total",
		Help:      "Step state checkpoints saved",
	}, []string{"step_id"})
	pm.persistenceFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "persistence_failures_total",
		Help:      "State store failures",
	}, []string{"op"})
	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "runs_total",
		Help:      "Finished process runs by outcome",
	}, []string{"outcome"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordFunctionLatency observes one function invocation.
func (pm *PrometheusMetrics) RecordFunctionLatency(stepID, function string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.functionLatency.WithLabelValues(stepID, function, status).Observe(float64(latency.Milliseconds()))
}

// IncrementFunctionErrors counts a function failure.
func (pm *PrometheusMetrics) IncrementFunctionErrors(stepID, function string, routed bool) {
	if !pm.on() {
		return
	}
	label := "false"
	if routed {
		label = "true"
	}
	pm.functionErrors.WithLabelValues(stepID, function, label).Inc()
}

// IncrementAbsorbed counts an event that matched no edge.
func (pm *PrometheusMetrics) IncrementAbsorbed(stepID, eventID string) {
	if !pm.on() {
		return
	}
	pm.absorbedEvents.WithLabelValues(stepID, eventID).Inc()
}

// IncrementCheckpoints counts a saved checkpoint.
func (pm *PrometheusMetrics) IncrementCheckpoints(stepID string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(stepID).Inc()
}

// IncrementPersistenceFailures counts a store failure. op is "load" or "save".
func (pm *PrometheusMetrics) IncrementPersistenceFailures(op string) {
	if !pm.on() {
		return
	}
	pm.persistenceFailures.WithLabelValues(op).Inc()
}

// UpdateQueueDepth sets the pending event gauge.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// RunStarted increments the active run gauge.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the outcome.
func (pm *PrometheusMetrics) RunFinished(outcome RunStatus) {
	if !pm.on() {
		return
	}
	pm.activeRuns.Dec()
	pm.runs.WithLabelValues(string(outcome)).Inc()
}

// Disable stops metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
