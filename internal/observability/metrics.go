package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting tool-flow metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool executions by outcome and their latencies
//   - Cache hits and misses per cache tier
//   - Status transitions (legal and rejected)
//   - Cleanup sweep deletions and failures
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|awaiting_approval|cached)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CacheLookups counts cache lookups.
	// Labels: kind (content|reuse|record), result (hit|miss)
	CacheLookups *prometheus.CounterVec

	// TransitionCounter counts call status transitions.
	// Labels: from, to, result (applied|illegal)
	TransitionCounter *prometheus.CounterVec

	// SweepDeleted counts records removed by the cleanup sweep.
	// Labels: kind (call|pipeline)
	SweepDeleted *prometheus.CounterVec

	// SweepFailures counts sweep runs that ended with an error.
	SweepFailures prometheus.Counter

	// ErrorCounter tracks errors by component and type.
	// Labels: component (toolcalls|toolexec|approval|cleanup), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_tool_executions_total",
				Help: "Total number of tool executions by tool and outcome",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolflow_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_cache_lookups_total",
				Help: "Total number of cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),

		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_status_transitions_total",
				Help: "Total number of tool call status transitions",
			},
			[]string{"from", "to", "result"},
		),

		SweepDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_sweep_deleted_total",
				Help: "Total number of stale records deleted by the cleanup sweep",
			},
			[]string{"kind"},
		),

		SweepFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolflow_sweep_failures_total",
				Help: "Total number of cleanup sweep runs that failed",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordTransition counts a status transition attempt.
func (m *Metrics) RecordTransition(from, to string, applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "illegal"
	}
	m.TransitionCounter.WithLabelValues(from, to, result).Inc()
}

// RecordSweep records how many records of a kind a sweep removed.
func (m *Metrics) RecordSweep(kind string, deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.SweepDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// RecordSweepFailure counts a failed sweep run.
func (m *Metrics) RecordSweepFailure() {
	if m == nil {
		return
	}
	m.SweepFailures.Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("toolcalls", "persistence")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
