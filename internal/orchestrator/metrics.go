package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics holds Prometheus metrics for the workflow engine.
// All metrics use the stepguard_workflow_ namespace.
type WorkflowMetrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	StepsTotal       *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	ActiveWorkflows  prometheus.Gauge
	QueuedWorkflows  prometheus.Gauge
	ActiveSteps      prometheus.Gauge
	RollbacksTotal   *prometheus.CounterVec
}

// NewWorkflowMetrics creates and registers workflow metrics on the given registry.
// Returns nil if reg is nil.
func NewWorkflowMetrics(reg *prometheus.Registry) *WorkflowMetrics {
	if reg == nil {
		return nil
	}

	m := &WorkflowMetrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "total",
			Help:      "Total workflows by final status.",
		}, []string{"status"}),

		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Workflow total duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Total steps by tool and final status.",
		}, []string{"tool", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds by tool, confirmation wait included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"tool"}),

		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "active_workflows",
			Help:      "Number of currently running workflows.",
		}),

		QueuedWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "queued_workflows",
			Help:      "Number of submitted workflows waiting for a run slot.",
		}),

		ActiveSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "active_steps",
			Help:      "Number of steps currently between assessing and a final status.",
		}),

		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "workflow",
			Name:      "rollback_actions_total",
			Help:      "Rollback actions by outcome (compensated, skipped, failed).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.StepsTotal,
		m.StepDuration,
		m.ActiveWorkflows,
		m.QueuedWorkflows,
		m.ActiveSteps,
		m.RollbacksTotal,
	)

	return m
}

func (m *WorkflowMetrics) workflowFinished(status WorkflowStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowsTotal.WithLabelValues(string(status)).Inc()
	m.WorkflowDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *WorkflowMetrics) stepFinished(tool string, status StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(tool, string(status)).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *WorkflowMetrics) rollback(outcome string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(outcome).Inc()
}

func (m *WorkflowMetrics) addActive(delta float64) {
	if m != nil {
		m.ActiveWorkflows.Add(delta)
	}
}

func (m *WorkflowMetrics) addQueued(delta float64) {
	if m != nil {
		m.QueuedWorkflows.Add(delta)
	}
}

func (m *WorkflowMetrics) addActiveSteps(delta float64) {
	if m != nil {
		m.ActiveSteps.Add(delta)
	}
}
