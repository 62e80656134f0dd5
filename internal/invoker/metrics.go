package invoker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/stepguard/internal/security"
)

// Metrics holds Prometheus metrics for tool invocations.
// All metrics use the stepguard_invoker_ namespace.
type Metrics struct {
	InvocationsTotal   *prometheus.CounterVec
	AttemptsTotal      *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers invoker metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "invoker",
			Name:      "invocations_total",
			Help:      "Total invocations by tool and final outcome.",
		}, []string{"tool", "outcome"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "invoker",
			Name:      "attempts_total",
			Help:      "Total audited attempts by tool and outcome.",
		}, []string{"tool", "outcome"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "invoker",
			Name:      "retries_total",
			Help:      "Total retries after transient failures or timeouts.",
		}, []string{"tool"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "invoker",
			Name:      "invocation_duration_seconds",
			Help:      "Invocation duration including retries, in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.InvocationsTotal,
		m.AttemptsTotal,
		m.RetriesTotal,
		m.InvocationDuration,
	)

	return m
}

func (m *Metrics) invocation(tool string, outcome security.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(tool, string(outcome)).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) attempt(tool string, outcome security.Outcome) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(tool, string(outcome)).Inc()
}

func (m *Metrics) retry(tool string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(tool).Inc()
}
