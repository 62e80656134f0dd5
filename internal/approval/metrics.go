package approval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GateMetrics holds Prometheus metrics for the confirmation gate.
// All metrics use the stepguard_confirmation_ prefix.
type GateMetrics struct {
	Pending   prometheus.Gauge
	Decisions *prometheus.CounterVec
	WaitTime  prometheus.Histogram
}

// NewGateMetrics creates and registers gate metrics on the given registry.
// Returns nil if reg is nil.
func NewGateMetrics(reg *prometheus.Registry) *GateMetrics {
	if reg == nil {
		return nil
	}

	m := &GateMetrics{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Subsystem: "confirmation",
			Name:      "pending",
			Help:      "Number of invocations waiting for a decision.",
		}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "confirmation",
			Name:      "decisions_total",
			Help:      "Confirmation verdicts by status (approved, denied, timed_out).",
		}, []string{"status"}),

		WaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "confirmation",
			Name:      "wait_seconds",
			Help:      "Time from request to verdict in seconds.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(m.Pending, m.Decisions, m.WaitTime)
	return m
}

func (m *GateMetrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.Pending.Add(delta)
}

func (m *GateMetrics) observe(s Status, wait time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(s.String()).Inc()
	m.WaitTime.Observe(wait.Seconds())
}
