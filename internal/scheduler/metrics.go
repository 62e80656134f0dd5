package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cron scheduler.
type Metrics struct {
	JobsFired     prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsSkipped   prometheus.Counter
	FireDuration  prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total scheduled jobs fired.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total scheduled workflow submissions that succeeded.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total scheduled workflow submissions that failed.",
		}),
		JobsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Total scheduled jobs skipped because the previous run was still active.",
		}),
		FireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "scheduler",
			Name:      "fire_duration_seconds",
			Help:      "Duration of loading and submitting a scheduled workflow.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsSkipped,
		m.FireDuration,
	)

	return m
}

func (m *Metrics) fired() {
	if m != nil {
		m.JobsFired.Inc()
	}
}

func (m *Metrics) result(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.JobsFailed.Inc()
		return
	}
	m.JobsSucceeded.Inc()
}

func (m *Metrics) skipped() {
	if m != nil {
		m.JobsSkipped.Inc()
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.FireDuration.Observe(seconds)
	}
}
