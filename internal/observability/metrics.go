package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the process-wide Prometheus metrics for stepguard.
// Uses a custom registry, no global state. Engine, invoker and gate metrics
// register on the same Registry from their own packages.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool execution metrics, one observation per handler attempt.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Risk assessment metrics.
	RiskAssessmentsTotal *prometheus.CounterVec
	RiskScore            *prometheus.HistogramVec

	// Failure-rate anomaly gauge, set by the AnomalyDetector.
	ToolErrorRate *prometheus.GaugeVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool handler executions by status.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool handler execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		RiskAssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Total risk assessments by tool and whether confirmation was required.",
		}, []string{"tool", "confirmation"}),

		RiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "risk",
			Name:      "score",
			Help:      "Distribution of risk scores by tool.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"tool"}),

		ToolErrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Subsystem: "tool",
			Name:      "error_rate",
			Help:      "Failed attempt ratio within the anomaly window.",
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepguard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.RiskAssessmentsTotal,
		m.RiskScore,
		m.ToolErrorRate,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry or nil when metrics are disabled, for
// the per-package metric constructors that return nil on a nil registry.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
