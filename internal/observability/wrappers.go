package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// --- InstrumentedHandler ---

// InstrumentedHandler wraps a tools.Handler with metrics, tracing, and anomaly detection.
type InstrumentedHandler struct {
	inner   tools.Handler
	tool    string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedHandler wraps a tool handler with observability.
func NewInstrumentedHandler(tool string, inner tools.Handler, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedHandler {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedHandler{
		inner:   inner,
		tool:    tool,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (h *InstrumentedHandler) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", h.tool),
				attribute.String("tool.caller", tools.CallerFromContext(ctx)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := h.inner.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "permanent_failure"
		if tools.IsTransient(err) {
			status = "transient_failure"
		}
		if ctx.Err() != nil {
			status = "timeout"
		}
		if h.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if h.metrics != nil {
		h.metrics.ToolExecutionsTotal.WithLabelValues(h.tool, status).Inc()
		h.metrics.ToolExecutionDuration.WithLabelValues(h.tool).Observe(duration)
	}

	if h.anomaly != nil {
		if err != nil {
			h.anomaly.RecordError(h.tool)
		} else {
			h.anomaly.RecordSuccess(h.tool)
		}
	}

	return result, err
}

// InstrumentRegistry returns a copy of the descriptors with every handler
// wrapped. Used at startup before the registry is frozen.
func InstrumentRegistry(descs []tools.Descriptor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) []tools.Descriptor {
	if metrics == nil && ts == nil && anomaly == nil {
		return descs
	}
	out := make([]tools.Descriptor, len(descs))
	for i, d := range descs {
		d.Handler = NewInstrumentedHandler(d.Name, d.Handler, metrics, ts, anomaly)
		out[i] = d
	}
	return out
}

// --- InstrumentedAssessor ---

// Assessor is the scoring capability of security.Assessor.
type Assessor interface {
	AssessWithThreshold(s security.Subject, threshold float64) security.RiskAssessment
}

// InstrumentedAssessor wraps an Assessor with metrics.
type InstrumentedAssessor struct {
	inner   Assessor
	metrics *MetricsCollector
}

// NewInstrumentedAssessor wraps a risk assessor with observability.
func NewInstrumentedAssessor(inner Assessor, metrics *MetricsCollector) *InstrumentedAssessor {
	return &InstrumentedAssessor{inner: inner, metrics: metrics}
}

func (a *InstrumentedAssessor) AssessWithThreshold(s security.Subject, threshold float64) security.RiskAssessment {
	got := a.inner.AssessWithThreshold(s, threshold)
	if a.metrics != nil {
		a.metrics.RiskAssessmentsTotal.WithLabelValues(s.Tool, strconv.FormatBool(got.RequiresConfirmation)).Inc()
		a.metrics.RiskScore.WithLabelValues(s.Tool).Observe(got.Score)
	}
	return got
}

// --- Compile-time interface checks ---

var (
	_ tools.Handler = (*InstrumentedHandler)(nil)
	_ Assessor      = (*InstrumentedAssessor)(nil)
	_ Assessor      = (*security.Assessor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
