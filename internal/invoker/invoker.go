// Package invoker runs one tool call through the registry's handler with a
// per-attempt deadline and bounded fixed-delay retry, appending one audit
// record per attempt.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// Defaults applied when neither the options nor the descriptor set a value.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Invocation errors carried by Result.Err.
var (
	ErrInvocationTimeout = errors.New("invocation timed out")
	ErrTransientFailure  = errors.New("transient failure")
	ErrPermanentFailure  = errors.New("permanent failure")
	ErrInterrupted       = errors.New("invocation interrupted")
)

// Invocation is one request to run a tool with bound parameters.
type Invocation struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	CallerIdentity string         `json:"caller_identity"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	StepIndex      int            `json:"step_index"`
	Compensation   bool           `json:"compensation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Options bound a single Invoke call.
type Options struct {
	// Timeout is the per-attempt deadline. Zero uses the descriptor's
	// timeout, then DefaultTimeout.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Risk and Confirmation are copied into every audit record.
	Risk         security.RiskAssessment
	Confirmation security.Confirmation

	// OnAttempt is called before each attempt starts. attempt is 1-based.
	OnAttempt func(attempt int)

	// OnRetry is called after a retryable failure, before the delay that
	// precedes attempt next.
	OnRetry func(next int, delay time.Duration)

	// Interrupt, when closed, prevents further attempts from starting.
	// The attempt in flight is not affected.
	Interrupt <-chan struct{}
}

// Result is the outcome of the final attempt.
type Result struct {
	Output   string           `json:"output,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	Attempts int              `json:"attempts"`
	Outcome  security.Outcome `json:"outcome"`
	Err      error            `json:"-"`
	Duration time.Duration    `json:"duration"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Outcome == security.OutcomeSuccess }

// Invoker executes tool calls. Safe for concurrent use.
type Invoker struct {
	registry *tools.Registry
	audit    *security.AuditLog
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration, interrupt <-chan struct{}) bool
}

// New creates an invoker. metrics may be nil.
func New(registry *tools.Registry, audit *security.AuditLog, metrics *Metrics, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Invoker{
		registry: registry,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		sleep:    sleep,
	}
}

// WithTracer attaches an OpenTelemetry tracer. A nil tracer disables spans.
func (iv *Invoker) WithTracer(t trace.Tracer) *Invoker {
	iv.tracer = t
	return iv
}

// Invoke looks up and validates the tool, then runs attempts until one
// succeeds, a permanent failure occurs, or the retry bound is reached.
// Every attempt is audited before the next one starts.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation, opts Options) Result {
	if iv.tracer != nil {
		var span trace.Span
		ctx, span = iv.tracer.Start(ctx, "invoker.invoke",
			trace.WithAttributes(
				attribute.String("tool.name", inv.ToolName),
				attribute.String("invocation.id", inv.ID),
				attribute.String("workflow.id", inv.WorkflowID),
				attribute.Int("workflow.step", inv.StepIndex),
				attribute.Bool("invocation.compensation", inv.Compensation),
				attribute.Float64("risk.score", opts.Risk.Score),
			))
		defer span.End()
	}

	res := iv.invoke(ctx, inv, opts)

	if iv.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.Int("invocation.attempts", res.Attempts),
			attribute.String("invocation.outcome", string(res.Outcome)),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}
	iv.metrics.invocation(inv.ToolName, res.Outcome, res.Duration)
	return res
}

func (iv *Invoker) invoke(ctx context.Context, inv Invocation, opts Options) Result {
	start := time.Now()

	desc, err := iv.registry.Lookup(inv.ToolName)
	if err != nil {
		iv.Record(ctx, inv, opts, security.OutcomeUnknownTool, err)
		return Result{Outcome: security.OutcomeUnknownTool, Err: err, Duration: time.Since(start)}
	}
	if err := desc.Validate(inv.Parameters); err != nil {
		iv.Record(ctx, inv, opts, security.OutcomeInvalidParameters, err)
		return Result{Outcome: security.OutcomeInvalidParameters, Err: err, Duration: time.Since(start)}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := max(opts.MaxRetries, 0) + 1

	var (
		out     *tools.Result
		outcome security.Outcome
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, retryDelay(opts, attempt))
			}
			iv.metrics.retry(inv.ToolName)
			iv.logger.InfoContext(ctx, "retrying tool invocation",
				slog.String("invocation_id", inv.ID),
				slog.String("tool", inv.ToolName),
				slog.Int("attempt", attempt),
				slog.Duration("delay", retryDelay(opts, attempt)),
			)
			if !iv.sleep(ctx, retryDelay(opts, attempt), opts.Interrupt) {
				attempt--
				return iv.stopped(ctx, inv, attempt, outcome, lastErr, start)
			}
		}
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt)
		}

		attemptStart := time.Now()
		out, lastErr = runAttempt(ctx, desc, inv, timeout)
		outcome = classify(ctx, lastErr)
		iv.metrics.attempt(inv.ToolName, outcome)
		iv.appendAttempt(ctx, inv, opts, attempt, outcome, lastErr, time.Since(attemptStart))

		switch outcome {
		case security.OutcomeSuccess:
			res := Result{Attempts: attempt, Outcome: outcome, Duration: time.Since(start)}
			if out != nil {
				res.Output = tools.TruncateOutput(out.Output, tools.MaxOutputBytes)
				res.Metadata = out.Metadata
			}
			return res
		case security.OutcomePermanentFailure:
			return Result{
				Attempts: attempt,
				Outcome:  outcome,
				Err:      fmt.Errorf("%w: %s: %w", ErrPermanentFailure, inv.ToolName, lastErr),
				Duration: time.Since(start),
			}
		case security.OutcomeCancelled:
			return Result{
				Attempts: attempt,
				Outcome:  outcome,
				Err:      fmt.Errorf("%w: %s: %w", ErrInterrupted, inv.ToolName, lastErr),
				Duration: time.Since(start),
			}
		}
	}

	attempt = maxAttempts
	sentinel := ErrTransientFailure
	if outcome == security.OutcomeTimeout {
		sentinel = ErrInvocationTimeout
	}
	return Result{
		Attempts: attempt,
		Outcome:  outcome,
		Err:      fmt.Errorf("%w: %s after %d attempts: %w", sentinel, inv.ToolName, attempt, lastErr),
		Duration: time.Since(start),
	}
}

// stopped builds the result when retries were abandoned between attempts.
// The outcome stays that of the last audited attempt.
func (iv *Invoker) stopped(ctx context.Context, inv Invocation, attempts int, outcome security.Outcome, lastErr error, start time.Time) Result {
	iv.logger.InfoContext(ctx, "tool invocation interrupted between attempts",
		slog.String("invocation_id", inv.ID),
		slog.String("tool", inv.ToolName),
		slog.Int("attempts", attempts),
	)
	return Result{
		Attempts: attempts,
		Outcome:  outcome,
		Err:      fmt.Errorf("%w: %s after %d attempts: %w", ErrInterrupted, inv.ToolName, attempts, lastErr),
		Duration: time.Since(start),
	}
}

// runAttempt calls the handler under its own deadline. A handler that ignores
// its context is abandoned when the deadline passes; a panic is reported as a
// permanent failure.
func runAttempt(ctx context.Context, desc tools.Descriptor, inv Invocation, timeout time.Duration) (*tools.Result, error) {
	actx, cancel := context.WithTimeout(tools.ContextWithCaller(ctx, inv.CallerIdentity), timeout)
	defer cancel()

	type outcome struct {
		res *tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: tools.Permanent(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		res, err := desc.Handler.Execute(actx, cloneParams(inv.Parameters))
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

// classify maps a handler error to the audited outcome.
func classify(parent context.Context, err error) security.Outcome {
	switch {
	case err == nil:
		return security.OutcomeSuccess
	case parent.Err() != nil:
		return security.OutcomeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return security.OutcomeTimeout
	case tools.IsTransient(err):
		return security.OutcomeTransientFailure
	default:
		return security.OutcomePermanentFailure
	}
}

// retryDelay is the wait before the given attempt. Fixed delay.
func retryDelay(opts Options, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if opts.RetryDelay > 0 {
		return opts.RetryDelay
	}
	return DefaultRetryDelay
}

// sleep waits for d. It returns false if ctx or interrupt ended the wait.
func sleep(ctx context.Context, d time.Duration, interrupt <-chan struct{}) bool {
	select {
	case <-interrupt:
		return false
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-interrupt:
		return false
	}
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (iv *Invoker) appendAttempt(ctx context.Context, inv Invocation, opts Options, attempt int, outcome security.Outcome, err error, d time.Duration) {
	rec := auditRecord(inv, opts, outcome, err)
	rec.Attempt = attempt
	rec.DurationMS = d.Milliseconds()
	if _, aerr := iv.audit.Append(ctx, rec); aerr != nil {
		iv.logger.ErrorContext(ctx, "audit append failed",
			slog.String("invocation_id", inv.ID),
			slog.Int("attempt", attempt),
			slog.String("error", aerr.Error()),
		)
	}
}

// Record appends an audit record for an invocation that never reached the
// handler (unknown tool, invalid parameters, denied or timed-out
// confirmation). Such records carry attempt 0.
func (iv *Invoker) Record(ctx context.Context, inv Invocation, opts Options, outcome security.Outcome, err error) {
	if _, aerr := iv.audit.Append(ctx, auditRecord(inv, opts, outcome, err)); aerr != nil {
		iv.logger.ErrorContext(ctx, "audit append failed",
			slog.String("invocation_id", inv.ID),
			slog.String("error", aerr.Error()),
		)
	}
	iv.metrics.attempt(inv.ToolName, outcome)
}

func auditRecord(inv Invocation, opts Options, outcome security.Outcome, err error) security.AuditRecord {
	rec := security.AuditRecord{
		InvocationID:   inv.ID,
		WorkflowID:     inv.WorkflowID,
		StepIndex:      inv.StepIndex,
		ToolName:       inv.ToolName,
		CallerIdentity: inv.CallerIdentity,
		RiskScore:      opts.Risk.Score,
		Reasons:        opts.Risk.Reasons,
		Confirmation:   opts.Confirmation,
		Outcome:        outcome,
		Compensation:   inv.Compensation,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
