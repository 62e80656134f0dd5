package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/invoker"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// executeStep takes step i from pending to completed, failed or skipped:
// assess, confirm when required, then invoke. The cancel flag is checked
// before every transition that does not start or continue an attempt.
func (e *Engine) executeStep(ctx context.Context, r *run, i int) StepStatus {
	r.mu.Lock()
	step := r.wf.Steps[i].clone()
	wfID, caller := r.wf.ID, r.wf.SubmittedBy
	r.mu.Unlock()

	if r.stopped() {
		e.skipStep(ctx, r, i)
		return StepSkipped
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.step",
			trace.WithAttributes(
				attribute.String("workflow.id", wfID),
				attribute.Int("workflow.step", i),
				attribute.String("tool.name", step.Tool),
			))
		defer span.End()
	}

	start := time.Now()
	e.metrics.addActiveSteps(1)
	defer e.metrics.addActiveSteps(-1)

	inv := invoker.Invocation{
		ID:             uuid.NewString(),
		ToolName:       step.Tool,
		Parameters:     step.Parameters,
		CallerIdentity: caller,
		WorkflowID:     wfID,
		StepIndex:      i,
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	now := inv.CreatedAt
	r.wf.Steps[i].InvocationID = inv.ID
	r.wf.Steps[i].StartedAt = &now
	r.wf.Steps[i].Confirmation = security.ConfirmationNone
	e.transitionStep(ctx, r, i, StepAssessing, stepEvent{})
	r.mu.Unlock()

	desc, err := e.registry.Lookup(step.Tool)
	if err != nil {
		e.invoker.Record(ctx, inv, invoker.Options{}, security.OutcomeUnknownTool, err)
		return e.finishStep(ctx, r, i, start, invoker.Result{Outcome: security.OutcomeUnknownTool, Err: err})
	}

	risk := e.assessor.AssessWithThreshold(desc.Subject(step.Parameters), e.stepThreshold(step))
	r.mu.Lock()
	r.wf.Steps[i].Risk = &risk
	r.mu.Unlock()

	if r.stopped() {
		e.skipStep(ctx, r, i)
		return StepSkipped
	}

	opts := e.invokeOptions(step, desc)
	opts.Risk = risk
	opts.Confirmation = security.ConfirmationNone

	if risk.RequiresConfirmation {
		verdict, err := e.confirm(ctx, r, i, inv, risk, e.stepConfirmationTimeout(step))
		opts.Confirmation = verdict.Status.Confirmation()
		r.mu.Lock()
		r.wf.Steps[i].Confirmation = opts.Confirmation
		r.mu.Unlock()

		if err != nil {
			if r.stopped() {
				e.invoker.Record(ctx, inv, opts, security.OutcomeCancelled, err)
				e.skipStep(ctx, r, i)
				return StepSkipped
			}
			e.invoker.Record(ctx, inv, opts, security.OutcomeDenied, err)
			return e.finishStep(ctx, r, i, start, invoker.Result{Outcome: security.OutcomeDenied, Err: err})
		}
		if r.stopped() {
			e.invoker.Record(ctx, inv, opts, security.OutcomeCancelled, fmt.Errorf("%w: %s", invoker.ErrInterrupted, r.reason()))
			e.skipStep(ctx, r, i)
			return StepSkipped
		}
	}

	opts.OnAttempt = func(attempt int) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.wf.Steps[i].Attempts = attempt
		e.transitionStep(ctx, r, i, StepRunning, stepEvent{attempt: attempt})
	}
	opts.OnRetry = func(next int, delay time.Duration) {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.transitionStep(ctx, r, i, StepRetrying, stepEvent{
			attempt: next - 1,
			detail:  fmt.Sprintf("attempt %d failed; retrying in %s", next-1, delay),
		})
	}
	opts.Interrupt = r.stopCh

	// The handler context is detached from cancellation: an attempt in
	// flight always runs to completion or to its own deadline.
	res := e.invoker.Invoke(context.WithoutCancel(ctx), inv, opts)
	return e.finishStep(ctx, r, i, start, res)
}

// confirm moves the step to awaiting_confirmation and blocks on the gate.
// Raising the cancel flag abandons the wait.
func (e *Engine) confirm(ctx context.Context, r *run, i int, inv invoker.Invocation, risk security.RiskAssessment, wait time.Duration) (approval.Verdict, error) {
	r.mu.Lock()
	e.transitionStep(ctx, r, i, StepAwaitingConfirmation, stepEvent{detail: fmt.Sprintf("risk %.2f >= threshold %.2f or critical", risk.Score, risk.Threshold)})
	r.mu.Unlock()

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(r.ctx, cancel)
	defer release()

	return e.gate.Request(gctx, approvalRequest(inv, risk), wait)
}

func approvalRequest(inv invoker.Invocation, risk security.RiskAssessment) approval.Request {
	return approval.Request{
		InvocationID:   inv.ID,
		WorkflowID:     inv.WorkflowID,
		StepIndex:      inv.StepIndex,
		ToolName:       inv.ToolName,
		Parameters:     inv.Parameters,
		CallerIdentity: inv.CallerIdentity,
		Risk:           risk,
		Compensation:   inv.Compensation,
	}
}

// finishStep records the final result and moves the step to completed or failed.
func (e *Engine) finishStep(ctx context.Context, r *run, i int, start time.Time, res invoker.Result) StepStatus {
	to := StepCompleted
	result := &StepResult{Output: res.Output, Metadata: res.Metadata}
	if !res.OK() {
		to = StepFailed
		result = &StepResult{Error: res.Err.Error(), ErrorKind: invoker.Kind(res.Err)}
	}

	r.mu.Lock()
	s := &r.wf.Steps[i]
	if res.Attempts > 0 {
		s.Attempts = res.Attempts
	}
	s.Result = result
	tool := s.Tool
	e.transitionStep(ctx, r, i, to, stepEvent{attempt: s.Attempts, detail: result.Error})
	r.mu.Unlock()

	e.metrics.stepFinished(tool, to, time.Since(start))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("step.status", string(to)),
			attribute.Int("step.attempts", res.Attempts),
		)
		if to == StepFailed {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if to == StepFailed {
		e.logger.WarnContext(ctx, "step failed",
			slog.String("workflow_id", r.wf.ID),
			slog.Int("step", i),
			slog.String("tool", tool),
			slog.String("error_kind", result.ErrorKind),
			slog.String("error", result.Error),
		)
	} else {
		e.logger.InfoContext(ctx, "step completed",
			slog.String("workflow_id", r.wf.ID),
			slog.Int("step", i),
			slog.String("tool", tool),
			slog.Int("attempts", res.Attempts),
		)
	}
	return to
}

func (e *Engine) skipStep(ctx context.Context, r *run, i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.transitionStep(ctx, r, i, StepSkipped, stepEvent{detail: r.reason()})
}

// stepThreshold resolves the risk threshold: the step's own, else the engine's.
func (e *Engine) stepThreshold(s Step) float64 {
	if s.RiskThreshold != nil {
		return *s.RiskThreshold
	}
	return e.config.threshold()
}

func (e *Engine) stepConfirmationTimeout(s Step) time.Duration {
	if s.ConfirmationTimeout > 0 {
		return s.ConfirmationTimeout
	}
	return e.config.confirmationTimeout()
}

// invokeOptions resolves the per-call bounds. Timeout precedence is step,
// then tool descriptor, then engine default.
func (e *Engine) invokeOptions(s Step, desc tools.Descriptor) invoker.Options {
	opts := invoker.Options{
		Timeout:    s.Timeout,
		MaxRetries: e.config.maxRetries(),
		RetryDelay: s.RetryDelay,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = desc.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.config.toolTimeout()
	}
	if s.MaxRetries != nil {
		opts.MaxRetries = *s.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = e.config.retryDelay()
	}
	return opts
}
