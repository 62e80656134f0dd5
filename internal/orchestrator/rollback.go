package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/stepguard/internal/invoker"
	"github.com/jkaninda/stepguard/internal/security"
)

// compensation is what one compensating invocation produced.
type compensation struct {
	invocationID string
	attempts     int
	risk         security.RiskAssessment
	confirmation security.Confirmation
	err          error
}

// rollback walks completed steps in reverse and runs their compensating
// actions through the same assess, confirm and invoke path as regular steps.
// The first compensation failure stops the rollback: the workflow ends
// failed with the partial state left in history.
func (e *Engine) rollback(ctx context.Context, r *run, failed int) outcome {
	kind, cause := e.failureOf(r, failed)

	r.mu.Lock()
	n := len(r.wf.Steps)
	r.mu.Unlock()

	r.mu.Lock()
	e.record(ctx, r, HistoryEntry{
		Kind:      HistoryRollbackStarted,
		StepIndex: failed,
		From:      string(WorkflowRunning),
		To:        string(WorkflowFailed),
		Detail:    cause,
	})
	r.mu.Unlock()

	e.logger.WarnContext(ctx, "rolling back workflow",
		slog.String("workflow_id", r.wf.ID),
		slog.Int("failed_step", failed),
	)

	compensated := 0
	for i := n - 1; i >= 0; i-- {
		r.mu.Lock()
		s := r.wf.Steps[i].clone()
		r.mu.Unlock()
		if s.Status != StepCompleted {
			continue
		}

		if s.Compensation == nil {
			r.mu.Lock()
			e.record(ctx, r, HistoryEntry{
				Kind:      HistoryRollbackSkipped,
				StepIndex: i,
				Detail:    fmt.Sprintf("%s has no compensating action", s.Tool),
			})
			r.mu.Unlock()
			e.metrics.rollback("skipped")
			continue
		}

		c := e.compensate(ctx, r, i, s)
		entry := HistoryEntry{
			StepIndex:    i,
			Attempt:      c.attempts,
			InvocationID: c.invocationID,
			RiskScore:    c.risk.Score,
			Confirmation: c.confirmation,
		}

		if c.err != nil {
			entry.Kind = HistoryRollbackFailed
			entry.Detail = fmt.Sprintf("%s: %s", s.Compensation.Tool, c.err)
			r.mu.Lock()
			e.record(ctx, r, entry)
			r.mu.Unlock()
			e.metrics.rollback("failed")

			e.logger.ErrorContext(ctx, "compensating action failed; manual remediation required",
				slog.String("workflow_id", r.wf.ID),
				slog.Int("step", i),
				slog.String("tool", s.Compensation.Tool),
				slog.String("error_kind", invoker.Kind(c.err)),
				slog.String("error", c.err.Error()),
			)
			return outcome{
				status: WorkflowFailed,
				kind:   KindRollbackFailure,
				detail: fmt.Sprintf("%s: step %d compensation %s: %v (after %s)", ErrRollbackFailure, i, s.Compensation.Tool, c.err, cause),
			}
		}

		entry.Kind = HistoryRollback
		entry.Detail = fmt.Sprintf("compensated with %s", s.Compensation.Tool)
		r.mu.Lock()
		e.record(ctx, r, entry)
		e.transitionStep(ctx, r, i, StepRolledBack, stepEvent{attempt: c.attempts})
		r.mu.Unlock()
		e.metrics.rollback("compensated")
		compensated++
	}

	if compensated == 0 {
		return outcome{status: WorkflowFailed, kind: kind, detail: cause}
	}
	return outcome{status: WorkflowRolledBack, kind: kind, detail: cause}
}

// compensate runs the compensating action of step i. It is not interrupted by
// the cancel flag: a rollback that has started runs to its end.
func (e *Engine) compensate(ctx context.Context, r *run, i int, s Step) compensation {
	r.mu.Lock()
	wfID, caller := r.wf.ID, r.wf.SubmittedBy
	r.mu.Unlock()

	inv := invoker.Invocation{
		ID:             uuid.NewString(),
		ToolName:       s.Compensation.Tool,
		Parameters:     s.Compensation.Parameters,
		CallerIdentity: caller,
		WorkflowID:     wfID,
		StepIndex:      i,
		Compensation:   true,
		CreatedAt:      time.Now().UTC(),
	}
	c := compensation{invocationID: inv.ID, confirmation: security.ConfirmationNone}

	desc, err := e.registry.Lookup(inv.ToolName)
	if err != nil {
		e.invoker.Record(ctx, inv, invoker.Options{}, security.OutcomeUnknownTool, err)
		c.err = err
		return c
	}

	c.risk = e.assessor.AssessWithThreshold(desc.Subject(inv.Parameters), e.stepThreshold(s))
	opts := e.invokeOptions(s, desc)
	opts.Risk = c.risk
	opts.Confirmation = security.ConfirmationNone

	if c.risk.RequiresConfirmation {
		verdict, err := e.gate.Request(ctx, approvalRequest(inv, c.risk), e.stepConfirmationTimeout(s))
		c.confirmation = verdict.Status.Confirmation()
		opts.Confirmation = c.confirmation
		if err != nil {
			e.invoker.Record(ctx, inv, opts, security.OutcomeDenied, err)
			c.err = err
			return c
		}
	}

	res := e.invoker.Invoke(context.WithoutCancel(ctx), inv, opts)
	c.attempts = res.Attempts
	if !res.OK() {
		c.err = res.Err
	}
	return c
}
