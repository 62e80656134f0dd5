package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/stepguard/internal/invoker"
)

// outcome is how a run ended, before it is written to the workflow.
type outcome struct {
	status WorkflowStatus
	kind   string
	detail string
}

// execute drives one workflow from pending to a terminal status.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer func() {
		e.forget(r.wf.ID)
		close(r.done)
	}()

	e.metrics.addQueued(1)
	acquired := false
	select {
	case e.slots <- struct{}{}:
		acquired = true
	case <-r.stopCh:
	}
	e.metrics.addQueued(-1)
	if acquired {
		defer func() { <-e.slots }()
	}

	if r.stopped() {
		r.mu.Lock()
		e.skipFrom(ctx, r, 0, r.reason())
		r.wf.ErrorKind = invoker.KindCancelled
		e.transitionWorkflow(ctx, r, WorkflowCancelled, r.reason())
		r.mu.Unlock()
		e.metrics.workflowFinished(WorkflowCancelled, 0)
		return
	}

	r.mu.Lock()
	id, name, timeout := r.wf.ID, r.wf.Name, r.wf.Timeout
	e.transitionWorkflow(ctx, r, WorkflowRunning, "")
	r.mu.Unlock()

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow.run",
			trace.WithAttributes(
				attribute.String("workflow.id", id),
				attribute.String("workflow.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	e.metrics.addActive(1)
	defer e.metrics.addActive(-1)

	e.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow_id", id),
		slog.String("name", name),
	)

	deadline := time.AfterFunc(timeout, func() {
		if e.stop(ctx, r, fmt.Sprintf("workflow timeout %s exceeded", timeout)) {
			e.logger.WarnContext(ctx, "workflow timed out",
				slog.String("workflow_id", id),
				slog.Duration("timeout", timeout),
			)
		}
	})
	defer deadline.Stop()

	out := e.runSteps(ctx, r)

	r.mu.Lock()
	r.wf.ErrorKind = out.kind
	e.transitionWorkflow(ctx, r, out.status, out.detail)
	r.mu.Unlock()

	e.metrics.workflowFinished(out.status, time.Since(start))
	if span != nil {
		span.SetAttributes(attribute.String("workflow.status", string(out.status)))
		if out.status != WorkflowCompleted {
			span.SetStatus(codes.Error, out.detail)
		}
	}

	level := slog.LevelInfo
	if out.status != WorkflowCompleted {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "workflow finished",
		slog.String("workflow_id", id),
		slog.String("status", string(out.status)),
		slog.String("error_kind", out.kind),
		slog.String("detail", out.detail),
		slog.Duration("duration", time.Since(start)),
	)
}

// runSteps walks the steps in order. Consecutive independent steps form a
// batch that runs concurrently and is joined before the next step begins.
func (e *Engine) runSteps(ctx context.Context, r *run) outcome {
	r.mu.Lock()
	steps := make([]Step, len(r.wf.Steps))
	copy(steps, r.wf.Steps)
	policy := r.wf.FailurePolicy
	r.mu.Unlock()

	firstFailure := -1
	for i := 0; i < len(steps); {
		if r.stopped() {
			return e.cancelled(ctx, r, i)
		}

		end := i + 1
		if steps[i].Independent {
			for end < len(steps) && steps[end].Independent {
				end++
			}
		}

		statuses := e.runBatch(ctx, r, i, end)
		for k, st := range statuses {
			if st == StepFailed && !steps[i+k].BestEffort && firstFailure < 0 {
				firstFailure = i + k
			}
		}

		if r.stopped() {
			return e.cancelled(ctx, r, end)
		}
		if firstFailure >= 0 && policy == PolicyAbort {
			r.mu.Lock()
			e.skipFrom(ctx, r, end, fmt.Sprintf("aborted after step %d failed", firstFailure))
			r.mu.Unlock()
			return e.rollback(ctx, r, firstFailure)
		}
		i = end
	}

	if firstFailure >= 0 {
		kind, detail := e.failureOf(r, firstFailure)
		return outcome{status: WorkflowFailed, kind: kind, detail: detail}
	}
	return outcome{status: WorkflowCompleted}
}

func (e *Engine) runBatch(ctx context.Context, r *run, from, to int) []StepStatus {
	out := make([]StepStatus, to-from)
	if to-from == 1 {
		out[0] = e.executeStep(ctx, r, from)
		return out
	}

	var g errgroup.Group
	g.SetLimit(e.config.parallelSteps())
	for i := from; i < to; i++ {
		g.Go(func() error {
			out[i-from] = e.executeStep(ctx, r, i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) cancelled(ctx context.Context, r *run, from int) outcome {
	reason := r.reason()
	r.mu.Lock()
	e.skipFrom(ctx, r, from, reason)
	r.mu.Unlock()
	return outcome{status: WorkflowCancelled, kind: invoker.KindCancelled, detail: reason}
}

// skipFrom marks every still-pending step from index from onwards skipped.
// Callers hold r.mu.
func (e *Engine) skipFrom(ctx context.Context, r *run, from int, reason string) {
	for j := from; j < len(r.wf.Steps); j++ {
		if r.wf.Steps[j].Status == StepPending {
			e.transitionStep(ctx, r, j, StepSkipped, stepEvent{detail: reason})
		}
	}
}

// failureOf describes a failed step for the workflow error.
func (e *Engine) failureOf(r *run, i int) (kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.wf.Steps[i]
	if s.Result != nil {
		kind = s.Result.ErrorKind
		detail = s.Result.Error
	}
	return kind, fmt.Sprintf("step %d (%s) failed: %s", i, s.Tool, detail)
}
