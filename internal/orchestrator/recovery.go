package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/stepguard/internal/invoker"
)

// interruptedDetail is recorded on workflows found unfinished at startup.
const interruptedDetail = "interrupted: engine stopped before the workflow finished"

// RecoverInterrupted marks workflows left non-terminal by a previous process
// as failed. Their steps are not resumed: an attempt may have had side
// effects nobody observed, so the operator decides what to run again.
// It returns the number of workflows marked.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	var stale []Workflow
	for _, status := range []WorkflowStatus{WorkflowPending, WorkflowRunning} {
		wfs, err := e.store.ListWorkflows(ctx, ListFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("listing %s workflows: %w", status, err)
		}
		stale = append(stale, wfs...)
	}

	marked := 0
	for i := range stale {
		wf := &stale[i]
		e.mu.Lock()
		_, live := e.runs[wf.ID]
		e.mu.Unlock()
		if live {
			continue
		}

		r := newRun(wf)
		r.mu.Lock()
		for j := range wf.Steps {
			switch wf.Steps[j].Status {
			case StepPending:
				e.transitionStep(ctx, r, j, StepSkipped, stepEvent{detail: interruptedDetail})
			case StepAssessing, StepAwaitingConfirmation, StepRunning, StepRetrying:
				wf.Steps[j].Result = &StepResult{Error: interruptedDetail, ErrorKind: invoker.KindInternal}
				e.transitionStep(ctx, r, j, StepFailed, stepEvent{detail: interruptedDetail})
			}
		}
		wf.ErrorKind = invoker.KindInternal
		ok := e.transitionWorkflow(ctx, r, WorkflowFailed, interruptedDetail)
		r.mu.Unlock()
		r.cancel()
		if !ok {
			continue
		}
		marked++

		e.logger.WarnContext(ctx, "marked interrupted workflow failed",
			slog.String("workflow_id", wf.ID),
			slog.String("name", wf.Name),
			slog.Duration("age", time.Since(wf.CreatedAt)),
		)
	}
	return marked, nil
}
