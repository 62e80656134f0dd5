package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// run is the live state of one workflow. mu is the per-workflow exclusivity
// lock: every transition, history append and persist happens under it.
type run struct {
	mu sync.Mutex
	wf *Workflow

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason string

	// ctx is cancelled together with stopCh. It bounds waits that are safe
	// to abandon: the run-slot queue and confirmation requests.
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
}

func newRun(wf *Workflow) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		wf:     wf,
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// requestStop raises the cancel flag. It returns false if it was already raised.
func (r *run) requestStop(reason string) bool {
	first := false
	r.stopOnce.Do(func() {
		r.stopReason = reason
		close(r.stopCh)
		r.cancel()
		first = true
	})
	return first
}

func (r *run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// reason is only meaningful once stopped reports true.
func (r *run) reason() string {
	if !r.stopped() {
		return ""
	}
	return r.stopReason
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// appendHistory assigns the next sequence number. Callers hold r.mu.
func (r *run) appendHistory(h HistoryEntry) {
	h.Seq = len(r.wf.History) + 1
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	r.wf.History = append(r.wf.History, h)
}

// stepEvent carries the optional fields of a step_status history entry.
type stepEvent struct {
	attempt int
	detail  string
}

// transitionStep moves step i along the transition graph, records the
// history entry and persists. Callers hold r.mu. Illegal moves are refused
// and logged.
func (e *Engine) transitionStep(ctx context.Context, r *run, i int, to StepStatus, ev stepEvent) bool {
	s := &r.wf.Steps[i]
	from := s.Status
	if !CanTransition(from, to) {
		e.logger.ErrorContext(ctx, "illegal step transition refused",
			slog.String("workflow_id", r.wf.ID),
			slog.Int("step", i),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}

	now := time.Now().UTC()
	s.Status = to
	switch to {
	case StepCompleted, StepFailed, StepSkipped:
		s.FinishedAt = &now
	}

	h := HistoryEntry{
		Timestamp:    now,
		Kind:         HistoryStepStatus,
		StepIndex:    i,
		From:         string(from),
		To:           string(to),
		Attempt:      ev.attempt,
		InvocationID: s.InvocationID,
		Confirmation: s.Confirmation,
		Detail:       ev.detail,
	}
	if s.Risk != nil {
		h.RiskScore = s.Risk.Score
	}
	r.appendHistory(h)
	e.persist(ctx, r)
	return true
}

// transitionWorkflow moves the workflow along its lifecycle. Callers hold r.mu.
func (e *Engine) transitionWorkflow(ctx context.Context, r *run, to WorkflowStatus, detail string) bool {
	from := r.wf.Status
	if !canTransitionWorkflow(from, to) {
		e.logger.ErrorContext(ctx, "illegal workflow transition refused",
			slog.String("workflow_id", r.wf.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}

	now := time.Now().UTC()
	r.wf.Status = to
	if to.Terminal() {
		r.wf.CompletedAt = &now
		if to != WorkflowCompleted {
			r.wf.Error = detail
		}
	}
	r.appendHistory(HistoryEntry{
		Timestamp: now,
		Kind:      HistoryWorkflowStatus,
		StepIndex: -1,
		From:      string(from),
		To:        string(to),
		Detail:    detail,
	})
	e.persist(ctx, r)
	return true
}

// record appends a non-transition history entry and persists. Callers hold r.mu.
func (e *Engine) record(ctx context.Context, r *run, h HistoryEntry) {
	r.appendHistory(h)
	e.persist(ctx, r)
}

// persist writes the workflow to the store. Callers hold r.mu, so writes of
// one workflow reach the store in transition order.
func (e *Engine) persist(ctx context.Context, r *run) {
	r.wf.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWorkflow(ctx, r.wf); err != nil {
		e.logger.ErrorContext(ctx, "persisting workflow failed",
			slog.String("workflow_id", r.wf.ID),
			slog.String("status", string(r.wf.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// stop raises the cancel flag and records the request. It returns false when
// the flag was already raised.
func (e *Engine) stop(ctx context.Context, r *run, reason string) bool {
	if !r.requestStop(reason) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wf.Status.Terminal() {
		e.record(ctx, r, HistoryEntry{
			Kind:      HistoryCancelRequested,
			StepIndex: -1,
			Detail:    reason,
		})
	}
	return true
}
