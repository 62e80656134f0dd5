package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/stepguard/internal/invoker"
	"github.com/jkaninda/stepguard/internal/tools"
)

// EngineConfig configures the workflow engine behavior. Zero values use the
// documented defaults.
type EngineConfig struct {
	RiskThreshold          *float64      // Default: 0.7.
	ToolTimeout            time.Duration // Used when neither the step nor the tool sets one. Default: 30s.
	MaxRetries             *int          // Default: 3.
	RetryDelay             time.Duration // Fixed delay between attempts. Default: 1s.
	WorkflowTimeout        time.Duration // Default: 30m.
	ConfirmationTimeout    time.Duration // Default: 5m.
	MaxConcurrentWorkflows int           // Default: 10.
	MaxParallelSteps       int           // Per independent batch. Default: 8.
}

func (c EngineConfig) threshold() float64 {
	if c.RiskThreshold != nil {
		return *c.RiskThreshold
	}
	return 0.7
}

func (c EngineConfig) toolTimeout() time.Duration {
	if c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return invoker.DefaultTimeout
}

func (c EngineConfig) maxRetries() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return invoker.DefaultMaxRetries
}

func (c EngineConfig) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return invoker.DefaultRetryDelay
}

func (c EngineConfig) workflowTimeout() time.Duration {
	if c.WorkflowTimeout > 0 {
		return c.WorkflowTimeout
	}
	return 30 * time.Minute
}

func (c EngineConfig) confirmationTimeout() time.Duration {
	if c.ConfirmationTimeout > 0 {
		return c.ConfirmationTimeout
	}
	return 5 * time.Minute
}

func (c EngineConfig) concurrency() int {
	if c.MaxConcurrentWorkflows > 0 {
		return c.MaxConcurrentWorkflows
	}
	return 10
}

func (c EngineConfig) parallelSteps() int {
	if c.MaxParallelSteps > 0 {
		return c.MaxParallelSteps
	}
	return 8
}

// Engine drives workflows from submission to a terminal status.
// Safe for concurrent use.
type Engine struct {
	store    WorkflowStore
	registry *tools.Registry
	assessor RiskAssessor
	gate     Confirmer
	invoker  *invoker.Invoker
	metrics  *WorkflowMetrics
	tracer   trace.Tracer
	logger   *slog.Logger
	config   EngineConfig
	slots    chan struct{}

	mu     sync.Mutex
	runs   map[string]*run // Workflows that have not reached a terminal status.
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates a workflow engine with the given components.
func NewEngine(
	store WorkflowStore,
	registry *tools.Registry,
	assessor RiskAssessor,
	gate Confirmer,
	inv *invoker.Invoker,
	metrics *WorkflowMetrics,
	logger *slog.Logger,
	config EngineConfig,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    store,
		registry: registry,
		assessor: assessor,
		gate:     gate,
		invoker:  inv,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		slots:    make(chan struct{}, config.concurrency()),
		runs:     make(map[string]*run),
	}
}

// WithTracer attaches an OpenTelemetry tracer. A nil tracer disables spans.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	e.tracer = t
	return e
}

// Submit validates the definition, persists the workflow as pending and
// starts running it in the background. The returned snapshot is pending.
func (e *Engine) Submit(ctx context.Context, def Definition, submittedBy string) (*Workflow, error) {
	if err := def.Validate(e.registry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := newWorkflow(uuid.NewString(), def, submittedBy, e.config.workflowTimeout(), now)
	wf.History = append(wf.History, HistoryEntry{
		Seq:       1,
		Timestamp: now,
		Kind:      HistoryWorkflowStatus,
		StepIndex: -1,
		To:        string(WorkflowPending),
		Detail:    "submitted",
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("creating workflow: %w", err)
	}
	r := newRun(wf)
	e.runs[wf.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	snapshot := wf.Clone()

	e.logger.InfoContext(ctx, "workflow submitted",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.String("submitted_by", submittedBy),
		slog.Int("steps", len(wf.Steps)),
		slog.String("failure_policy", string(wf.FailurePolicy)),
		slog.Duration("timeout", wf.Timeout),
	)

	go func() {
		defer e.wg.Done()
		e.execute(context.WithoutCancel(ctx), r)
	}()

	return snapshot, nil
}

// Get returns a snapshot of the workflow.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Workflow, error) {
	return e.store.ListWorkflows(ctx, f)
}

// History returns the workflow's history entries in sequence order.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return wf.History, nil
}

// Cancel requests cancellation. The step attempt in flight finishes, then no
// further step begins and the workflow ends cancelled without rollback.
// Cancelling an already-cancelling workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r, live := e.runs[id]
	e.mu.Unlock()

	if !live {
		wf, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, id, wf.Status)
		}
		return fmt.Errorf("workflow %s is %s but not owned by this engine", id, wf.Status)
	}

	if !e.stop(ctx, r, "cancelled by operator") {
		if r.finished() {
			return fmt.Errorf("%w: %s", ErrWorkflowFinished, id)
		}
		return nil
	}
	e.logger.InfoContext(ctx, "workflow cancellation requested",
		slog.String("workflow_id", id),
	)
	return nil
}

// Delete removes a terminal workflow.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	_, live := e.runs[id]
	e.mu.Unlock()
	if live {
		return fmt.Errorf("%w: %s", ErrWorkflowActive, id)
	}

	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !wf.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowActive, id, wf.Status)
	}
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	e.logger.InfoContext(ctx, "workflow deleted", slog.String("workflow_id", id))
	return nil
}

// Wait blocks until the workflow is terminal or ctx ends, then returns its
// snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*Workflow, error) {
	e.mu.Lock()
	r, live := e.runs[id]
	e.mu.Unlock()

	if live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Get(ctx, id)
}

// Active returns the ids of workflows this engine is still driving.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown stops accepting workflows, cancels every running one and waits
// for them to settle or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		e.stop(ctx, r, "engine shutting down")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.InfoContext(ctx, "workflow engine stopped", slog.Int("cancelled", len(runs)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workflows: %w", ctx.Err())
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

