// Package orchestrator implements the workflow engine for stepguard.
// A workflow is an ordered list of tool steps. Each step is risk-assessed,
// gated by confirmation when dangerous, executed through the invoker with
// bounded retries, and on failure the completed steps are unwound in
// reverse through their compensating actions.
//
// The engine owns every workflow from submission to its terminal status.
// Callers only read snapshots or request cancellation.
package orchestrator

import (
	"slices"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowRunning    WorkflowStatus = "running"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowRolledBack WorkflowStatus = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowRolledBack:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepPending              StepStatus = "pending"
	StepAssessing            StepStatus = "assessing"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepRunning              StepStatus = "running"
	StepRetrying             StepStatus = "retrying"
	StepCompleted            StepStatus = "completed"
	StepFailed               StepStatus = "failed"
	StepSkipped              StepStatus = "skipped"
	StepRolledBack           StepStatus = "rolled_back"
)

// Terminal reports whether the step can no longer move. A completed step
// is not terminal: rollback may still move it to rolled_back.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepFailed, StepSkipped, StepRolledBack:
		return true
	}
	return false
}

// stepTransitions is the forward-only step graph. retrying → running is the
// only edge that revisits a status.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:              {StepAssessing, StepSkipped},
	StepAssessing:            {StepAwaitingConfirmation, StepRunning, StepFailed, StepSkipped},
	StepAwaitingConfirmation: {StepRunning, StepFailed, StepSkipped},
	StepRunning:              {StepRetrying, StepCompleted, StepFailed},
	StepRetrying:             {StepRunning, StepFailed},
	StepCompleted:            {StepRolledBack},
}

// workflowTransitions covers the workflow lifecycle. pending → cancelled is a
// cancel before the run started; pending → failed is a run lost to a restart.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending: {WorkflowRunning, WorkflowCancelled, WorkflowFailed},
	WorkflowRunning: {WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowRolledBack},
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to StepStatus) bool {
	return slices.Contains(stepTransitions[from], to)
}

func canTransitionWorkflow(from, to WorkflowStatus) bool {
	return slices.Contains(workflowTransitions[from], to)
}

// KindRollbackFailure is the workflow error kind when a compensating action
// failed. The partially rolled back state is left in history for manual
// remediation.
const KindRollbackFailure = "RollbackFailure"

// FailurePolicy decides what a failed step does to the rest of the workflow.
type FailurePolicy string

const (
	// PolicyAbort stops at the first failed step and rolls back.
	PolicyAbort FailurePolicy = "abort"
	// PolicyContinue runs every step and reports failure at the end.
	PolicyContinue FailurePolicy = "continue"
)

func (p FailurePolicy) valid() bool {
	return p == PolicyAbort || p == PolicyContinue
}

// HistoryKind classifies history entries. A rollback_started entry marks
// the running → failed edge of an aborted workflow; the status itself stays
// running until compensation settles on rolled_back or failed.
type HistoryKind string

const (
	HistoryWorkflowStatus  HistoryKind = "workflow_status"
	HistoryStepStatus      HistoryKind = "step_status"
	HistoryRollbackStarted HistoryKind = "rollback_started"
	HistoryRollback        HistoryKind = "rollback"
	HistoryRollbackSkipped HistoryKind = "rollback_skipped"
	HistoryRollbackFailed  HistoryKind = "rollback_failed"
	HistoryCancelRequested HistoryKind = "cancel_requested"
)

// Action is a tool call bound to parameters. Steps use it for their
// compensating action.
type Action struct {
	Tool       string         `json:"tool" yaml:"tool"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// StepResult holds what the final attempt of a step produced.
type StepResult struct {
	Output    string         `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// Step is one declared tool invocation within a workflow.
type Step struct {
	Name         string         `json:"name,omitempty"`
	Tool         string         `json:"tool"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Compensation *Action        `json:"compensation,omitempty"`

	// Independent steps adjacent to each other run concurrently and are
	// joined before the next step begins.
	Independent bool `json:"independent,omitempty"`
	// BestEffort failures never abort the workflow.
	BestEffort bool `json:"best_effort,omitempty"`

	// Per-step overrides. Zero values (nil pointers) use engine defaults.
	Timeout       time.Duration `json:"timeout,omitempty"`
	MaxRetries    *int          `json:"max_retries,omitempty"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
	RiskThreshold *float64      `json:"risk_threshold,omitempty"`

	ConfirmationTimeout time.Duration `json:"confirmation_timeout,omitempty"`

	Status       StepStatus               `json:"status"`
	InvocationID string                   `json:"invocation_id,omitempty"`
	Attempts     int                      `json:"attempts"`
	Risk         *security.RiskAssessment `json:"risk,omitempty"`
	Confirmation security.Confirmation    `json:"confirmation,omitempty"`
	Result       *StepResult              `json:"result,omitempty"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	FinishedAt   *time.Time               `json:"finished_at,omitempty"`
}

// HistoryEntry is one append-only record of what happened to a workflow.
// StepIndex is -1 for workflow-level entries.
type HistoryEntry struct {
	Seq          int                   `json:"seq"`
	Timestamp    time.Time             `json:"timestamp"`
	Kind         HistoryKind           `json:"kind"`
	StepIndex    int                   `json:"step_index"`
	From         string                `json:"from,omitempty"`
	To           string                `json:"to,omitempty"`
	Attempt      int                   `json:"attempt,omitempty"`
	InvocationID string                `json:"invocation_id,omitempty"`
	RiskScore    float64               `json:"risk_score,omitempty"`
	Confirmation security.Confirmation `json:"confirmation,omitempty"`
	Detail       string                `json:"detail,omitempty"`
}

// Workflow is the top-level unit of work.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Steps         []Step         `json:"steps"`
	Status        WorkflowStatus `json:"status"`
	FailurePolicy FailurePolicy  `json:"failure_policy"`
	Timeout       time.Duration  `json:"timeout"`
	SubmittedBy   string         `json:"submitted_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	History       []HistoryEntry `json:"history"`
}

// Clone returns a deep copy safe to hand to callers.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.clone()
	}
	c.History = slices.Clone(w.History)
	c.CompletedAt = clonePtr(w.CompletedAt)
	return &c
}

func (s Step) clone() Step {
	c := s
	c.Parameters = cloneMap(s.Parameters)
	if s.Compensation != nil {
		a := Action{Tool: s.Compensation.Tool, Parameters: cloneMap(s.Compensation.Parameters)}
		c.Compensation = &a
	}
	c.MaxRetries = clonePtr(s.MaxRetries)
	c.RiskThreshold = clonePtr(s.RiskThreshold)
	if s.Risk != nil {
		r := *s.Risk
		r.Reasons = slices.Clone(s.Risk.Reasons)
		c.Risk = &r
	}
	if s.Result != nil {
		r := *s.Result
		r.Metadata = cloneMap(s.Result.Metadata)
		c.Result = &r
	}
	c.StartedAt = clonePtr(s.StartedAt)
	c.FinishedAt = clonePtr(s.FinishedAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	default:
		return v
	}
}

// ListFilter selects workflows. Zero fields match everything.
type ListFilter struct {
	Status      WorkflowStatus
	SubmittedBy string
	Limit       int
}

// Match reports whether the workflow satisfies the filter.
func (f ListFilter) Match(w *Workflow) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.SubmittedBy != "" && w.SubmittedBy != f.SubmittedBy {
		return false
	}
	return true
}
