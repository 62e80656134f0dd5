package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/security"
)

var (
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowActive   = errors.New("workflow is still active")
	ErrWorkflowFinished = errors.New("workflow already finished")
	ErrRollbackFailure  = errors.New("rollback failed")
	ErrEngineClosed     = errors.New("engine is shut down")
)

// WorkflowStore persists workflow state. The engine writes after every
// transition. Implementations: in-memory, sqlite and postgres (gorm).
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow returns ErrWorkflowNotFound when id is unknown.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// ListWorkflows returns matches newest first.
	ListWorkflows(ctx context.Context, f ListFilter) ([]Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// RiskAssessor scores a tool call against a threshold.
type RiskAssessor interface {
	AssessWithThreshold(s security.Subject, threshold float64) security.RiskAssessment
}

// Confirmer suspends a gated invocation until it is decided.
type Confirmer interface {
	Request(ctx context.Context, req approval.Request, wait time.Duration) (approval.Verdict, error)
}

var (
	_ RiskAssessor = (*security.Assessor)(nil)
	_ Confirmer    = (*approval.Gate)(nil)
)
