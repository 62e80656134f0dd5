package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/stepguard/internal/orchestrator"
)

// WorkflowRepository implements orchestrator.WorkflowStore with GORM.
type WorkflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a WorkflowRepository.
func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, wf *orchestrator.Workflow) error {
	model, err := toWorkflowModel(wf)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow overwrites every column of an existing row.
func (r *WorkflowRepository) UpdateWorkflow(ctx context.Context, wf *orchestrator.Workflow) error {
	model, err := toWorkflowModel(wf)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&WorkflowModel{}).
		Where("id = ?", wf.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("updating workflow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, wf.ID)
	}
	return nil
}

func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id string) (*orchestrator.Workflow, error) {
	var model WorkflowModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("getting workflow %s: %w", id, err)
	}
	return toWorkflowDomain(&model)
}

// ListWorkflows returns matching workflows, newest first.
func (r *WorkflowRepository) ListWorkflows(ctx context.Context, f orchestrator.ListFilter) ([]orchestrator.Workflow, error) {
	var models []WorkflowModel
	if err := r.db.WithContext(ctx).Scopes(WorkflowScope(f)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	out := make([]orchestrator.Workflow, 0, len(models))
	for i := range models {
		wf, err := toWorkflowDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, nil
}

func (r *WorkflowRepository) DeleteWorkflow(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&WorkflowModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting workflow %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, id)
	}
	return nil
}

// Compile-time check.
var _ orchestrator.WorkflowStore = (*WorkflowRepository)(nil)
