package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/stepguard/internal/orchestrator"
)

// --- Workflow ---

func toWorkflowModel(wf *orchestrator.Workflow) (WorkflowModel, error) {
	steps, err := json.Marshal(nonNil(wf.Steps))
	if err != nil {
		return WorkflowModel{}, fmt.Errorf("encoding steps of workflow %s: %w", wf.ID, err)
	}
	history, err := json.Marshal(nonNil(wf.History))
	if err != nil {
		return WorkflowModel{}, fmt.Errorf("encoding history of workflow %s: %w", wf.ID, err)
	}
	return WorkflowModel{
		ID:            wf.ID,
		Name:          wf.Name,
		Description:   wf.Description,
		Status:        string(wf.Status),
		FailurePolicy: string(wf.FailurePolicy),
		TimeoutMS:     wf.Timeout.Milliseconds(),
		SubmittedBy:   wf.SubmittedBy,
		Error:         wf.Error,
		ErrorKind:     wf.ErrorKind,
		Steps:         JSONB(steps),
		History:       JSONB(history),
		CreatedAt:     wf.CreatedAt,
		UpdatedAt:     wf.UpdatedAt,
		CompletedAt:   wf.CompletedAt,
	}, nil
}

func toWorkflowDomain(m *WorkflowModel) (*orchestrator.Workflow, error) {
	wf := &orchestrator.Workflow{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Status:        orchestrator.WorkflowStatus(m.Status),
		FailurePolicy: orchestrator.FailurePolicy(m.FailurePolicy),
		Timeout:       time.Duration(m.TimeoutMS) * time.Millisecond,
		SubmittedBy:   m.SubmittedBy,
		Error:         m.Error,
		ErrorKind:     m.ErrorKind,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		CompletedAt:   m.CompletedAt,
	}
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &wf.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps of workflow %s: %w", m.ID, err)
		}
	}
	if len(m.History) > 0 {
		if err := json.Unmarshal(m.History, &wf.History); err != nil {
			return nil, fmt.Errorf("decoding history of workflow %s: %w", m.ID, err)
		}
	}
	return wf, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
