package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements WorkflowStore using an in-memory map.
// Used when no database is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewInMemoryStore creates an empty in-memory workflow store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{workflows: make(map[string]*Workflow)}
}

func (s *InMemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) UpdateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, wf.ID)
	}
	cp := wf.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.workflows[wf.ID] = cp
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) ListWorkflows(_ context.Context, f ListFilter) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Workflow
	for _, wf := range s.workflows {
		if f.Match(wf) {
			result = append(result, *wf.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	delete(s.workflows, id)
	return nil
}

// Compile-time check.
var _ WorkflowStore = (*InMemoryStore)(nil)
