package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
)

// InMemoryStore implements ports.Store using in-memory maps.
// Values are copied on the way in and out, so callers never share rows
// with the store. This is for testing and single-process demos.
type InMemoryStore struct {
	workflows map[string]*domain.Workflow
	steps     map[string]*domain.WorkflowStep
	order     map[string][]string // workflow ID -> step IDs in creation order
	mu        sync.RWMutex
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*domain.Workflow),
		steps:     make(map[string]*domain.WorkflowStep),
		order:     make(map[string][]string),
	}
}

// CreateWorkflow persists a workflow and its steps
func (s *InMemoryStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow already exists: %s", wf.ID)
	}
	for _, step := range steps {
		if _, exists := s.steps[step.ID]; exists {
			return fmt.Errorf("step already exists: %s", step.ID)
		}
	}

	s.workflows[wf.ID] = wf.Clone()
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		s.steps[step.ID] = step.Clone()
		ids = append(ids, step.ID)
	}
	s.order[wf.ID] = ids
	return nil
}

// GetWorkflow retrieves a workflow by ID
func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return wf.Clone(), nil
}

// ListWorkflows returns every workflow, oldest first
func (s *InMemoryStore) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateWorkflowState sets the state of a workflow
func (s *InMemoryStore) UpdateWorkflowState(ctx context.Context, id string, state domain.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	wf.State = state
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteWorkflow removes a workflow and its steps
func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	for _, stepID := range s.order[id] {
		delete(s.steps, stepID)
	}
	delete(s.order, id)
	delete(s.workflows, id)
	return nil
}

// ListSteps returns the steps of a workflow in creation order
func (s *InMemoryStore) ListSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.order[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	out := make([]*domain.WorkflowStep, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.steps[id].Clone())
	}
	return out, nil
}

// GetStep retrieves a step by ID
func (s *InMemoryStore) GetStep(ctx context.Context, id string) (*domain.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, domain.ErrNotFound)
	}
	return step.Clone(), nil
}

// UpdateSteps writes the mutable fields of the given steps. Either every
// step is written or none is.
func (s *InMemoryStore) UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range steps {
		if _, ok := s.steps[step.ID]; !ok {
			return fmt.Errorf("step %s: %w", step.ID, domain.ErrNotFound)
		}
	}
	for _, step := range steps {
		stored := s.steps[step.ID]
		stored.State = step.State
		stored.Error = step.Error
		stored.FailedReason = step.FailedReason
		stored.UpdatedAt = step.UpdatedAt
		stored.Result = nil
		if step.Result != nil {
			stored.Result = append([]byte(nil), step.Result...)
		}
	}
	return nil
}
