package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkRerun resets a finished step and every step downstream of it to
// pending, and moves the workflow back to pending. Steps outside the
// forward closure keep their state and results. The reset steps are
// returned.
func (e *Executor) MarkRerun(ctx context.Context, stepID string) ([]*domain.WorkflowStep, error) {
	target, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if target.State != domain.WorkflowStateCompleted && target.State != domain.WorkflowStateFailed {
		return nil, fmt.Errorf("%w: step %s is %s", domain.ErrNotRerunnable, target.Name, target.State)
	}

	if !e.claim(target.WorkflowID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, target.WorkflowID)
	}
	defer e.release(target.WorkflowID)

	reset, err := e.invalidate(ctx, target, true)
	if err != nil {
		return nil, err
	}

	e.logger.Info("step marked for rerun",
		zap.String("workflow_id", target.WorkflowID),
		zap.String("step_id", target.ID),
		zap.String("step_name", target.Name),
		zap.Int("invalidated", len(reset)))
	e.metrics.RecordRerun(len(reset))
	e.publish(ctx, domain.TopicWorkflow, domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventTypeWorkflowRerun,
		WorkflowID: target.WorkflowID,
		StepID:     target.ID,
		StepName:   target.Name,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]interface{}{"invalidated": len(reset)},
	})
	return reset, nil
}

// Rerun marks the step for rerun and runs the workflow again
func (e *Executor) Rerun(ctx context.Context, stepID string, input map[string]interface{}) (*domain.Workflow, error) {
	reset, err := e.MarkRerun(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, reset[0].WorkflowID, input)
}

// OverrideResult replaces the stored result of a completed step and resets
// everything downstream of it, so the next run recomputes from the new
// value. The step itself stays completed.
func (e *Executor) OverrideResult(ctx context.Context, stepID string, value interface{}) ([]*domain.WorkflowStep, error) {
	target, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if target.State != domain.WorkflowStateCompleted {
		return nil, fmt.Errorf("%w: step %s is %s", domain.ErrNotRerunnable, target.Name, target.State)
	}

	blob, _, err := encodeResult(value)
	if err != nil {
		return nil, err
	}

	if !e.claim(target.WorkflowID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, target.WorkflowID)
	}
	defer e.release(target.WorkflowID)

	target.Result = blob
	target.UpdatedAt = time.Now().UTC()
	reset, err := e.invalidate(ctx, target, false)
	if err != nil {
		return nil, err
	}

	e.logger.Info("step result overridden",
		zap.String("workflow_id", target.WorkflowID),
		zap.String("step_id", target.ID),
		zap.Int("invalidated", len(reset)))
	e.metrics.RecordRerun(len(reset))
	return reset, nil
}

// StepResult returns the decoded result of a completed step by name
func (e *Executor) StepResult(ctx context.Context, workflowID, name string) (interface{}, error) {
	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list steps", Err: err}
	}
	for _, s := range steps {
		if s.Name != name {
			continue
		}
		if s.State != domain.WorkflowStateCompleted {
			return nil, fmt.Errorf("step %s is %s: %w", name, s.State, domain.ErrNotFound)
		}
		return decodeResult(s)
	}
	return nil, fmt.Errorf("step %s: %w", name, domain.ErrNotFound)
}

func (e *Executor) getStep(ctx context.Context, stepID string) (*domain.WorkflowStep, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("step %s: %w", stepID, err)
		}
		return nil, &domain.PersistenceError{Op: "get step", Err: err}
	}
	return step, nil
}

// invalidate resets the forward closure of target in one batch. When
// includeTarget is false the target row is written as given and left out
// of the returned steps.
func (e *Executor) invalidate(ctx context.Context, target *domain.WorkflowStep, includeTarget bool) ([]*domain.WorkflowStep, error) {
	steps, err := e.store.ListSteps(ctx, target.WorkflowID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list steps", Err: err}
	}
	byID := make(map[string]*domain.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	now := time.Now().UTC()
	if includeTarget {
		target.Reset(now)
	}
	batch := []*domain.WorkflowStep{target}
	for _, id := range descendants(target.ID, successors(steps)) {
		s := byID[id]
		s.Reset(now)
		batch = append(batch, s)
	}

	if err := e.store.UpdateSteps(ctx, batch...); err != nil {
		return nil, &domain.PersistenceError{Op: "reset steps", Err: err}
	}
	if err := e.store.UpdateWorkflowState(ctx, target.WorkflowID, domain.WorkflowStatePending); err != nil {
		return nil, &domain.PersistenceError{Op: "update workflow state", Err: err}
	}
	if includeTarget {
		return batch, nil
	}
	return batch[1:], nil
}
