// Package storagetest holds the behaviour every ports.Store implementation
// must share, run against each backend by its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture returns a workflow with three steps a -> sequential -> b, plus
// a gate on b
func Fixture() (*domain.Workflow, []*domain.WorkflowStep) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	wf := &domain.Workflow{
		ID:          uuid.New().String(),
		Name:        "triage",
		Description: "fixture",
		State:       domain.WorkflowStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	a := uuid.New().String()
	seq := uuid.New().String()
	b := uuid.New().String()
	gate := uuid.New().String()
	step := func(id, name, ref string, op domain.StepType, preds ...string) *domain.WorkflowStep {
		if preds == nil {
			preds = []string{}
		}
		return &domain.WorkflowStep{
			ID:             id,
			Name:           name,
			CallableRef:    ref,
			StepType:       op,
			WorkflowID:     wf.ID,
			PredecessorIDs: preds,
			State:          domain.WorkflowStatePending,
			FailedReason:   domain.FailedReasonNone,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	steps := []*domain.WorkflowStep{
		step(a, "a", "a", domain.StepTypeNone),
		step(seq, "sequential#2", "", domain.StepTypeSequential, a),
		step(b, "b", "probe", domain.StepTypeNone, seq),
		step(gate, "cond_true#3", "", domain.StepTypeCondTrue, b),
	}
	steps[2].Metadata = []byte(`{"v":1,"kind":"object","data":{"unit":"ms"}}`)
	return wf, steps
}

// Run exercises store against the shared contract. newStore must return
// an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		store := newStore(t)
		wf, steps := Fixture()
		require.NoError(t, store.CreateWorkflow(ctx, wf, steps))

		got, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Description, got.Description)
		assert.Equal(t, domain.WorkflowStatePending, got.State)
		assert.WithinDuration(t, wf.CreatedAt, got.CreatedAt, time.Millisecond)

		listed, err := store.ListSteps(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, listed, len(steps))
		for i, s := range listed {
			assert.Equal(t, steps[i].ID, s.ID)
			assert.Equal(t, steps[i].Name, s.Name)
			assert.Equal(t, steps[i].CallableRef, s.CallableRef)
			assert.Equal(t, steps[i].StepType, s.StepType)
			assert.Equal(t, wf.ID, s.WorkflowID)
			assert.ElementsMatch(t, steps[i].PredecessorIDs, s.PredecessorIDs)
			assert.Equal(t, domain.FailedReasonNone, s.FailedReason)
		}
		assert.Equal(t, steps[2].Metadata, listed[2].Metadata)

		step, err := store.GetStep(ctx, steps[1].ID)
		require.NoError(t, err)
		assert.Equal(t, []string{steps[0].ID}, step.PredecessorIDs)
	})

	t.Run("unknown ids", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetStep(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.ListSteps(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, store.UpdateWorkflowState(ctx, "missing", domain.WorkflowStateRunning), domain.ErrNotFound)
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, "missing"), domain.ErrNotFound)
	})

	t.Run("update steps", func(t *testing.T) {
		store := newStore(t)
		wf, steps := Fixture()
		require.NoError(t, store.CreateWorkflow(ctx, wf, steps))

		now := time.Now().UTC()
		a := steps[0].Clone()
		a.State = domain.WorkflowStateCompleted
		a.Result = []byte(`{"v":1,"kind":"number","data":42}`)
		a.UpdatedAt = now
		b := steps[2].Clone()
		b.State = domain.WorkflowStateFailed
		b.Error = "connection refused"
		b.FailedReason = domain.FailedReasonRuntimeError
		b.UpdatedAt = now

		require.NoError(t, store.UpdateSteps(ctx, a, b))

		got, err := store.GetStep(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStateCompleted, got.State)
		assert.Equal(t, a.Result, got.Result)

		got, err = store.GetStep(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStateFailed, got.State)
		assert.Equal(t, "connection refused", got.Error)
		assert.Equal(t, domain.FailedReasonRuntimeError, got.FailedReason)
		assert.Equal(t, steps[2].Metadata, got.Metadata)

		a.Reset(now)
		require.NoError(t, store.UpdateSteps(ctx, a))
		got, err = store.GetStep(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatePending, got.State)
		assert.Empty(t, got.Result)
	})

	t.Run("update steps is all or nothing", func(t *testing.T) {
		store := newStore(t)
		wf, steps := Fixture()
		require.NoError(t, store.CreateWorkflow(ctx, wf, steps))

		a := steps[0].Clone()
		a.State = domain.WorkflowStateCompleted
		ghost := steps[1].Clone()
		ghost.ID = "missing"

		assert.ErrorIs(t, store.UpdateSteps(ctx, a, ghost), domain.ErrNotFound)

		got, err := store.GetStep(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatePending, got.State)
	})

	t.Run("workflow lifecycle", func(t *testing.T) {
		store := newStore(t)
		wf, steps := Fixture()
		require.NoError(t, store.CreateWorkflow(ctx, wf, steps))

		require.NoError(t, store.UpdateWorkflowState(ctx, wf.ID, domain.WorkflowStateCompleted))
		got, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStateCompleted, got.State)

		other, otherSteps := Fixture()
		require.NoError(t, store.CreateWorkflow(ctx, other, otherSteps))

		all, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, w := range all {
			ids = append(ids, w.ID)
		}
		assert.ElementsMatch(t, []string{wf.ID, other.ID}, ids)

		require.NoError(t, store.DeleteWorkflow(ctx, wf.ID))
		_, err = store.GetWorkflow(ctx, wf.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetStep(ctx, steps[0].ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		remaining, err := store.ListSteps(ctx, other.ID)
		require.NoError(t, err)
		assert.Len(t, remaining, len(otherSteps))
	})
}
