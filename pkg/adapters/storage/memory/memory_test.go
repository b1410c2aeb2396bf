package memory

import (
	"context"
	"testing"

	"github.com/aescanero/dagflow/pkg/adapters/storage/storagetest"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ports.Store {
		return NewInMemoryStore()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wf, steps := storagetest.Fixture()
	require.NoError(t, store.CreateWorkflow(ctx, wf, steps))

	steps[0].State = domain.WorkflowStateCompleted
	step, err := store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatePending, step.State)

	step.PredecessorIDs = append(step.PredecessorIDs, "bogus")
	again, err := store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Empty(t, again.PredecessorIDs)
}

func TestInMemoryStore_DuplicateWorkflow(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wf, steps := storagetest.Fixture()
	require.NoError(t, store.CreateWorkflow(ctx, wf, steps))
	assert.Error(t, store.CreateWorkflow(ctx, wf, nil))
}
