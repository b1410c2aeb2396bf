package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	eventsmemory "github.com/aescanero/dagflow/pkg/adapters/events/memory"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/aescanero/dagflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockStore struct {
	mock.Mock
}

var _ ports.Store = (*mockStore)(nil)

func (m *mockStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	return m.Called(ctx, wf, steps).Error(0)
}

func (m *mockStore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	args := m.Called(ctx, id)
	wf, _ := args.Get(0).(*domain.Workflow)
	return wf, args.Error(1)
}

func (m *mockStore) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	args := m.Called(ctx)
	workflows, _ := args.Get(0).([]*domain.Workflow)
	return workflows, args.Error(1)
}

func (m *mockStore) UpdateWorkflowState(ctx context.Context, id string, state domain.WorkflowState) error {
	return m.Called(ctx, id, state).Error(0)
}

func (m *mockStore) DeleteWorkflow(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) ListSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	args := m.Called(ctx, workflowID)
	steps, _ := args.Get(0).([]*domain.WorkflowStep)
	return steps, args.Error(1)
}

func (m *mockStore) GetStep(ctx context.Context, id string) (*domain.WorkflowStep, error) {
	args := m.Called(ctx, id)
	step, _ := args.Get(0).(*domain.WorkflowStep)
	return step, args.Error(1)
}

func (m *mockStore) UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error {
	return m.Called(ctx, steps).Error(0)
}

var errUnavailable = errors.New("store unavailable")

func newMockedManager(t *testing.T, store *mockStore) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := eventsmemory.NewInMemoryEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })
	executor := workflow.NewExecutor(store, workflow.NewRegistry(), logger)
	return NewManager(executor, store, bus, nil, logger, time.Minute)
}

func TestManager_StoreFailures(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(nil, errUnavailable)
	store.On("ListWorkflows", mock.Anything).Return(nil, errUnavailable)
	store.On("DeleteWorkflow", mock.Anything, "wf-1").Return(errUnavailable)

	m := newMockedManager(t, store)

	_, err := m.SubmitRun(ctx, "wf-1", nil)
	assert.ErrorIs(t, err, errUnavailable)

	_, err = m.GetStatus(ctx, "wf-1")
	assert.ErrorIs(t, err, errUnavailable)

	_, err = m.ListWorkflows(ctx)
	assert.ErrorIs(t, err, errUnavailable)

	assert.ErrorIs(t, m.DeleteWorkflow(ctx, "wf-1"), errUnavailable)

	store.AssertExpectations(t)
}

func TestManager_ExecuteSurfacesPersistenceErrors(t *testing.T) {
	store := &mockStore{}
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(&domain.Workflow{
		ID:    "wf-1",
		State: domain.WorkflowStatePending,
	}, nil)
	store.On("ListSteps", mock.Anything, "wf-1").Return(nil, errUnavailable)

	m := newMockedManager(t, store)

	err := m.Execute(context.Background(), domain.Event{
		Type:       domain.EventTypeRunRequested,
		WorkflowID: "wf-1",
	})
	require.Error(t, err)

	var perr *domain.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, errUnavailable)
	store.AssertNotCalled(t, "UpdateSteps", mock.Anything, mock.Anything)
}
