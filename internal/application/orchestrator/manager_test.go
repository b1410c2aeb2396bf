package orchestrator

import (
	"context"
	"testing"
	"time"

	eventsmemory "github.com/aescanero/dagflow/pkg/adapters/events/memory"
	storagememory "github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/aescanero/dagflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	store   *storagememory.InMemoryStore
	bus     *eventsmemory.InMemoryEventBus
	builder *workflow.Builder
	manager *Manager
	metrics *submitMetrics
}

type submitMetrics struct {
	ports.NopMetrics
	submitted chan string
}

func (m *submitMetrics) RecordRunSubmitted(status string) {
	m.submitted <- status
}

func newFixture(t *testing.T, runTimeout time.Duration) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storagememory.NewInMemoryStore()
	bus := eventsmemory.NewInMemoryEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	registry := workflow.NewRegistry()
	metrics := &submitMetrics{submitted: make(chan string, 16)}
	executor := workflow.NewExecutor(store, registry, logger)

	return &fixture{
		store:   store,
		bus:     bus,
		builder: workflow.NewBuilder(store, registry, logger),
		manager: NewManager(executor, store, bus, metrics, logger, runTimeout),
		metrics: metrics,
	}
}

func (f *fixture) build(t *testing.T, root workflow.Step) *domain.Workflow {
	t.Helper()
	wf, err := f.builder.Build(context.Background(), "test", "", root)
	require.NoError(t, err)
	return wf
}

func (f *fixture) stepID(t *testing.T, workflowID, name string) string {
	t.Helper()
	status, err := f.manager.GetStatus(context.Background(), workflowID)
	require.NoError(t, err)
	for _, s := range status.Steps {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("step %s not found", name)
	return ""
}

func constant(v interface{}) workflow.StepFunc {
	return func(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
		return v, nil
	}
}

func TestManager_SubmitRunPublishesRequest(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	g := workflow.NewGraph()
	wf := f.build(t, g.Step("a", constant(1)))

	requests := make(chan domain.Event, 1)
	require.NoError(t, f.bus.Subscribe(ctx, domain.TopicRuns, func(ctx context.Context, event domain.Event) error {
		requests <- event
		return nil
	}))

	id, err := f.manager.SubmitRun(ctx, wf.ID, map[string]interface{}{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, SubmitStatusAccepted, <-f.metrics.submitted)

	select {
	case event := <-requests:
		assert.Equal(t, id, event.ID)
		assert.Equal(t, domain.EventTypeRunRequested, event.Type)
		assert.Equal(t, wf.ID, event.WorkflowID)
		assert.Equal(t, map[string]interface{}{"env": "prod"}, inputOf(event))
	case <-time.After(5 * time.Second):
		t.Fatal("run request not published")
	}
}

func TestManager_SubmitRunUnknownWorkflow(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.manager.SubmitRun(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, SubmitStatusRejected, <-f.metrics.submitted)
}

func TestManager_Execute(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	g := workflow.NewGraph()
	wf := f.build(t, g.Sequential(
		g.Step("a", constant(1)),
		g.Step("b", func(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
			return ec.Input["env"], nil
		}),
	))

	err := f.manager.Execute(ctx, domain.Event{
		ID:         "req-1",
		Type:       domain.EventTypeRunRequested,
		WorkflowID: wf.ID,
		Data:       map[string]interface{}{"input": map[string]interface{}{"env": "prod"}},
	})
	require.NoError(t, err)

	status, err := f.manager.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStateCompleted, status.Workflow.State)
	assert.False(t, status.Running)

	v, err := f.manager.StepResult(ctx, wf.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "prod", v)
}

func TestManager_ExecuteRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	assert.Error(t, f.manager.Execute(ctx, domain.Event{Type: domain.EventTypeStepStarted, WorkflowID: "x"}))
	assert.Error(t, f.manager.Execute(ctx, domain.Event{Type: domain.EventTypeRunRequested}))
}

func blocking(started chan<- struct{}) workflow.StepFunc {
	return func(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestManager_CancelRun(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	g := workflow.NewGraph()
	wf := f.build(t, g.Step("slow", blocking(started)))

	done := make(chan error, 1)
	go func() {
		done <- f.manager.Execute(ctx, domain.Event{
			ID:         "req-1",
			Type:       domain.EventTypeRunRequested,
			WorkflowID: wf.ID,
		})
	}()
	<-started

	_, err := f.manager.SubmitRun(ctx, wf.ID, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.ErrorIs(t, f.manager.DeleteWorkflow(ctx, wf.ID), domain.ErrAlreadyRunning)

	status, err := f.manager.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, status.Running)

	require.NoError(t, f.manager.CancelRun(ctx, wf.ID))
	assert.ErrorIs(t, <-done, context.Canceled)

	status, err = f.manager.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatePending, status.Workflow.State)
	assert.Equal(t, domain.WorkflowStatePending, status.Steps[0].State)

	assert.ErrorIs(t, f.manager.CancelRun(ctx, wf.ID), domain.ErrNotFound)
}

func TestManager_RunTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	started := make(chan struct{})
	g := workflow.NewGraph()
	wf := f.build(t, g.Step("slow", blocking(started)))

	err := f.manager.Execute(context.Background(), domain.Event{
		Type:       domain.EventTypeRunRequested,
		WorkflowID: wf.ID,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_RerunAndOverride(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	g := workflow.NewGraph()
	wf := f.build(t, g.Sequential(
		g.Step("a", constant(1)),
		g.Step("b", func(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
			n, err := workflow.ResultAs[int](ec.PrevResult())
			return n * 2, err
		}),
	))
	require.NoError(t, f.manager.Execute(ctx, domain.Event{Type: domain.EventTypeRunRequested, WorkflowID: wf.ID}))

	reset, err := f.manager.OverrideResult(ctx, f.stepID(t, wf.ID, "a"), 21)
	require.NoError(t, err)
	require.Len(t, reset, 2)

	require.NoError(t, f.manager.Execute(ctx, domain.Event{Type: domain.EventTypeRunRequested, WorkflowID: wf.ID}))
	v, err := f.manager.StepResult(ctx, wf.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	requests := make(chan domain.Event, 1)
	require.NoError(t, f.bus.Subscribe(ctx, domain.TopicRuns, func(ctx context.Context, event domain.Event) error {
		requests <- event
		return nil
	}))

	reset, err = f.manager.Rerun(ctx, f.stepID(t, wf.ID, "b"), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", reset[0].Name)

	select {
	case event := <-requests:
		assert.Equal(t, wf.ID, event.WorkflowID)
		require.NoError(t, f.manager.Execute(ctx, event))
	case <-time.After(5 * time.Second):
		t.Fatal("rerun did not request a run")
	}

	status, err := f.manager.GetStatus(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStateCompleted, status.Workflow.State)
}

func TestManager_ListAndDelete(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	g := workflow.NewGraph()
	wf := f.build(t, g.Step("a", constant(1)))

	workflows, err := f.manager.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, wf.ID, workflows[0].ID)

	require.NoError(t, f.manager.DeleteWorkflow(ctx, wf.ID))
	_, err = f.manager.GetStatus(ctx, wf.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t, time.Minute)

	started := make(chan struct{})
	g := workflow.NewGraph()
	wf := f.build(t, g.Step("slow", blocking(started)))

	done := make(chan error, 1)
	go func() {
		done <- f.manager.Execute(context.Background(), domain.Event{
			Type:       domain.EventTypeRunRequested,
			WorkflowID: wf.ID,
		})
	}()
	<-started

	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.ErrorIs(t, <-done, context.Canceled)
}
