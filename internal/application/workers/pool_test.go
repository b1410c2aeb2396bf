package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	eventsmemory "github.com/aescanero/dagflow/pkg/adapters/events/memory"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	executed chan domain.Event
	block    bool
	stopped  chan error
}

func newFakeRunner(block bool) *fakeRunner {
	return &fakeRunner{
		executed: make(chan domain.Event, 8),
		block:    block,
		stopped:  make(chan error, 8),
	}
}

func (r *fakeRunner) Execute(ctx context.Context, event domain.Event) error {
	r.executed <- event
	if r.block {
		<-ctx.Done()
		r.stopped <- ctx.Err()
		return ctx.Err()
	}
	return nil
}

type poolMetrics struct {
	ports.NopMetrics
	mu   sync.Mutex
	last [3]int
}

func (m *poolMetrics) RecordWorkerPoolStatus(idle, busy, stopped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = [3]int{idle, busy, stopped}
}

func (m *poolMetrics) snapshot() [3]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func runRequest(workflowID string) domain.Event {
	return domain.Event{
		ID:         "req-" + workflowID,
		Type:       domain.EventTypeRunRequested,
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
	}
}

func waitForEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run request")
		return domain.Event{}
	}
}

func TestPool_ExecutesRunRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := eventsmemory.NewInMemoryEventBus(logger)
	defer bus.Close()
	runner := newFakeRunner(false)

	pool := NewPool(2, bus, runner, nil, logger, time.Hour)
	require.NoError(t, pool.Start())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.TopicRuns, runRequest("wf-1")))
	require.NoError(t, bus.Publish(ctx, domain.TopicRuns, runRequest("wf-2")))

	seen := map[string]bool{}
	seen[waitForEvent(t, runner.executed).WorkflowID] = true
	seen[waitForEvent(t, runner.executed).WorkflowID] = true
	assert.Equal(t, map[string]bool{"wf-1": true, "wf-2": true}, seen)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))

	for id, status := range pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, status, id)
	}
}

func TestPool_IgnoresOtherEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runner := newFakeRunner(false)
	pool := NewPool(1, eventsmemory.NewInMemoryEventBus(logger), runner, nil, logger, time.Hour)

	require.NoError(t, pool.enqueue(context.Background(), domain.Event{Type: domain.EventTypeStepStarted}))
	select {
	case <-runner.executed:
		t.Fatal("non run event was executed")
	default:
	}
}

func TestPool_ShutdownCancelsInFlightRuns(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := eventsmemory.NewInMemoryEventBus(logger)
	defer bus.Close()
	runner := newFakeRunner(true)
	metrics := &poolMetrics{}

	pool := NewPool(1, bus, runner, metrics, logger, time.Hour)
	require.NoError(t, pool.Start())

	require.NoError(t, bus.Publish(context.Background(), domain.TopicRuns, runRequest("wf-1")))
	waitForEvent(t, runner.executed)

	require.Eventually(t, func() bool {
		return metrics.snapshot() == [3]int{0, 1, 0}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, WorkerStatusBusy, pool.GetStatus()["worker-0"])

	status := pool.Health().GetStatus()
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.BusyWorkers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.ErrorIs(t, <-runner.stopped, context.Canceled)
	assert.Equal(t, [3]int{0, 0, 1}, metrics.snapshot())
	assert.False(t, pool.Health().IsHealthy())
}

func TestPool_EnqueueAfterShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := NewPool(1, eventsmemory.NewInMemoryEventBus(logger), newFakeRunner(false), nil, logger, 0)
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Error(t, pool.enqueue(context.Background(), runRequest("wf-1")))
}

func TestHealthMonitor_Status(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := NewPool(3, eventsmemory.NewInMemoryEventBus(logger), newFakeRunner(false), nil, logger, time.Hour)

	status := pool.Health().GetStatus()
	assert.Equal(t, 3, status.TotalWorkers)
	assert.Equal(t, 3, status.StoppedWorkers)
	assert.False(t, status.Healthy)

	pool.workers[0].setStatus(WorkerStatusIdle)
	pool.workers[1].setStatus(WorkerStatusIdle)
	pool.workers[2].setStatus(WorkerStatusBusy)

	status = pool.Health().GetStatus()
	assert.Equal(t, 2, status.IdleWorkers)
	assert.Equal(t, 1, status.BusyWorkers)
	assert.True(t, status.Healthy)
}

func TestHealthMonitor_RecordsPeriodically(t *testing.T) {
	logger := zaptest.NewLogger(t)
	metrics := &poolMetrics{}
	pool := NewPool(2, eventsmemory.NewInMemoryEventBus(logger), newFakeRunner(false), metrics, logger, 10*time.Millisecond)
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	assert.Eventually(t, func() bool {
		return metrics.snapshot() == [3]int{2, 0, 0}
	}, 5*time.Second, 10*time.Millisecond)
}
