package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(t *testing.T) (func(context.Context, domain.Event) error, func() []domain.Event) {
	var mu sync.Mutex
	var got []domain.Event
	handler := func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		return nil
	}
	events := func() []domain.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Event(nil), got...)
	}
	return handler, events
}

func TestInMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	ctx := context.Background()

	handler, events := collect(t)
	require.NoError(t, bus.Subscribe(ctx, domain.TopicSteps, handler))

	require.NoError(t, bus.Publish(ctx, domain.TopicSteps, domain.Event{ID: "1", Type: domain.EventTypeStepCompleted}))
	require.NoError(t, bus.Publish(ctx, domain.TopicWorkflow, domain.Event{ID: "2", Type: domain.EventTypeWorkflowStarted}))

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "1", events()[0].ID)
}

func TestInMemoryEventBus_ContextEndsSubscription(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	handler, events := collect(t)
	keep, kept := collect(t)
	require.NoError(t, bus.Subscribe(ctx, domain.TopicSteps, handler))
	require.NoError(t, bus.Subscribe(context.Background(), domain.TopicSteps, keep))

	cancel()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers[domain.TopicSteps]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), domain.TopicSteps, domain.Event{ID: "1"}))
	require.NoError(t, bus.Close())
	assert.Empty(t, events())
	assert.Len(t, kept(), 1)
}

func TestInMemoryEventBus_HandlerErrorsAreContained(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	ctx := context.Background()

	failing := func(ctx context.Context, event domain.Event) error { return errors.New("boom") }
	handler, events := collect(t)
	require.NoError(t, bus.Subscribe(ctx, domain.TopicRuns, failing))
	require.NoError(t, bus.Subscribe(ctx, domain.TopicRuns, handler))

	require.NoError(t, bus.Publish(ctx, domain.TopicRuns, domain.Event{ID: "1"}))
	require.NoError(t, bus.Close())
	assert.Len(t, events(), 1)
}

func TestInMemoryEventBus_Close(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, bus.Unsubscribe(ctx, domain.TopicRuns))
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, domain.TopicRuns, domain.Event{}), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(ctx, domain.TopicRuns, func(context.Context, domain.Event) error { return nil }), ErrClosed)
}
