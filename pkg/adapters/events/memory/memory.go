package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("event bus is closed")

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// InMemoryEventBus implements EventBus using in-process handlers.
// Handlers run on their own goroutine per event, so a slow subscriber
// never blocks the publisher.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	closed      bool
	logger      *zap.Logger
	inflight    sync.WaitGroup
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Publish publishes an event to all subscribers of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.inflight.Add(len(subs))
	e.mu.RUnlock()

	for _, sub := range subs {
		go func(h ports.EventHandler) {
			defer e.inflight.Done()
			if err := h(ctx, event); err != nil {
				e.logger.Warn("event handler failed",
					zap.String("topic", topic),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}(sub.handler)
	}

	return nil
}

// Subscribe registers handler on topic until ctx is cancelled
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Close drops every subscriber and waits for running handlers
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	e.closed = true
	e.subscribers = make(map[string][]subscription)
	e.mu.Unlock()

	e.inflight.Wait()
	return nil
}

func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
