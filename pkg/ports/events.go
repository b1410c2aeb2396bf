package ports

import (
	"context"

	"github.com/aescanero/dagflow/pkg/domain"
)

// EventHandler processes one event
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes and delivers lifecycle events by topic
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
