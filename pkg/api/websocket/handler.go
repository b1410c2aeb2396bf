package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one open stream, filtered to a single workflow
type client struct {
	workflowID string
	send       chan domain.Event
}

// Handler streams lifecycle events to WebSocket clients. It holds one
// subscription per topic and fans events out to every client watching
// the event's workflow.
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// Start subscribes to workflow and step events until ctx is cancelled
func (h *Handler) Start(ctx context.Context) error {
	for _, topic := range []string{domain.TopicWorkflow, domain.TopicSteps} {
		if err := h.eventBus.Subscribe(ctx, topic, h.broadcast); err != nil {
			return err
		}
	}
	return nil
}

// broadcast delivers an event to the clients of its workflow. A client
// that cannot keep up loses the event rather than stalling the bus.
func (h *Handler) broadcast(ctx context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.workflowID != event.WorkflowID {
			continue
		}
		select {
		case c.send <- event:
		default:
			h.logger.Warn("client buffer full, dropping event",
				zap.String("workflow_id", event.WorkflowID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Handler) register(workflowID string) *client {
	c := &client{
		workflowID: workflowID,
		send:       make(chan domain.Event, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Handler) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of open streams
func (h *Handler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWorkflowStream handles WebSocket streaming for a specific workflow
func (h *Handler) HandleWorkflowStream(c *gin.Context) {
	workflowID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("workflow_id", workflowID),
		zap.String("client", c.ClientIP()))

	cl := h.register(workflowID)
	defer h.unregister(cl)

	// the read loop only notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}
		}
	}
}
