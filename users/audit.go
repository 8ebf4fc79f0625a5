package users

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-gateway/messaging"
)

// AuditHandler consumes QueueEvents and keeps the most recent events
type AuditHandler struct {
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	events []UserEvent
}

// NewAuditHandler keeps up to limit events
func NewAuditHandler(logger *slog.Logger, limit int) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 1000
	}
	return &AuditHandler{logger: logger, limit: limit}
}

// HandleMessage implements messaging.MessageHandler. Unknown events are
// rejected so they are dropped rather than recorded.
func (h *AuditHandler) HandleMessage(ctx context.Context, req *messaging.InboundRequest) error {
	var ev UserEvent
	if err := req.Bind(&ev); err != nil {
		return fmt.Errorf("decode user event: %w", err)
	}

	switch ev.Event {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return fmt.Errorf("unknown user event %q", ev.Event)
	}

	h.mu.Lock()
	h.events = append(h.events, ev)
	if len(h.events) > h.limit {
		h.events = h.events[len(h.events)-h.limit:]
	}
	h.mu.Unlock()

	h.logger.Info("user event", "event", ev.Event, "id", ev.ID, "messageId", req.MessageID)
	return nil
}

// Events returns a copy of the recorded events, oldest first
func (h *AuditHandler) Events() []UserEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]UserEvent, len(h.events))
	copy(out, h.events)
	return out
}
