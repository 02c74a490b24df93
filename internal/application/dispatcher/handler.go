package dispatcher

import (
	"context"

	"github.com/garyjia/erp-autoentry/internal/domain/event"
)

// Handler processes domain events
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo contains handler metadata for debugging.
// EventType is empty for handlers subscribed to every event.
type HandlerInfo struct {
	Name      string
	EventType event.Type
	Handler   Handler
}
