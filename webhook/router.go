package webhook

import (
	"context"
	"log/slog"
)

// Result is the outcome of dispatching one event, used for the response body
// and logging only.
type Result struct {
	Message string
	Ignored bool // true when the event type has no handler
}

// HandlerFunc processes one event of a registered type.
type HandlerFunc func(ctx context.Context, evt *Event) (*Result, error)

// Router dispatches verified events to type-specific handlers. Event types
// without a handler are logged and acknowledged so Stripe does not retry
// events this service intentionally ignores.
type Router struct {
	handlers map[EventType]HandlerFunc
	logger   *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[EventType]HandlerFunc),
		logger:   logger.With("component", "webhook"),
	}
}

// Handle registers a handler for an event type.
func (r *Router) Handle(t EventType, fn HandlerFunc) {
	r.handlers[t] = fn
}

// Dispatch routes an event to exactly one handler by exact type match.
func (r *Router) Dispatch(ctx context.Context, evt *Event) (*Result, error) {
	fn, ok := r.handlers[evt.Type]
	if !ok {
		r.logger.Info("ignoring unhandled event type", "type", evt.Type, "event_id", evt.ID)
		return &Result{Message: "unhandled event type, acknowledged", Ignored: true}, nil
	}
	return fn(ctx, evt)
}
