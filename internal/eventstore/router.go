package eventstore

import (
	"context"

	"github.com/transfa/payment-service/internal/domain"
)

// EventHandlerFunc handles one decoded event.
type EventHandlerFunc func(ctx context.Context, env Envelope) error

// Router dispatches envelopes by event type. Types without a route are ignored.
type Router struct {
	routes map[domain.EventType]EventHandlerFunc
}

func NewRouter() *Router {
	return &Router{routes: make(map[domain.EventType]EventHandlerFunc)}
}

// On registers fn for eventType, replacing any earlier registration.
func (r *Router) On(eventType domain.EventType, fn EventHandlerFunc) *Router {
	r.routes[eventType] = fn
	return r
}

func (r *Router) Handles(eventType domain.EventType) bool {
	_, ok := r.routes[eventType]
	return ok
}

func (r *Router) Handle(ctx context.Context, env Envelope) error {
	fn, ok := r.routes[env.Type]
	if !ok {
		return nil
	}
	return fn(ctx, env)
}
