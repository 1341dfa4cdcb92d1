package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased event handler. It receives the full event so
// handlers can read the aggregate reference and use the event ID as an
// idempotency key. Returning an error signals a retryable failure.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Definition is a typed event handler definition.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the event name this handler consumes.
	Name string

	// Handler processes the decoded payload. The raw event is passed
	// alongside so handlers can reach the aggregate reference and ID.
	Handler func(ctx context.Context, evt *Event, payload T) error
}

// NewDefinition creates a typed event handler definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, evt *Event, payload T) error) *Definition[T] {
	return &Definition[T]{Name: name, Handler: handler}
}

// Registry maps event names to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterDefinition registers a typed event definition. The generic handler
// is wrapped in a closure that JSON-unmarshals the payload into T before
// calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, evt *Event) error {
		var t T
		if len(evt.Payload) > 0 {
			if err := json.Unmarshal(evt.Payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for event %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, evt, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
}

// RegisterFunc registers a raw handler for the given event name.
func (r *Registry) RegisterFunc(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for the given event name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
