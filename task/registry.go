package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is the type-erased task handler invoked by the dispatcher.
// The returned bytes become the task's Result on success. Errors marked
// with Terminal fail the task without further retries.
type HandlerFunc func(ctx context.Context, t *Task) ([]byte, error)

// Definition pairs a task name with a typed handler. The dispatcher decodes
// the task's context payload into T before invoking the handler.
type Definition[T any] struct {
	Name    string
	Handler func(ctx context.Context, t *Task, payload T) ([]byte, error)
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, t *Task, payload T) ([]byte, error)) *Definition[T] {
	return &Definition[T]{Name: name, Handler: handler}
}

// Registry maps task names to handlers. A task whose name has no registered
// handler fails terminally on dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// RegisterDefinition registers a typed definition, wrapping it so the
// context payload is decoded into T. A zero T is passed when the task
// carries no context.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	r.RegisterFunc(def.Name, func(ctx context.Context, t *Task) ([]byte, error) {
		var payload T
		if len(t.Context) > 0 {
			if err := json.Unmarshal(t.Context, &payload); err != nil {
				return nil, Terminal(fmt.Errorf("decode task context for %q: %w", def.Name, err))
			}
		}
		return def.Handler(ctx, t, payload)
	})
}

// RegisterFunc registers an untyped handler under name, replacing any
// existing registration.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Get returns the handler for name, or false if none is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered task names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
