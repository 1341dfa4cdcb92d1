// Package ext defines opt-in lifecycle hooks for observing the dispatchers.
//
// Extensions implement only the hook interfaces they care about. The
// Registry fans each signal out to every extension that implements it; hook
// errors are logged and never affect dispatch outcomes.
package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/task"
)

// Extension is the base interface all extensions implement.
type Extension interface {
	// Name identifies the extension in logs.
	Name() string
}

// EventHook observes the event dispatcher.
type EventHook interface {
	Extension
	OnEventAppended(ctx context.Context, evt *event.Event) error
	OnEventProcessed(ctx context.Context, evt *event.Event, took time.Duration) error
	OnEventRetrying(ctx context.Context, evt *event.Event, cause error) error
	OnEventDeadLettered(ctx context.Context, evt *event.Event, entry *dlq.Entry) error
}

// TaskHook observes the task dispatcher.
type TaskHook interface {
	Extension
	OnTaskScheduled(ctx context.Context, t *task.Task) error
	OnTaskStarted(ctx context.Context, t *task.Task) error
	OnTaskCompleted(ctx context.Context, t *task.Task, took time.Duration) error
	OnTaskFailed(ctx context.Context, t *task.Task, cause error) error
	OnTaskRetrying(ctx context.Context, t *task.Task, nextAt time.Time) error
}

// LifecycleHook observes introduction lifecycle milestones.
type LifecycleHook interface {
	Extension
	OnLoopClosed(ctx context.Context, subjectID string) error
}

// MaintenanceHook observes background sweeps.
type MaintenanceHook interface {
	Extension
	OnSweepFired(ctx context.Context, name string, affected int) error
}

// ShutdownHook runs during graceful shutdown, before stores close.
type ShutdownHook interface {
	Extension
	OnShutdown(ctx context.Context) error
}

// Registry holds registered extensions and fans out signals.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger
}

// NewRegistry creates an extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Registration order is emission order.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions = append(r.extensions, e)
}

// Extensions returns the registered extensions in registration order.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.extensions))
	copy(out, r.extensions)
	return out
}

func (r *Registry) hookErr(name, hook string, err error) {
	if err != nil {
		r.logger.Warn("extension hook failed",
			slog.String("extension", name),
			slog.String("hook", hook),
			slog.String("error", err.Error()))
	}
}

// EmitEventAppended notifies event hooks of a new event.
func (r *Registry) EmitEventAppended(ctx context.Context, evt *event.Event) {
	for _, e := range r.Extensions() {
		if h, ok := e.(EventHook); ok {
			r.hookErr(e.Name(), "event_appended", h.OnEventAppended(ctx, evt))
		}
	}
}

// EmitEventProcessed notifies event hooks of a successful dispatch.
func (r *Registry) EmitEventProcessed(ctx context.Context, evt *event.Event, took time.Duration) {
	for _, e := range r.Extensions() {
		if h, ok := e.(EventHook); ok {
			r.hookErr(e.Name(), "event_processed", h.OnEventProcessed(ctx, evt, took))
		}
	}
}

// EmitEventRetrying notifies event hooks of a failed attempt that will retry.
func (r *Registry) EmitEventRetrying(ctx context.Context, evt *event.Event, cause error) {
	for _, e := range r.Extensions() {
		if h, ok := e.(EventHook); ok {
			r.hookErr(e.Name(), "event_retrying", h.OnEventRetrying(ctx, evt, cause))
		}
	}
}

// EmitEventDeadLettered notifies event hooks of an exhausted event.
func (r *Registry) EmitEventDeadLettered(ctx context.Context, evt *event.Event, entry *dlq.Entry) {
	for _, e := range r.Extensions() {
		if h, ok := e.(EventHook); ok {
			r.hookErr(e.Name(), "event_dead_lettered", h.OnEventDeadLettered(ctx, evt, entry))
		}
	}
}

// EmitTaskScheduled notifies task hooks of a newly created task.
func (r *Registry) EmitTaskScheduled(ctx context.Context, t *task.Task) {
	for _, e := range r.Extensions() {
		if h, ok := e.(TaskHook); ok {
			r.hookErr(e.Name(), "task_scheduled", h.OnTaskScheduled(ctx, t))
		}
	}
}

// EmitTaskStarted notifies task hooks that a handler is about to run.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	for _, e := range r.Extensions() {
		if h, ok := e.(TaskHook); ok {
			r.hookErr(e.Name(), "task_started", h.OnTaskStarted(ctx, t))
		}
	}
}

// EmitTaskCompleted notifies task hooks of a successful run.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, took time.Duration) {
	for _, e := range r.Extensions() {
		if h, ok := e.(TaskHook); ok {
			r.hookErr(e.Name(), "task_completed", h.OnTaskCompleted(ctx, t, took))
		}
	}
}

// EmitTaskFailed notifies task hooks of a terminal failure.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, cause error) {
	for _, e := range r.Extensions() {
		if h, ok := e.(TaskHook); ok {
			r.hookErr(e.Name(), "task_failed", h.OnTaskFailed(ctx, t, cause))
		}
	}
}

// EmitTaskRetrying notifies task hooks of a failed attempt rescheduled for
// nextAt.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, nextAt time.Time) {
	for _, e := range r.Extensions() {
		if h, ok := e.(TaskHook); ok {
			r.hookErr(e.Name(), "task_retrying", h.OnTaskRetrying(ctx, t, nextAt))
		}
	}
}

// EmitLoopClosed notifies lifecycle hooks that an introduction reached its
// terminal completed state.
func (r *Registry) EmitLoopClosed(ctx context.Context, subjectID string) {
	for _, e := range r.Extensions() {
		if h, ok := e.(LifecycleHook); ok {
			r.hookErr(e.Name(), "loop_closed", h.OnLoopClosed(ctx, subjectID))
		}
	}
}

// EmitSweepFired notifies maintenance hooks that a sweep ran.
func (r *Registry) EmitSweepFired(ctx context.Context, name string, affected int) {
	for _, e := range r.Extensions() {
		if h, ok := e.(MaintenanceHook); ok {
			r.hookErr(e.Name(), "sweep_fired", h.OnSweepFired(ctx, name, affected))
		}
	}
}

// EmitShutdown runs shutdown hooks in reverse registration order.
func (r *Registry) EmitShutdown(ctx context.Context) {
	exts := r.Extensions()
	for i := len(exts) - 1; i >= 0; i-- {
		if h, ok := exts[i].(ShutdownHook); ok {
			r.hookErr(exts[i].Name(), "shutdown", h.OnShutdown(ctx))
		}
	}
}
