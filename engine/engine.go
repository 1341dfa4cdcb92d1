// Package engine wires all introq subsystems together: the extension
// registry, event and task registries, middleware chain, dispatcher loops,
// maintenance sweeper, and the introduction lifecycle service.
//
// This package exists to break the import cycle: the root introq package
// defines the Runtime (imported by subsystem packages for errors and
// config) and so cannot import those packages back. The engine package
// sits above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/backoff"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/ext"
	"github.com/loopmark/introq/gateway"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
	mw "github.com/loopmark/introq/middleware"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/queue"
	"github.com/loopmark/introq/sweep"
	"github.com/loopmark/introq/task"
	"github.com/loopmark/introq/worker"
)

// Engine wraps a Runtime with typed subsystem access.
// Use Build() to create one from a Runtime.
type Engine struct {
	rt         *introq.Runtime
	extensions *ext.Registry
	events     *event.Registry
	tasks      *task.Registry
	mws        []mw.Middleware

	eventStore    event.Store
	taskStore     task.Store
	auditStore    audit.Store
	priorityStore priority.Store

	dlqService *dlq.Service
	ledger     *credit.Ledger
	lifecycle  *lifecycle.Service
	scheduler  *task.Scheduler

	eventLoop *worker.EventDispatcher
	taskLoop  *worker.TaskDispatcher
	sweeper   *sweep.Sweeper

	// Gateway for user notifications (defaults to gateway.Nop).
	gw gateway.Messenger

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Lifecycle tuning.
	reminderDelay time.Duration

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithGateway sets the user notification channel. If not set, messages are
// discarded.
func WithGateway(g gateway.Messenger) Option {
	return func(eng *Engine) {
		eng.gw = g
	}
}

// WithQueueConfig registers agent-kind-level rate limiting and concurrency
// configurations. Kinds not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithReminderDelay overrides how long after acceptance the offer
// confirmation reminder fires.
func WithReminderDelay(d time.Duration) Option {
	return func(eng *Engine) {
		eng.reminderDelay = d
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Runtime. The Runtime's store
// must implement the subsystem store interfaces (store.Store does).
func Build(rt *introq.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	st := rt.Store()

	if st == nil {
		return nil, introq.ErrNoStore
	}

	es, ok := st.(event.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement event.Store")
	}
	ts, ok := st.(task.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement task.Store")
	}
	dls, ok := st.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement dlq.Store")
	}
	as, ok := st.(audit.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement audit.Store")
	}
	crs, ok := st.(credit.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement credit.Store")
	}
	ps, ok := st.(priority.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement priority.Store")
	}
	ls, ok := st.(lifecycle.Store)
	if !ok {
		return nil, fmt.Errorf("introq: store does not implement lifecycle.Store")
	}

	eng := &Engine{
		rt:            rt,
		extensions:    ext.NewRegistry(logger),
		events:        event.NewRegistry(),
		tasks:         task.NewRegistry(),
		eventStore:    es,
		taskStore:     ts,
		auditStore:    as,
		priorityStore: ps,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.gw == nil {
		eng.gw = gateway.Nop{}
	}

	eng.dlqService = dlq.NewService(dls, es)
	eng.ledger = credit.NewLedger(crs)
	eng.scheduler = task.NewScheduler(ts, logger)

	// Lifecycle service plus its event and task handlers.
	eng.lifecycle = lifecycle.NewService(lifecycle.ServiceConfig{
		Store:         ls,
		Events:        es,
		Tasks:         ts,
		Credits:       eng.ledger,
		Priority:      ps,
		Gateway:       eng.gw,
		Hooks:         eng.extensions,
		Logger:        logger,
		ReminderDelay: eng.reminderDelay,
	})
	eng.lifecycle.RegisterEventHandlers(eng.events)
	eng.lifecycle.RegisterTaskHandlers(eng.tasks)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/loopmark/introq")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/loopmark/introq")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
	}

	config := rt.Config()
	eng.eventLoop = worker.NewEventDispatcher(worker.EventDispatcherConfig{
		Store:          es,
		Registry:       eng.events,
		DLQ:            eng.dlqService,
		Hooks:          eng.extensions,
		Logger:         logger,
		BatchSize:      config.EventBatchSize,
		PollInterval:   config.EventPollInterval,
		ClaimLease:     config.ClaimLease,
		MaxRetries:     config.MaxEventRetries,
		HandlerTimeout: config.HandlerTimeout,
		Middleware:     allMws,
	})

	taskCfg := worker.TaskDispatcherConfig{
		Store:          ts,
		Registry:       eng.tasks,
		Audit:          as,
		Hooks:          eng.extensions,
		Logger:         logger,
		BatchSize:      config.TaskBatchSize,
		PollInterval:   config.TaskPollInterval,
		Backoff:        backoff.NewExponential(config.TaskBackoffInitial, config.TaskBackoffMax),
		StaleThreshold: config.StaleTaskThreshold,
		HandlerTimeout: config.HandlerTimeout,
		Middleware:     allMws,
	}
	if eng.queueManager != nil {
		taskCfg.Queue = eng.queueManager
	}
	eng.taskLoop = worker.NewTaskDispatcher(taskCfg)

	eng.sweeper = sweep.New(sweep.Config{
		Tasks:    eng.taskLoop,
		DLQ:      eng.dlqService,
		Priority: ps,
		Hooks:    eng.extensions,
		Logger:   logger,
	})

	// Wire back into the Runtime.
	rt.AddLoop(eng.eventLoop)
	rt.AddLoop(eng.taskLoop)
	rt.AddLoop(eng.sweeper)
	rt.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterEvent registers a typed event definition with the engine.
func RegisterEvent[T any](eng *Engine, def *event.Definition[T]) {
	event.RegisterDefinition(eng.events, def)
}

// RegisterTask registers a typed task definition with the engine.
func RegisterTask[T any](eng *Engine, def *task.Definition[T]) {
	task.RegisterDefinition(eng.tasks, def)
}

// Append appends a typed event to the durable log.
func Append[T any](ctx context.Context, eng *Engine, name string, payload T) (*event.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for event %q: %w", name, err)
	}
	return eng.AppendRaw(ctx, name, data)
}

// AppendRaw appends an event with a pre-serialized payload.
func (eng *Engine) AppendRaw(ctx context.Context, name string, payload []byte) (*event.Event, error) {
	evt := &event.Event{
		ID:        id.NewEventID(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}
	if err := eng.eventStore.AppendEvent(ctx, evt); err != nil {
		return nil, err
	}
	eng.extensions.EmitEventAppended(ctx, evt)
	return evt, nil
}

// Schedule schedules a task with a typed context payload. The caller fills
// in Name, UserID, ScheduledFor and the like on t; defaults are applied by
// the scheduler.
func Schedule[T any](ctx context.Context, eng *Engine, t *task.Task, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal context for task %q: %w", t.Name, err)
	}
	t.Context = data
	return eng.ScheduleRaw(ctx, t)
}

// ScheduleRaw schedules a task with a pre-serialized context.
func (eng *Engine) ScheduleRaw(ctx context.Context, t *task.Task) error {
	if err := eng.scheduler.Schedule(ctx, t); err != nil {
		return err
	}
	eng.extensions.EmitTaskScheduled(ctx, t)
	return nil
}

// TriggerEventBatch runs one event dispatch cycle outside the poll loop.
// Returns how many events were settled.
func (eng *Engine) TriggerEventBatch(ctx context.Context) (int, error) {
	return eng.eventLoop.DispatchBatch(ctx)
}

// TriggerTaskBatch runs one task dispatch cycle outside the poll loop.
// Returns how many handlers were invoked.
func (eng *Engine) TriggerTaskBatch(ctx context.Context) (int, error) {
	return eng.taskLoop.DispatchDue(ctx)
}

// ProcessEvent dispatches a single unprocessed event immediately. Reports
// whether the event reached a terminal outcome.
func (eng *Engine) ProcessEvent(ctx context.Context, eventID id.EventID) (bool, error) {
	return eng.eventLoop.ProcessEvent(ctx, eventID)
}

// ProcessTask runs a single pending task immediately, ignoring its
// scheduled time. Reports whether the handler was invoked.
func (eng *Engine) ProcessTask(ctx context.Context, taskID id.TaskID) (bool, error) {
	return eng.taskLoop.ProcessTask(ctx, taskID)
}

// Health reports queue depths, progress watermarks, and the handler names
// currently registered with the engine.
type Health struct {
	UnprocessedEvents int        `json:"unprocessed_events"`
	PendingTasks      int        `json:"pending_tasks"`
	DeadLetters       int        `json:"dead_letters"`
	LastProcessedAt   *time.Time `json:"last_processed_at,omitempty"`
	LastCompletedAt   *time.Time `json:"last_completed_at,omitempty"`
	RegisteredEvents  []string   `json:"registered_events"`
	RegisteredTasks   []string   `json:"registered_tasks"`
}

// Health pings the store and gathers the backlog counters.
func (eng *Engine) Health(ctx context.Context) (*Health, error) {
	if err := eng.rt.Store().Ping(ctx); err != nil {
		return nil, err
	}

	processed := false
	events, err := eng.eventStore.CountEvents(ctx, event.CountOpts{Processed: &processed})
	if err != nil {
		return nil, err
	}
	tasks, err := eng.taskStore.CountTasks(ctx, task.CountOpts{State: task.StatePending})
	if err != nil {
		return nil, err
	}
	letters, err := eng.dlqService.Count(ctx)
	if err != nil {
		return nil, err
	}
	lastEvent, err := eng.eventStore.LastProcessedAt(ctx)
	if err != nil {
		return nil, err
	}
	lastTask, err := eng.taskStore.LastCompletedAt(ctx)
	if err != nil {
		return nil, err
	}

	return &Health{
		UnprocessedEvents: events,
		PendingTasks:      tasks,
		DeadLetters:       letters,
		LastProcessedAt:   lastEvent,
		LastCompletedAt:   lastTask,
		RegisteredEvents:  eng.events.Names(),
		RegisteredTasks:   eng.tasks.Names(),
	}, nil
}

// Start begins event and task processing via the Runtime.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.rt.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.rt.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Events returns the event handler registry.
func (eng *Engine) Events() *event.Registry { return eng.events }

// Tasks returns the task handler registry.
func (eng *Engine) Tasks() *task.Registry { return eng.tasks }

// Runtime returns the underlying Runtime.
func (eng *Engine) Runtime() *introq.Runtime { return eng.rt }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Lifecycle returns the introduction lifecycle service.
func (eng *Engine) Lifecycle() *lifecycle.Service { return eng.lifecycle }

// Ledger returns the credit ledger.
func (eng *Engine) Ledger() *credit.Ledger { return eng.ledger }

// EventStore returns the event store interface of the runtime's backend.
func (eng *Engine) EventStore() event.Store { return eng.eventStore }

// TaskStore returns the task store interface of the runtime's backend.
func (eng *Engine) TaskStore() task.Store { return eng.taskStore }

// AuditStore returns the audit store interface of the runtime's backend.
func (eng *Engine) AuditStore() audit.Store { return eng.auditStore }

// PriorityStore returns the priority store interface of the runtime's
// backend.
func (eng *Engine) PriorityStore() priority.Store { return eng.priorityStore }

// Sweeper returns the maintenance sweeper.
func (eng *Engine) Sweeper() *sweep.Sweeper { return eng.sweeper }

// QueueManager returns the queue manager, or nil if no queue configs were
// provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
