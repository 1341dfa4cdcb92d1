package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/ext"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/middleware"
)

// EventDispatcherConfig wires an EventDispatcher.
type EventDispatcherConfig struct {
	Store    event.Store
	Registry *event.Registry
	DLQ      *dlq.Service

	// Hooks is optional.
	Hooks *ext.Registry

	Logger *slog.Logger

	// BatchSize is the claim size per poll cycle.
	BatchSize int

	// PollInterval is the fixed cadence between poll cycles. Failed
	// events wait for a later cycle, so the interval doubles as the
	// implicit retry delay.
	PollInterval time.Duration

	// ClaimLease bounds how long a claimed event stays invisible to
	// other dispatcher replicas.
	ClaimLease time.Duration

	// MaxRetries is the attempt budget before dead-lettering.
	MaxRetries int

	// HandlerTimeout bounds each handler invocation via the timeout
	// middleware. Zero means no deadline.
	HandlerTimeout time.Duration

	// Middleware wraps every handler invocation.
	Middleware []middleware.Middleware
}

// EventDispatcher drains the durable event log: it claims batches of
// unprocessed events and routes each through its registered handler.
type EventDispatcher struct {
	store      event.Store
	registry   *event.Registry
	dlq        *dlq.Service
	hooks      *ext.Registry
	logger     *slog.Logger
	workerID   id.WorkerID
	batchSize  int
	interval   time.Duration
	lease      time.Duration
	maxRetries int
	timeout    time.Duration
	mw         middleware.Middleware

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewEventDispatcher creates an event dispatcher.
func NewEventDispatcher(cfg EventDispatcherConfig) *EventDispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lease := cfg.ClaimLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &EventDispatcher{
		store:      cfg.Store,
		registry:   cfg.Registry,
		dlq:        cfg.DLQ,
		hooks:      cfg.Hooks,
		logger:     logger,
		workerID:   id.NewWorkerID(),
		batchSize:  batch,
		interval:   interval,
		lease:      lease,
		maxRetries: maxRetries,
		timeout:    cfg.HandlerTimeout,
		mw:         middleware.Chain(cfg.Middleware...),
	}
}

// WorkerID returns the dispatcher's unique worker identifier.
func (d *EventDispatcher) WorkerID() id.WorkerID { return d.workerID }

// Start launches the poll loop. It returns immediately.
func (d *EventDispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.logger.Info("event dispatcher starting",
		slog.String("worker_id", d.workerID.String()),
		slog.Duration("poll_interval", d.interval),
		slog.Int("batch_size", d.batchSize),
	)

	d.wg.Add(1)
	go d.pollLoop()
	return nil
}

// Stop signals the poll loop to stop and waits for it to finish or for the
// context deadline.
func (d *EventDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("event dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("event dispatcher shutdown timed out")
	}
	return nil
}

func (d *EventDispatcher) pollLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if _, err := d.DispatchBatch(context.Background()); err != nil {
			d.logger.Error("event batch failed", slog.String("error", err.Error()))
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.interval):
		}
	}
}

// DispatchBatch claims one batch of unprocessed events and dispatches each
// in order. Item outcomes are isolated: one failing event never blocks the
// rest of the batch. Returns how many events reached a terminal outcome
// (processed or dead-lettered).
func (d *EventDispatcher) DispatchBatch(ctx context.Context) (int, error) {
	events, err := d.store.ClaimEvents(ctx, d.workerID, d.batchSize, d.lease)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, evt := range events {
		if d.dispatchOne(ctx, evt) {
			settled++
		}
	}
	return settled, nil
}

// ProcessEvent dispatches a single event immediately, bypassing the claim
// poll. The event must still be unprocessed; a concurrent poll cycle may
// deliver it a second time, which at-least-once semantics permit. Reports
// whether the event reached a terminal outcome.
func (d *EventDispatcher) ProcessEvent(ctx context.Context, eventID id.EventID) (bool, error) {
	evt, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	if evt.Processed {
		return false, introq.ErrEventAlreadyProcessed
	}
	return d.dispatchOne(ctx, evt), nil
}

// dispatchOne routes a single event. Reports whether the event reached a
// terminal outcome.
func (d *EventDispatcher) dispatchOne(ctx context.Context, evt *event.Event) bool {
	handler, ok := d.registry.Get(evt.Name)
	if !ok {
		// Unroutable events are terminal, not an error: mark processed
		// so they never block the log.
		d.logger.Debug("no handler for event",
			slog.String("event_name", evt.Name),
			slog.String("event_id", evt.ID.String()))
		if err := d.store.MarkEventProcessed(ctx, evt.ID); err != nil {
			d.logger.Error("failed to mark unroutable event processed",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", err.Error()))
			return false
		}
		return true
	}

	inv := &middleware.Invocation{
		Kind:    "event",
		ID:      evt.ID,
		Name:    evt.Name,
		Attempt: evt.Retry.Count + 1,
		Timeout: d.timeout,
	}

	start := time.Now()
	err := d.mw(ctx, inv, func(ctx context.Context) error {
		return handler(ctx, evt)
	})
	elapsed := time.Since(start)

	if err == nil {
		if markErr := d.store.MarkEventProcessed(ctx, evt.ID); markErr != nil {
			d.logger.Error("failed to mark event processed",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", markErr.Error()))
			return false
		}
		if d.hooks != nil {
			d.hooks.EmitEventProcessed(ctx, evt, elapsed)
		}
		return true
	}

	return d.handleFailure(ctx, evt, err)
}

// handleFailure applies the retry budget: below the cap the retry state is
// persisted and the claim released; at the cap the event is dead-lettered
// exactly once and then marked processed.
func (d *EventDispatcher) handleFailure(ctx context.Context, evt *event.Event, handlerErr error) bool {
	now := time.Now().UTC()
	retry := event.RetryState{
		Count:       evt.Retry.Count + 1,
		LastError:   handlerErr.Error(),
		LastErrorAt: &now,
	}

	if retry.Count < d.maxRetries {
		d.logger.Warn("event handler failed, will retry",
			slog.String("event_name", evt.Name),
			slog.String("event_id", evt.ID.String()),
			slog.Int("retry_count", retry.Count),
			slog.String("error", handlerErr.Error()))

		if err := d.store.RecordEventRetry(ctx, evt.ID, retry); err != nil {
			d.logger.Error("failed to record event retry",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", err.Error()))
		}
		if d.hooks != nil {
			d.hooks.EmitEventRetrying(ctx, evt, handlerErr)
		}
		return false
	}

	// Retries exhausted: dead-letter, then close the event out.
	evt.Retry = retry
	entry, err := d.dlq.Push(ctx, evt, handlerErr)
	if err != nil {
		// Leave the retry state persisted so a later cycle can try the
		// dead-letter push again.
		d.logger.Error("failed to push event to dead letter queue",
			slog.String("event_id", evt.ID.String()),
			slog.String("error", err.Error()))
		if recErr := d.store.RecordEventRetry(ctx, evt.ID, retry); recErr != nil {
			d.logger.Error("failed to record event retry",
				slog.String("event_id", evt.ID.String()),
				slog.String("error", recErr.Error()))
		}
		return false
	}

	d.logger.Error("event dead-lettered",
		slog.String("event_name", evt.Name),
		slog.String("event_id", evt.ID.String()),
		slog.Int("retry_count", retry.Count),
		slog.String("error", handlerErr.Error()))

	if err := d.store.RecordEventRetry(ctx, evt.ID, retry); err != nil {
		d.logger.Error("failed to record final retry state",
			slog.String("event_id", evt.ID.String()),
			slog.String("error", err.Error()))
	}
	if err := d.store.MarkEventProcessed(ctx, evt.ID); err != nil {
		d.logger.Error("failed to mark dead-lettered event processed",
			slog.String("event_id", evt.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	if d.hooks != nil {
		d.hooks.EmitEventDeadLettered(ctx, evt, entry)
	}
	return true
}
