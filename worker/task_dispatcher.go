package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/backoff"
	"github.com/loopmark/introq/ext"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/middleware"
	"github.com/loopmark/introq/task"
)

// QueueManager controls per-kind and per-user rate limiting and concurrency.
// The task dispatcher calls Acquire before running a claimed task and
// Release after the run completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the kind/user
	// combination. Returns true if the task is allowed to proceed.
	Acquire(kind, userID string) bool
	// Release decrements the active count for the kind/user pair.
	Release(kind, userID string)
}

// TaskDispatcherConfig wires a TaskDispatcher.
type TaskDispatcherConfig struct {
	Store    task.Store
	Registry *task.Registry
	Audit    audit.Store

	// Queue is optional; without it no rate limits apply.
	Queue QueueManager

	// Hooks is optional.
	Hooks *ext.Registry

	Logger *slog.Logger

	// BatchSize is the claim size per poll cycle.
	BatchSize int

	// PollInterval is the cadence between poll cycles.
	PollInterval time.Duration

	// Backoff computes the retry delay; defaults to the 60s exponential
	// schedule.
	Backoff backoff.Strategy

	// StaleThreshold is how long a task may sit in processing before the
	// reaper returns it to pending.
	StaleThreshold time.Duration

	// HandlerTimeout bounds each handler invocation via the timeout
	// middleware. Zero means no deadline.
	HandlerTimeout time.Duration

	// Middleware wraps every handler invocation.
	Middleware []middleware.Middleware
}

// TaskDispatcher claims due scheduled tasks and runs them through their
// registered handlers, applying the retry state machine and writing one
// audit action per invocation.
type TaskDispatcher struct {
	store     task.Store
	registry  *task.Registry
	audit     audit.Store
	queue     QueueManager
	hooks     *ext.Registry
	logger    *slog.Logger
	workerID  id.WorkerID
	batchSize int
	interval  time.Duration
	backoff   backoff.Strategy
	staleAge  time.Duration
	timeout   time.Duration
	mw        middleware.Middleware

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewTaskDispatcher creates a task dispatcher.
func NewTaskDispatcher(cfg TaskDispatcherConfig) *TaskDispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	bo := cfg.Backoff
	if bo == nil {
		bo = backoff.TaskDefault()
	}
	staleAge := cfg.StaleThreshold
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	return &TaskDispatcher{
		store:     cfg.Store,
		registry:  cfg.Registry,
		audit:     cfg.Audit,
		queue:     cfg.Queue,
		hooks:     cfg.Hooks,
		logger:    logger,
		workerID:  id.NewWorkerID(),
		batchSize: batch,
		interval:  interval,
		backoff:   bo,
		staleAge:  staleAge,
		timeout:   cfg.HandlerTimeout,
		mw:        middleware.Chain(cfg.Middleware...),
	}
}

// WorkerID returns the dispatcher's unique worker identifier.
func (d *TaskDispatcher) WorkerID() id.WorkerID { return d.workerID }

// Start launches the poll loop. It returns immediately.
func (d *TaskDispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.logger.Info("task dispatcher starting",
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
func (d *TaskDispatcher) Stop(ctx context.Context) error {
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
		d.logger.Info("task dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("task dispatcher shutdown timed out")
	}
	return nil
}

func (d *TaskDispatcher) pollLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if _, err := d.DispatchDue(context.Background()); err != nil {
			d.logger.Error("task batch failed", slog.String("error", err.Error()))
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.interval):
		}
	}
}

// DispatchDue claims one batch of due pending tasks and runs each in
// priority order. Returns how many handlers were invoked.
func (d *TaskDispatcher) DispatchDue(ctx context.Context) (int, error) {
	tasks, err := d.store.ClaimDueTasks(ctx, d.workerID, d.batchSize)
	if err != nil {
		return 0, err
	}

	invoked := 0
	for _, t := range tasks {
		if d.dispatchOne(ctx, t) {
			invoked++
		}
	}
	return invoked, nil
}

// ReapStale returns tasks stuck in processing beyond the stale threshold to
// pending. The visibility timeout guards against dispatcher crashes that
// would otherwise strand claimed tasks forever.
func (d *TaskDispatcher) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-d.staleAge)
	reaped, err := d.store.ReapStaleTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		d.logger.Warn("reaped stale processing tasks", slog.Int("count", reaped))
	}
	return reaped, nil
}

// ProcessTask claims and runs a single pending task immediately, ignoring
// its scheduled time. The claim is a conditional store transition, so a
// task already picked up by a poll cycle is refused with ErrTaskNotPending
// instead of being run a second time. Reports whether the handler was
// invoked.
func (d *TaskDispatcher) ProcessTask(ctx context.Context, taskID id.TaskID) (bool, error) {
	t, err := d.store.ClaimPendingTask(ctx, d.workerID, taskID)
	if err != nil {
		return false, err
	}
	return d.dispatchOne(ctx, t), nil
}

// dispatchOne runs a single claimed task. Reports whether the handler was
// invoked.
func (d *TaskDispatcher) dispatchOne(ctx context.Context, t *task.Task) bool {
	// Rate limit check: blocked tasks go back to pending with a short
	// delay rather than being dropped.
	if d.queue != nil && !d.queue.Acquire(t.AgentKind, t.UserID.String()) {
		t.State = task.StatePending
		t.ScheduledFor = time.Now().UTC().Add(d.interval)
		if err := d.store.UpdateTask(ctx, t); err != nil {
			d.logger.Error("failed to requeue rate-limited task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
		}
		return false
	}
	if d.queue != nil {
		defer d.queue.Release(t.AgentKind, t.UserID.String())
	}

	attempt := t.RetryCount + 1

	handler, ok := d.registry.Get(t.Name)
	if !ok {
		// A task nobody handles can never succeed.
		d.finish(ctx, t, attempt, nil, task.Terminal(errUnroutableTask(t.Name)), 0)
		return true
	}

	if d.hooks != nil {
		d.hooks.EmitTaskStarted(ctx, t)
	}

	inv := &middleware.Invocation{
		Kind:      "task",
		ID:        t.ID,
		Name:      t.Name,
		Attempt:   attempt,
		UserID:    t.UserID,
		AgentKind: t.AgentKind,
		Timeout:   d.timeout,
	}

	var result []byte
	start := time.Now()
	err := d.mw(ctx, inv, func(ctx context.Context) error {
		var handlerErr error
		result, handlerErr = handler(ctx, t)
		return handlerErr
	})
	elapsed := time.Since(start)

	d.finish(ctx, t, attempt, result, err, elapsed)
	return true
}

// finish applies the result state machine and records the audit action.
func (d *TaskDispatcher) finish(ctx context.Context, t *task.Task, attempt int, result []byte, handlerErr error, elapsed time.Duration) {
	now := time.Now().UTC()

	switch {
	case handlerErr == nil:
		t.State = task.StateCompleted
		t.Result = result
		t.LastError = ""
		t.CompletedAt = &now

	case task.IsTerminal(handlerErr):
		t.State = task.StateFailed
		t.LastError = handlerErr.Error()

	default:
		t.RetryCount++
		t.LastError = handlerErr.Error()
		if t.RetryCount > t.MaxRetries {
			t.State = task.StateFailed
		} else {
			t.State = task.StatePending
			t.ScheduledFor = now.Add(d.backoff.Delay(t.RetryCount))
		}
	}

	if err := d.store.UpdateTask(ctx, t); err != nil {
		d.logger.Error("failed to update task after invocation",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}

	d.recordAction(ctx, t, attempt, result, handlerErr, elapsed)
	d.emitOutcome(ctx, t, handlerErr, elapsed)
}

// recordAction writes the per-invocation audit trail entry.
func (d *TaskDispatcher) recordAction(ctx context.Context, t *task.Task, attempt int, result []byte, handlerErr error, elapsed time.Duration) {
	a := &audit.Action{
		ID:        id.NewActionID(),
		TaskID:    t.ID,
		TaskName:  t.Name,
		AgentKind: t.AgentKind,
		UserID:    t.UserID,
		Attempt:   attempt,
		Success:   handlerErr == nil,
		Input:     t.Context,
		Result:    result,
		Duration:  elapsed,
		CreatedAt: time.Now().UTC(),
	}
	if handlerErr != nil {
		a.Error = handlerErr.Error()
	}
	if err := d.audit.RecordAction(ctx, a); err != nil {
		d.logger.Error("failed to record audit action",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
}

func (d *TaskDispatcher) emitOutcome(ctx context.Context, t *task.Task, handlerErr error, elapsed time.Duration) {
	if d.hooks == nil {
		return
	}
	switch t.State {
	case task.StateCompleted:
		d.hooks.EmitTaskCompleted(ctx, t, elapsed)
	case task.StateFailed:
		d.hooks.EmitTaskFailed(ctx, t, handlerErr)
	case task.StatePending:
		d.hooks.EmitTaskRetrying(ctx, t, t.ScheduledFor)
	}
}

type errUnroutableTask string

func (e errUnroutableTask) Error() string {
	return "no handler registered for task " + string(e)
}
