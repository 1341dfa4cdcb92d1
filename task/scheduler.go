package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopmark/introq/id"
)

// Scheduler creates tasks with the dedup rule applied: scheduling a task
// cancels any pending task with the same user and name first, so at most one
// pending instance of a given (user, task name) pair exists at a time.
type Scheduler struct {
	store  Store
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, logger: logger}
}

// Schedule persists t as pending, cancelling any pending duplicate for the
// same (UserID, Name) first. Zero-value fields are defaulted: ID, priority
// (medium), scheduled time (now), max retries (3).
func (s *Scheduler) Schedule(ctx context.Context, t *Task) error {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = time.Now().UTC()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.State = StatePending

	if !t.UserID.IsNil() && t.Name != "" {
		cancelled, err := s.store.CancelPendingTasks(ctx, t.UserID, t.Name)
		if err != nil {
			return err
		}
		if cancelled > 0 {
			s.logger.Debug("superseded pending tasks",
				slog.String("task_name", t.Name),
				slog.String("user_id", t.UserID.String()),
				slog.Int("cancelled", cancelled))
		}
	}

	return s.store.CreateTask(ctx, t)
}
