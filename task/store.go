package task

import (
	"context"
	"time"

	"github.com/loopmark/introq/id"
)

// ListOpts filters task listings.
type ListOpts struct {
	Limit     int
	Offset    int
	Name      string
	UserID    id.UserID
	AgentKind string
}

// CountOpts filters task counts.
type CountOpts struct {
	State State
	Name  string
}

// Store persists scheduled tasks.
type Store interface {
	// CreateTask persists a new task in the pending state.
	CreateTask(ctx context.Context, t *Task) error

	// CancelPendingTasks cancels every pending task matching userID and
	// name, returning how many were cancelled. Tasks already processing
	// are left alone.
	CancelPendingTasks(ctx context.Context, userID id.UserID, name string) (int, error)

	// ClaimDueTasks atomically moves up to limit due pending tasks to
	// processing and returns them, stamping LastAttemptedAt. Two
	// concurrent claimers never receive the same task. Tasks are ordered
	// by priority rank, then by scheduled time.
	ClaimDueTasks(ctx context.Context, owner id.WorkerID, limit int) ([]*Task, error)

	// ClaimPendingTask atomically moves one pending task to processing
	// regardless of its scheduled time, stamping LastAttemptedAt, and
	// returns it. A task in any other state yields ErrTaskNotPending, so
	// a concurrent claimer can never run the same task twice. Missing
	// tasks yield ErrTaskNotFound.
	ClaimPendingTask(ctx context.Context, owner id.WorkerID, taskID id.TaskID) (*Task, error)

	// UpdateTask persists the task's mutable fields: state, retry count,
	// scheduled time, result, and error bookkeeping.
	UpdateTask(ctx context.Context, t *Task) error

	// GetTask fetches a task by ID, or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// ListTasksByState lists tasks in the given state, newest first.
	ListTasksByState(ctx context.Context, state State, opts ListOpts) ([]*Task, error)

	// CountTasks counts tasks matching opts.
	CountTasks(ctx context.Context, opts CountOpts) (int, error)

	// ReapStaleTasks returns tasks stuck in processing whose
	// LastAttemptedAt is older than olderThan to pending, so a later
	// batch can pick them up again. Returns how many were reset.
	ReapStaleTasks(ctx context.Context, olderThan time.Time) (int, error)

	// LastCompletedAt returns the completion time of the most recently
	// completed task, or nil if none completed yet.
	LastCompletedAt(ctx context.Context) (*time.Time, error)
}
