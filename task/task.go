// Package task defines the scheduled task queue: durable units of future
// work with an explicit processing state machine and retry backoff, distinct
// from events which have none.
package task

import (
	"time"

	"github.com/loopmark/introq/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting to become due.
	StatePending State = "pending"
	// StateProcessing means a dispatcher owns the task and is running its
	// handler. A task is owned by exactly one dispatcher while processing.
	StateProcessing State = "processing"
	// StateCompleted means the handler finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task failed terminally and will not run again.
	StateFailed State = "failed"
	// StateCancelled means the task was superseded or explicitly cancelled
	// before running.
	StateCancelled State = "cancelled"
)

// Priority orders due tasks within a dispatch batch.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of a priority; lower ranks dispatch first.
// Unknown priorities rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task represents a scheduled unit of work to be processed by the task
// dispatcher once ScheduledFor has passed.
type Task struct {
	ID id.TaskID `json:"id"`

	// Name routes the task to a registered handler, e.g.
	// "offer.confirm.reminder".
	Name string `json:"name"`

	// AgentKind identifies which agent family this task belongs to, used
	// for per-kind rate limiting and audit attribution.
	AgentKind string `json:"agent_kind,omitempty"`

	// UserID is the user this task acts on behalf of.
	UserID id.UserID `json:"user_id,omitempty"`

	// ContextID and ContextKind reference the entity the task is about.
	ContextID   id.ID  `json:"context_id,omitempty"`
	ContextKind string `json:"context_kind,omitempty"`

	ScheduledFor time.Time `json:"scheduled_for"`
	Priority     Priority  `json:"priority"`
	State        State     `json:"state"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Context is the JSON-encoded handler input.
	Context []byte `json:"context,omitempty"`

	// Result is the JSON-encoded handler output, set on completion.
	Result []byte `json:"result,omitempty"`

	// LastError is the message of the most recent handler failure.
	LastError string `json:"last_error,omitempty"`

	// LastAttemptedAt is stamped when the task is claimed. The stale-task
	// reaper uses it as the visibility timeout anchor.
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
}
