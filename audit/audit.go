// Package audit records one Action row per task handler invocation, success
// or failure, giving operators a trail of what each agent did and when.
package audit

import (
	"context"
	"time"

	"github.com/loopmark/introq/id"
)

// Action is the audit record of a single task handler invocation.
type Action struct {
	ID id.ActionID `json:"id"`

	TaskID    id.TaskID `json:"task_id"`
	TaskName  string    `json:"task_name"`
	AgentKind string    `json:"agent_kind,omitempty"`
	UserID    id.UserID `json:"user_id,omitempty"`

	// Attempt is the 1-based attempt number of the invocation.
	Attempt int `json:"attempt"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Input is the task context the handler was invoked with.
	Input []byte `json:"input,omitempty"`

	// Result is the handler's output on success.
	Result []byte `json:"result,omitempty"`

	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// ListOpts filters action listings.
type ListOpts struct {
	Limit     int
	Offset    int
	TaskID    id.TaskID
	UserID    id.UserID
	AgentKind string
}

// Store persists audit actions.
type Store interface {
	// RecordAction persists a new action.
	RecordAction(ctx context.Context, a *Action) error

	// ListActions lists actions, newest first.
	ListActions(ctx context.Context, opts ListOpts) ([]*Action, error)

	// CountActions counts all actions.
	CountActions(ctx context.Context) (int, error)
}
