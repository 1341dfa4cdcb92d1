// Package priority maintains the per-user priority projection: an ordered
// view of what each user should look at next, derived from lifecycle state
// changes rather than authored directly.
package priority

import (
	"context"
	"time"

	"github.com/loopmark/introq/id"
)

// Status of a projection entry.
type Status string

const (
	// StatusActive means the entry is eligible to surface.
	StatusActive Status = "active"
	// StatusActioned means the underlying item reached completion.
	StatusActioned Status = "actioned"
	// StatusExpired means the entry aged out before being surfaced.
	StatusExpired Status = "expired"
	// StatusCancelled means the underlying item was cancelled.
	StatusCancelled Status = "cancelled"
)

// Entry is one item in a user's priority queue. At most one active entry
// exists per (user, item kind, item id).
type Entry struct {
	ID     id.PriorityID `json:"id"`
	UserID id.UserID     `json:"user_id"`

	// ItemKind names what the entry points at, e.g. "opportunity",
	// "request", "offer".
	ItemKind string `json:"item_kind"`
	ItemID   id.ID  `json:"item_id"`

	// Score orders entries within a user's queue; higher surfaces first.
	Score float64 `json:"score"`

	Status Status `json:"status"`

	// Reason is a short machine-readable cause, e.g. "offer.pending".
	Reason string `json:"reason,omitempty"`

	// ExpiresAt optionally bounds how long the entry stays active.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists the priority projection.
type Store interface {
	// UpsertActive inserts e as active, replacing any existing active
	// entry for the same (user, item kind, item id). Score, reason and
	// expiry are taken from e.
	UpsertActive(ctx context.Context, e *Entry) error

	// SetStatus moves the active entry for (userID, itemKind, itemID) to
	// status. Missing entries are a no-op.
	SetStatus(ctx context.Context, userID id.UserID, itemKind string, itemID id.ID, status Status) error

	// NextForUser returns the user's highest-scored active entry, or
	// ErrPriorityNotFound when the queue is empty.
	NextForUser(ctx context.Context, userID id.UserID) (*Entry, error)

	// ListForUser returns the user's active entries ordered by
	// descending score.
	ListForUser(ctx context.Context, userID id.UserID, limit int) ([]*Entry, error)

	// ExpireBefore marks active entries whose ExpiresAt precedes cutoff
	// as expired, returning how many were affected.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}
