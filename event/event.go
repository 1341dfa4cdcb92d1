// Package event defines the durable, append-only event log and the handler
// registry the event dispatcher routes into.
//
// Events are immutable once appended: only the dispatcher mutates the
// Processed flag and the Retry bookkeeping. Delivery is at-least-once, so
// handlers must tolerate seeing the same event more than once.
package event

import (
	"time"

	"github.com/loopmark/introq/id"
)

// RetryState is the typed retry bookkeeping carried by every event.
// It is written only by the event dispatcher.
type RetryState struct {
	// Count is the number of failed handler invocations so far.
	Count int `json:"count"`

	// LastError is the message of the most recent handler failure.
	LastError string `json:"last_error,omitempty"`

	// LastErrorAt is when the most recent failure occurred.
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Event is an immutable record of something that happened, consumed
// at-least-once by name-specific handlers.
type Event struct {
	ID id.EventID `json:"id"`

	// Name routes the event to a registered handler, e.g.
	// "opportunity.accepted". Events with no registered handler are
	// marked processed without error.
	Name string `json:"name"`

	// AggregateID and AggregateKind identify the entity this event is
	// about (an opportunity, request, offer, user, ...).
	AggregateID   id.ID  `json:"aggregate_id,omitempty"`
	AggregateKind string `json:"aggregate_kind,omitempty"`

	// Payload is the JSON-encoded event body.
	Payload []byte `json:"payload,omitempty"`

	// Retry is the dispatcher's retry bookkeeping.
	Retry RetryState `json:"retry"`

	// Processed is terminal: once true the event is never picked up again.
	Processed bool `json:"processed"`

	// ClaimedBy and ClaimedUntil implement the atomic claim: while the
	// lease is live, no other dispatcher replica may pick this event up.
	ClaimedBy    id.WorkerID `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time  `json:"claimed_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}
