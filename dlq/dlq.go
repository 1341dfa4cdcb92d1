// Package dlq implements the dead letter queue: the terminal destination for
// events that exhausted their retry budget. Entries preserve the full
// original payload so an operator can inspect and replay them.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
)

// Entry is a dead-lettered event.
type Entry struct {
	ID id.DeadLetterID `json:"id"`

	// EventID is the event that exhausted its retries.
	EventID id.EventID `json:"event_id"`

	EventName     string `json:"event_name"`
	AggregateID   id.ID  `json:"aggregate_id,omitempty"`
	AggregateKind string `json:"aggregate_kind,omitempty"`
	Payload       []byte `json:"payload,omitempty"`

	// Error is the message of the final failed attempt.
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`

	// OriginalCreatedAt is when the source event was appended.
	OriginalCreatedAt time.Time `json:"original_created_at"`
	FailedAt          time.Time `json:"failed_at"`

	// ReplayedAt is set once the entry has been replayed as a fresh event.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ListOpts filters dead letter listings.
type ListOpts struct {
	Limit     int
	Offset    int
	EventName string
}

// Store persists dead letter entries.
type Store interface {
	// PushDeadLetter persists a new entry. Each event may be
	// dead-lettered at most once; a second push for the same EventID
	// returns ErrDuplicateDeadLetter.
	PushDeadLetter(ctx context.Context, e *Entry) error

	// GetDeadLetter fetches an entry by ID, or ErrDLQNotFound.
	GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*Entry, error)

	// ListDeadLetters lists entries, most recently failed first.
	ListDeadLetters(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// MarkReplayed stamps the entry's ReplayedAt.
	MarkReplayed(ctx context.Context, entryID id.DeadLetterID, at time.Time) error

	// PurgeDeadLetters deletes entries that failed before cutoff,
	// returning how many were removed.
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int, error)

	// CountDeadLetters counts all entries.
	CountDeadLetters(ctx context.Context) (int, error)
}

// Service wraps a Store with the event-facing operations the dispatcher and
// the ops API need.
type Service struct {
	store  Store
	events event.Store
}

// NewService creates a dead letter service. events is used for replay.
func NewService(store Store, events event.Store) *Service {
	return &Service{store: store, events: events}
}

// Push records evt as dead-lettered with cause as the final error. Pushing
// an event that is already dead-lettered is a no-op success, so a dispatch
// cycle that crashed between the push and closing the event out cannot
// produce a second entry.
func (s *Service) Push(ctx context.Context, evt *event.Event, cause error) (*Entry, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := &Entry{
		ID:                id.NewDeadLetterID(),
		EventID:           evt.ID,
		EventName:         evt.Name,
		AggregateID:       evt.AggregateID,
		AggregateKind:     evt.AggregateKind,
		Payload:           evt.Payload,
		Error:             msg,
		RetryCount:        evt.Retry.Count,
		OriginalCreatedAt: evt.CreatedAt,
		FailedAt:          time.Now().UTC(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.PushDeadLetter(ctx, entry); err != nil {
		if errors.Is(err, introq.ErrDuplicateDeadLetter) {
			return entry, nil
		}
		return nil, err
	}
	return entry, nil
}

// Replay re-appends the entry's payload as a fresh unprocessed event with a
// new ID and a zero retry count, then marks the entry replayed. The original
// entry is kept for audit.
func (s *Service) Replay(ctx context.Context, entryID id.DeadLetterID) (*event.Event, error) {
	entry, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}
	evt := &event.Event{
		ID:            id.NewEventID(),
		Name:          entry.EventName,
		AggregateID:   entry.AggregateID,
		AggregateKind: entry.AggregateKind,
		Payload:       entry.Payload,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     "dlq-replay",
	}
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		return nil, err
	}
	if err := s.store.MarkReplayed(ctx, entryID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return evt, nil
}

// Get fetches an entry by ID.
func (s *Service) Get(ctx context.Context, entryID id.DeadLetterID) (*Entry, error) {
	return s.store.GetDeadLetter(ctx, entryID)
}

// List lists entries, most recently failed first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDeadLetters(ctx, opts)
}

// Purge deletes entries older than retention, returning how many were
// removed.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int, error) {
	return s.store.PurgeDeadLetters(ctx, time.Now().UTC().Add(-retention))
}

// Count returns the number of entries.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.CountDeadLetters(ctx)
}
