package event

import (
	"context"
	"time"

	"github.com/loopmark/introq/id"
)

// ListOpts controls pagination and filtering for event list queries.
type ListOpts struct {
	// Limit is the maximum number of events to return. Zero means no limit.
	Limit int
	// Offset is the number of events to skip.
	Offset int
	// Name filters by event name. Empty means all names.
	Name string
}

// CountOpts controls filtering for event count queries.
type CountOpts struct {
	// Processed filters by the processed flag when non-nil.
	Processed *bool
}

// Store defines the persistence contract for the event log.
type Store interface {
	// AppendEvent persists a new unprocessed event. The log is append-only:
	// there is no delete operation.
	AppendEvent(ctx context.Context, evt *Event) error

	// ClaimEvents atomically leases up to limit unprocessed, unleased
	// events to the given owner, ordered by CreatedAt ascending. A leased
	// event is invisible to other owners until the lease expires or the
	// dispatcher releases it via MarkEventProcessed or RecordEventRetry.
	ClaimEvents(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*Event, error)

	// MarkEventProcessed terminally marks an event processed and clears
	// its claim. Processed events are never picked up again.
	MarkEventProcessed(ctx context.Context, eventID id.EventID) error

	// RecordEventRetry persists retry bookkeeping for a failed handler
	// invocation and clears the claim, leaving the event unprocessed so
	// the next poll cycle retries it.
	RecordEventRetry(ctx context.Context, eventID id.EventID, retry RetryState) error

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, eventID id.EventID) (*Event, error)

	// ListUnprocessedEvents returns unprocessed events ordered by
	// CreatedAt ascending, regardless of claim state.
	ListUnprocessedEvents(ctx context.Context, opts ListOpts) ([]*Event, error)

	// CountEvents returns the number of events matching the given options.
	CountEvents(ctx context.Context, opts CountOpts) (int, error)

	// LastProcessedAt returns the CreatedAt of the most recently processed
	// event, or nil when nothing has been processed yet.
	LastProcessedAt(ctx context.Context) (*time.Time, error)
}
