package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
)

const eventColumns = `id, name, aggregate_id, aggregate_kind, payload,
	retry_count, retry_last_error, retry_last_error_at,
	processed, claimed_by, claimed_until, created_at, created_by`

// AppendEvent persists a new event to the log.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO introq_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NULL, NULL, $9, $10)`,
		evt.ID, evt.Name, evt.AggregateID, nullString(evt.AggregateKind),
		evt.Payload, evt.Retry.Count, nullString(evt.Retry.LastError),
		nullTime(evt.Retry.LastErrorAt), evt.CreatedAt, nullString(evt.CreatedBy),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return introq.ErrEventAlreadyExists
		}
		return fmt.Errorf("introq/postgres: append event: %w", err)
	}
	return nil
}

// ClaimEvents atomically claims up to limit unprocessed, unleased events in
// append order. Uses SELECT FOR UPDATE SKIP LOCKED so concurrent dispatcher
// replicas never receive the same event.
func (s *Store) ClaimEvents(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*event.Event, error) {
	until := time.Now().UTC().Add(lease)

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE introq_events
			SET claimed_by = $1, claimed_until = $2
			WHERE id IN (
				SELECT id FROM introq_events
				WHERE processed = FALSE
				  AND (claimed_until IS NULL OR claimed_until <= NOW())
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			RETURNING `+eventColumns+`
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		owner, until, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: claim events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// MarkEventProcessed terminally marks an event processed and clears its
// claim.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID id.EventID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_events
		SET processed = TRUE, claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return introq.ErrEventNotFound
	}
	return nil
}

// RecordEventRetry persists retry bookkeeping and releases the claim so the
// next poll cycle can retry.
func (s *Store) RecordEventRetry(ctx context.Context, eventID id.EventID, retry event.RetryState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_events
		SET retry_count = $1, retry_last_error = $2, retry_last_error_at = $3,
		    claimed_by = NULL, claimed_until = NULL
		WHERE id = $4`,
		retry.Count, nullString(retry.LastError), nullTime(retry.LastErrorAt), eventID,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: record event retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return introq.ErrEventNotFound
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM introq_events WHERE id = $1`,
		eventID,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrEventNotFound
		}
		return nil, fmt.Errorf("introq/postgres: get event: %w", err)
	}
	return evt, nil
}

// ListUnprocessedEvents lists unprocessed events in append order.
func (s *Store) ListUnprocessedEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM introq_events WHERE processed = FALSE`
	args := make([]any, 0, 3)
	argIdx := 1
	if opts.Name != "" {
		query += fmt.Sprintf(` AND name = $%d`, argIdx)
		args = append(args, opts.Name)
		argIdx++
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list unprocessed events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// CountEvents counts events matching opts.
func (s *Store) CountEvents(ctx context.Context, opts event.CountOpts) (int, error) {
	query := `SELECT COUNT(*) FROM introq_events`
	args := make([]any, 0, 1)
	if opts.Processed != nil {
		query += ` WHERE processed = $1`
		args = append(args, *opts.Processed)
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("introq/postgres: count events: %w", err)
	}
	return count, nil
}

// LastProcessedAt returns the newest creation time among processed events.
func (s *Store) LastProcessedAt(ctx context.Context) (*time.Time, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM introq_events
		WHERE processed = TRUE
		ORDER BY created_at DESC
		LIMIT 1`,
	).Scan(&last)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("introq/postgres: last processed at: %w", err)
	}
	last = last.UTC()
	return &last, nil
}

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		evt           event.Event
		aggregateKind sql.NullString
		lastError     sql.NullString
		lastErrorAt   sql.NullTime
		claimedUntil  sql.NullTime
		createdBy     sql.NullString
	)
	err := row.Scan(
		&evt.ID, &evt.Name, &evt.AggregateID, &aggregateKind, &evt.Payload,
		&evt.Retry.Count, &lastError, &lastErrorAt,
		&evt.Processed, &evt.ClaimedBy, &claimedUntil, &evt.CreatedAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}
	evt.AggregateKind = aggregateKind.String
	evt.Retry.LastError = lastError.String
	evt.Retry.LastErrorAt = timePtr(lastErrorAt)
	evt.ClaimedUntil = timePtr(claimedUntil)
	evt.CreatedAt = evt.CreatedAt.UTC()
	evt.CreatedBy = createdBy.String
	return &evt, nil
}

func collectEvents(rows pgx.Rows) ([]*event.Event, error) {
	events := make([]*event.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("introq/postgres: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate events: %w", err)
	}
	return events, nil
}
