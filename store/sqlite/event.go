package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
)

const eventColumns = `id, name, aggregate_id, aggregate_kind, payload,
	retry_count, retry_last_error, retry_last_error_at,
	processed, claimed_by, claimed_until, created_at, created_by`

// AppendEvent persists a new event to the log.
func (s *Store) AppendEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)`,
		evt.ID, evt.Name, evt.AggregateID, nullString(evt.AggregateKind),
		evt.Payload, evt.Retry.Count, nullString(evt.Retry.LastError),
		nullTime(evt.Retry.LastErrorAt), evt.CreatedAt, nullString(evt.CreatedBy),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return introq.ErrEventAlreadyExists
		}
		return fmt.Errorf("introq/sqlite: append event: %w", err)
	}
	return nil
}

// ClaimEvents atomically claims up to limit unprocessed, unleased events in
// append order and stamps the claim.
func (s *Store) ClaimEvents(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*event.Event, error) {
	now := time.Now().UTC()
	until := now.Add(lease)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE introq_events
		SET claimed_by = ?, claimed_until = ?
		WHERE id IN (
			SELECT id FROM introq_events
			WHERE processed = 0
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING `+eventColumns,
		owner, until, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: claim events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee order.
	sort.Slice(events, func(i, k int) bool {
		return events[i].CreatedAt.Before(events[k].CreatedAt)
	})
	return events, nil
}

// MarkEventProcessed terminally marks an event processed and clears its
// claim.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID id.EventID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_events
		SET processed = 1, claimed_by = NULL, claimed_until = NULL
		WHERE id = ?`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: mark event processed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrEventNotFound
	}
	return nil
}

// RecordEventRetry persists retry bookkeeping and releases the claim so the
// next poll cycle can retry.
func (s *Store) RecordEventRetry(ctx context.Context, eventID id.EventID, retry event.RetryState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_events
		SET retry_count = ?, retry_last_error = ?, retry_last_error_at = ?,
		    claimed_by = NULL, claimed_until = NULL
		WHERE id = ?`,
		retry.Count, nullString(retry.LastError), nullTime(retry.LastErrorAt), eventID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: record event retry: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrEventNotFound
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM introq_events WHERE id = ?`,
		eventID,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrEventNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: get event: %w", err)
	}
	return evt, nil
}

// ListUnprocessedEvents lists unprocessed events in append order.
func (s *Store) ListUnprocessedEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM introq_events WHERE processed = 0`
	args := make([]any, 0, 3)
	if opts.Name != "" {
		query += ` AND name = ?`
		args = append(args, opts.Name)
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: list unprocessed events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// CountEvents counts events matching opts.
func (s *Store) CountEvents(ctx context.Context, opts event.CountOpts) (int, error) {
	query := `SELECT COUNT(*) FROM introq_events`
	args := make([]any, 0, 1)
	if opts.Processed != nil {
		query += ` WHERE processed = ?`
		args = append(args, *opts.Processed)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("introq/sqlite: count events: %w", err)
	}
	return count, nil
}

// LastProcessedAt returns the newest creation time among processed events.
func (s *Store) LastProcessedAt(ctx context.Context) (*time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM introq_events
		WHERE processed = 1
		ORDER BY created_at DESC
		LIMIT 1`,
	).Scan(&last)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("introq/sqlite: last processed at: %w", err)
	}
	last = last.UTC()
	return &last, nil
}

// ── row mapping ──────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
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

func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	events := make([]*event.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("introq/sqlite: scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/sqlite: iterate events: %w", err)
	}
	return events, nil
}

// ── nullable helpers ─────────────────────────────────────────────

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
