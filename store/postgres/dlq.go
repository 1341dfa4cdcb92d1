package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/id"
)

const dlqColumns = `id, event_id, event_name, aggregate_id, aggregate_kind,
	payload, error, retry_count, original_created_at, failed_at, replayed_at,
	created_at`

// PushDeadLetter persists a dead letter entry.
func (s *Store) PushDeadLetter(ctx context.Context, e *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO introq_dead_letters (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.EventID, e.EventName, e.AggregateID, nullString(e.AggregateKind),
		e.Payload, e.Error, e.RetryCount, e.OriginalCreatedAt, e.FailedAt,
		nullTime(e.ReplayedAt), e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return introq.ErrDuplicateDeadLetter
		}
		return fmt.Errorf("introq/postgres: push dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter retrieves a dead letter entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dlqColumns+` FROM introq_dead_letters WHERE id = $1`,
		entryID,
	)
	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrDLQNotFound
		}
		return nil, fmt.Errorf("introq/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// ListDeadLetters lists entries newest failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM introq_dead_letters`
	args := make([]any, 0, 3)
	argIdx := 1
	if opts.EventName != "" {
		query += fmt.Sprintf(` WHERE event_name = $%d`, argIdx)
		args = append(args, opts.EventName)
		argIdx++
	}
	query += ` ORDER BY failed_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]*dlq.Entry, 0)
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("introq/postgres: scan dead letter: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate dead letters: %w", err)
	}
	return entries, nil
}

// MarkReplayed records that the entry was replayed as a fresh event.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_dead_letters SET replayed_at = $1 WHERE id = $2`,
		at, entryID,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return introq.ErrDLQNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries that failed before cutoff.
func (s *Store) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM introq_dead_letters WHERE failed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: purge dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountDeadLetters counts all entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM introq_dead_letters`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: count dead letters: %w", err)
	}
	return count, nil
}

func scanDeadLetter(row pgx.Row) (*dlq.Entry, error) {
	var (
		e             dlq.Entry
		aggregateKind sql.NullString
		replayedAt    sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.EventID, &e.EventName, &e.AggregateID, &aggregateKind,
		&e.Payload, &e.Error, &e.RetryCount, &e.OriginalCreatedAt, &e.FailedAt,
		&replayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.AggregateKind = aggregateKind.String
	e.OriginalCreatedAt = e.OriginalCreatedAt.UTC()
	e.FailedAt = e.FailedAt.UTC()
	e.ReplayedAt = timePtr(replayedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
