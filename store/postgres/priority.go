package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
)

const priorityColumns = `id, user_id, item_kind, item_id, score, status,
	reason, expires_at, created_at, updated_at`

// UpsertActive inserts e as active, replacing any existing active entry for
// the same (user, item kind, item id).
func (s *Store) UpsertActive(ctx context.Context, e *priority.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("introq/postgres: upsert active: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		DELETE FROM introq_priority_entries
		WHERE user_id = $1 AND item_kind = $2 AND item_id = $3 AND status = 'active'`,
		e.UserID, e.ItemKind, e.ItemID,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: upsert active delete: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO introq_priority_entries (`+priorityColumns+`)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8, $9)`,
		e.ID, e.UserID, e.ItemKind, e.ItemID, e.Score,
		nullString(e.Reason), nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: upsert active insert: %w", err)
	}

	return tx.Commit(ctx)
}

// SetStatus moves the active entry for (userID, itemKind, itemID) to status.
// Missing entries are a no-op.
func (s *Store) SetStatus(ctx context.Context, userID id.UserID, itemKind string, itemID id.ID, status priority.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE introq_priority_entries
		SET status = $1, updated_at = NOW()
		WHERE user_id = $2 AND item_kind = $3 AND item_id = $4 AND status = 'active'`,
		string(status), userID, itemKind, itemID,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: set priority status: %w", err)
	}
	return nil
}

// NextForUser returns the user's highest-scored active entry.
func (s *Store) NextForUser(ctx context.Context, userID id.UserID) (*priority.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+priorityColumns+` FROM introq_priority_entries
		WHERE user_id = $1 AND status = 'active'
		ORDER BY score DESC, created_at ASC
		LIMIT 1`,
		userID,
	)
	e, err := scanPriorityEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrPriorityNotFound
		}
		return nil, fmt.Errorf("introq/postgres: next for user: %w", err)
	}
	return e, nil
}

// ListForUser returns the user's active entries ordered by descending score.
func (s *Store) ListForUser(ctx context.Context, userID id.UserID, limit int) ([]*priority.Entry, error) {
	query := `SELECT ` + priorityColumns + ` FROM introq_priority_entries
		WHERE user_id = $1 AND status = 'active'
		ORDER BY score DESC, created_at ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list for user: %w", err)
	}
	defer rows.Close()

	entries := make([]*priority.Entry, 0)
	for rows.Next() {
		e, scanErr := scanPriorityEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("introq/postgres: scan priority entry: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate priority entries: %w", err)
	}
	return entries, nil
}

// ExpireBefore marks active entries whose expiry precedes cutoff as expired.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_priority_entries
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: expire before: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPriorityEntry(row pgx.Row) (*priority.Entry, error) {
	var (
		e         priority.Entry
		statusStr string
		reason    sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.ItemKind, &e.ItemID, &e.Score, &statusStr,
		&reason, &expiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = priority.Status(statusStr)
	e.Reason = reason.String
	e.ExpiresAt = timePtr(expiresAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
