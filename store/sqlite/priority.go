package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
)

const priorityColumns = `id, user_id, item_kind, item_id, score, status,
	reason, expires_at, created_at, updated_at`

// UpsertActive inserts e as active, replacing any existing active entry for
// the same (user, item kind, item id).
func (s *Store) UpsertActive(ctx context.Context, e *priority.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("introq/sqlite: upsert active: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		DELETE FROM introq_priority_entries
		WHERE user_id = ? AND item_kind = ? AND item_id = ? AND status = 'active'`,
		e.UserID, e.ItemKind, e.ItemID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: upsert active delete: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO introq_priority_entries (`+priorityColumns+`)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ItemKind, e.ItemID, e.Score,
		nullString(e.Reason), nullTime(e.ExpiresAt), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: upsert active insert: %w", err)
	}

	return tx.Commit()
}

// SetStatus moves the active entry for (userID, itemKind, itemID) to status.
// Missing entries are a no-op.
func (s *Store) SetStatus(ctx context.Context, userID id.UserID, itemKind string, itemID id.ID, status priority.Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE introq_priority_entries
		SET status = ?, updated_at = ?
		WHERE user_id = ? AND item_kind = ? AND item_id = ? AND status = 'active'`,
		string(status), time.Now().UTC(), userID, itemKind, itemID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: set priority status: %w", err)
	}
	return nil
}

// NextForUser returns the user's highest-scored active entry.
func (s *Store) NextForUser(ctx context.Context, userID id.UserID) (*priority.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+priorityColumns+` FROM introq_priority_entries
		WHERE user_id = ? AND status = 'active'
		ORDER BY score DESC, created_at ASC
		LIMIT 1`,
		userID,
	)
	e, err := scanPriorityEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrPriorityNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: next for user: %w", err)
	}
	return e, nil
}

// ListForUser returns the user's active entries ordered by descending score.
func (s *Store) ListForUser(ctx context.Context, userID id.UserID, limit int) ([]*priority.Entry, error) {
	query := `SELECT ` + priorityColumns + ` FROM introq_priority_entries
		WHERE user_id = ? AND status = 'active'
		ORDER BY score DESC, created_at ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: list for user: %w", err)
	}
	defer rows.Close()

	entries := make([]*priority.Entry, 0)
	for rows.Next() {
		e, scanErr := scanPriorityEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("introq/sqlite: scan priority entry: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/sqlite: iterate priority entries: %w", err)
	}
	return entries, nil
}

// ExpireBefore marks active entries whose expiry precedes cutoff as expired.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_priority_entries
		SET status = 'expired', updated_at = ?
		WHERE status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at < ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/sqlite: expire before: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func scanPriorityEntry(row rowScanner) (*priority.Entry, error) {
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
