package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/id"
)

const awardColumns = `id, user_id, amount, reason, idempotency_key, created_at`

// InsertAward persists a credit award. A reused idempotency key returns
// ErrDuplicateAward, which is how exactly-once crediting survives event
// redelivery.
func (s *Store) InsertAward(ctx context.Context, a *credit.Award) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO introq_awards (`+awardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.Amount, nullString(a.Reason), a.IdempotencyKey, a.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return introq.ErrDuplicateAward
		}
		return fmt.Errorf("introq/postgres: insert award: %w", err)
	}
	return nil
}

// ListAwards lists a user's awards newest first.
func (s *Store) ListAwards(ctx context.Context, userID id.UserID, limit, offset int) ([]*credit.Award, error) {
	query := `SELECT ` + awardColumns + ` FROM introq_awards
		WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list awards: %w", err)
	}
	defer rows.Close()

	awards := make([]*credit.Award, 0)
	for rows.Next() {
		var (
			a      credit.Award
			reason sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Amount, &reason, &a.IdempotencyKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("introq/postgres: scan award: %w", err)
		}
		a.Reason = reason.String
		a.CreatedAt = a.CreatedAt.UTC()
		awards = append(awards, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate awards: %w", err)
	}
	return awards, nil
}

// SumAwards returns the user's total credit balance.
func (s *Store) SumAwards(ctx context.Context, userID id.UserID) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM introq_awards WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: sum awards: %w", err)
	}
	return total, nil
}
