package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loopmark/introq/audit"
)

const actionColumns = `id, task_id, task_name, agent_kind, user_id,
	attempt, success, error, input, result, duration_ns, created_at`

// RecordAction persists one task invocation record.
func (s *Store) RecordAction(ctx context.Context, a *audit.Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.TaskName, nullString(a.AgentKind), a.UserID,
		a.Attempt, a.Success, nullString(a.Error), a.Input, a.Result,
		a.Duration.Nanoseconds(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: record action: %w", err)
	}
	return nil
}

// ListActions lists actions newest first.
func (s *Store) ListActions(ctx context.Context, opts audit.ListOpts) ([]*audit.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM introq_actions WHERE 1=1`
	args := make([]any, 0, 4)
	if !opts.TaskID.IsNil() {
		query += ` AND task_id = ?`
		args = append(args, opts.TaskID)
	}
	if !opts.UserID.IsNil() {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*audit.Action, 0)
	for rows.Next() {
		var (
			a         audit.Action
			agentKind sql.NullString
			errMsg    sql.NullString
			duration  int64
		)
		err := rows.Scan(
			&a.ID, &a.TaskID, &a.TaskName, &agentKind, &a.UserID,
			&a.Attempt, &a.Success, &errMsg, &a.Input, &a.Result, &duration, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("introq/sqlite: scan action: %w", err)
		}
		a.AgentKind = agentKind.String
		a.Error = errMsg.String
		a.Duration = time.Duration(duration)
		a.CreatedAt = a.CreatedAt.UTC()
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/sqlite: iterate actions: %w", err)
	}
	return actions, nil
}

// CountActions counts all recorded actions.
func (s *Store) CountActions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM introq_actions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("introq/sqlite: count actions: %w", err)
	}
	return count, nil
}
