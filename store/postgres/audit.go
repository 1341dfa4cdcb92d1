package postgres

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO introq_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TaskID, a.TaskName, nullString(a.AgentKind), a.UserID,
		a.Attempt, a.Success, nullString(a.Error), a.Input, a.Result,
		a.Duration.Nanoseconds(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: record action: %w", err)
	}
	return nil
}

// ListActions lists actions newest first.
func (s *Store) ListActions(ctx context.Context, opts audit.ListOpts) ([]*audit.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM introq_actions WHERE 1=1`
	args := make([]any, 0, 4)
	argIdx := 1
	if !opts.TaskID.IsNil() {
		query += fmt.Sprintf(` AND task_id = $%d`, argIdx)
		args = append(args, opts.TaskID)
		argIdx++
	}
	if !opts.UserID.IsNil() {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, opts.UserID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list actions: %w", err)
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
			return nil, fmt.Errorf("introq/postgres: scan action: %w", err)
		}
		a.AgentKind = agentKind.String
		a.Error = errMsg.String
		a.Duration = time.Duration(duration)
		a.CreatedAt = a.CreatedAt.UTC()
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate actions: %w", err)
	}
	return actions, nil
}

// CountActions counts all recorded actions.
func (s *Store) CountActions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM introq_actions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: count actions: %w", err)
	}
	return count, nil
}
