package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/task"
)

const taskColumns = `id, name, agent_kind, user_id, context_id, context_kind,
	scheduled_for, priority, state, retry_count, max_retries,
	context, result, last_error, last_attempted_at,
	created_at, completed_at, created_by`

// priorityRank orders by urgency first, schedule second; it mirrors
// task.Priority.Rank.
const priorityRank = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 3
	ELSE 4 END`

// CreateTask persists a new task.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO introq_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Name, nullString(t.AgentKind), t.UserID,
		t.ContextID, nullString(t.ContextKind),
		t.ScheduledFor, string(t.Priority), string(t.State),
		t.RetryCount, t.MaxRetries, t.Context, t.Result,
		nullString(t.LastError), nullTime(t.LastAttemptedAt),
		t.CreatedAt, nullTime(t.CompletedAt), nullString(t.CreatedBy),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return introq.ErrTaskAlreadyExists
		}
		return fmt.Errorf("introq/postgres: create task: %w", err)
	}
	return nil
}

// CancelPendingTasks cancels every pending task with the given user and
// name, returning how many were cancelled.
func (s *Store) CancelPendingTasks(ctx context.Context, userID id.UserID, name string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_tasks
		SET state = 'cancelled'
		WHERE user_id = $1 AND name = $2 AND state = 'pending'`,
		userID, name,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: cancel pending tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDueTasks atomically moves up to limit due pending tasks to
// processing, ordered by priority rank then schedule. Uses SELECT FOR
// UPDATE SKIP LOCKED for concurrent-safe claims.
func (s *Store) ClaimDueTasks(ctx context.Context, _ id.WorkerID, limit int) ([]*task.Task, error) {
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE introq_tasks
			SET state = 'processing', last_attempted_at = $1
			WHERE id IN (
				SELECT id FROM introq_tasks
				WHERE state = 'pending' AND scheduled_for <= $1
				ORDER BY `+priorityRank+`, scheduled_for ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM claimed ORDER BY `+priorityRank+`, scheduled_for ASC`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: claim due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ClaimPendingTask atomically moves one pending task to processing,
// ignoring its scheduled time. The state guard in the UPDATE is what makes
// the claim exclusive: a task another claimer already moved matches no row.
func (s *Store) ClaimPendingTask(ctx context.Context, _ id.WorkerID, taskID id.TaskID) (*task.Task, error) {
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		UPDATE introq_tasks
		SET state = 'processing', last_attempted_at = $1
		WHERE id = $2 AND state = 'pending'
		RETURNING `+taskColumns,
		now, taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			// Distinguish a missing task from one already past pending.
			if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
				return nil, getErr
			}
			return nil, introq.ErrTaskNotPending
		}
		return nil, fmt.Errorf("introq/postgres: claim pending task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_tasks SET
			name = $2, agent_kind = $3, user_id = $4, context_id = $5,
			context_kind = $6, scheduled_for = $7, priority = $8, state = $9,
			retry_count = $10, max_retries = $11, context = $12, result = $13,
			last_error = $14, last_attempted_at = $15, completed_at = $16
		WHERE id = $1`,
		t.ID, t.Name, nullString(t.AgentKind), t.UserID, t.ContextID,
		nullString(t.ContextKind), t.ScheduledFor, string(t.Priority), string(t.State),
		t.RetryCount, t.MaxRetries, t.Context, t.Result,
		nullString(t.LastError), nullTime(t.LastAttemptedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("introq/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return introq.ErrTaskNotFound
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM introq_tasks WHERE id = $1`,
		taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("introq/postgres: get task: %w", err)
	}
	return t, nil
}

// ListTasksByState lists tasks in the given state ordered by schedule.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM introq_tasks WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2
	if opts.Name != "" {
		query += fmt.Sprintf(` AND name = $%d`, argIdx)
		args = append(args, opts.Name)
		argIdx++
	}
	if !opts.UserID.IsNil() {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, opts.UserID)
		argIdx++
	}
	if opts.AgentKind != "" {
		query += fmt.Sprintf(` AND agent_kind = $%d`, argIdx)
		args = append(args, opts.AgentKind)
		argIdx++
	}
	query += ` ORDER BY scheduled_for ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/postgres: list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks counts tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int, error) {
	query := `SELECT COUNT(*) FROM introq_tasks WHERE 1=1`
	args := make([]any, 0, 2)
	argIdx := 1
	if opts.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Name != "" {
		query += fmt.Sprintf(` AND name = $%d`, argIdx)
		args = append(args, opts.Name)
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("introq/postgres: count tasks: %w", err)
	}
	return count, nil
}

// ReapStaleTasks returns processing tasks whose last attempt predates
// olderThan to pending, recovering work claimed by a crashed dispatcher.
func (s *Store) ReapStaleTasks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE introq_tasks
		SET state = 'pending'
		WHERE state = 'processing'
		  AND last_attempted_at IS NOT NULL
		  AND last_attempted_at <= $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/postgres: reap stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LastCompletedAt returns the newest completion time.
func (s *Store) LastCompletedAt(ctx context.Context) (*time.Time, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT completed_at FROM introq_tasks
		WHERE completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`,
	).Scan(&last)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("introq/postgres: last completed at: %w", err)
	}
	last = last.UTC()
	return &last, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t               task.Task
		agentKind       sql.NullString
		contextKind     sql.NullString
		priorityStr     string
		stateStr        string
		lastError       sql.NullString
		lastAttemptedAt sql.NullTime
		completedAt     sql.NullTime
		createdBy       sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Name, &agentKind, &t.UserID, &t.ContextID, &contextKind,
		&t.ScheduledFor, &priorityStr, &stateStr, &t.RetryCount, &t.MaxRetries,
		&t.Context, &t.Result, &lastError, &lastAttemptedAt,
		&t.CreatedAt, &completedAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}
	t.AgentKind = agentKind.String
	t.ContextKind = contextKind.String
	t.Priority = task.Priority(priorityStr)
	t.State = task.State(stateStr)
	t.LastError = lastError.String
	t.LastAttemptedAt = timePtr(lastAttemptedAt)
	t.CompletedAt = timePtr(completedAt)
	t.ScheduledFor = t.ScheduledFor.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.CreatedBy = createdBy.String
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("introq/postgres: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/postgres: iterate tasks: %w", err)
	}
	return tasks, nil
}
