package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO introq_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		return fmt.Errorf("introq/sqlite: create task: %w", err)
	}
	return nil
}

// CancelPendingTasks cancels every pending task with the given user and
// name, returning how many were cancelled.
func (s *Store) CancelPendingTasks(ctx context.Context, userID id.UserID, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_tasks
		SET state = 'cancelled'
		WHERE user_id = ? AND name = ? AND state = 'pending'`,
		userID, name,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/sqlite: cancel pending tasks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ClaimDueTasks atomically moves up to limit due pending tasks to
// processing, ordered by priority rank then schedule.
func (s *Store) ClaimDueTasks(ctx context.Context, _ id.WorkerID, limit int) ([]*task.Task, error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE introq_tasks
		SET state = 'processing', last_attempted_at = ?
		WHERE id IN (
			SELECT id FROM introq_tasks
			WHERE state = 'pending' AND scheduled_for <= ?
			ORDER BY `+priorityRank+`, scheduled_for ASC
			LIMIT ?
		)
		RETURNING `+taskColumns,
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: claim due tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee order.
	sort.Slice(tasks, func(i, k int) bool {
		ri, rk := tasks[i].Priority.Rank(), tasks[k].Priority.Rank()
		if ri != rk {
			return ri < rk
		}
		return tasks[i].ScheduledFor.Before(tasks[k].ScheduledFor)
	})
	return tasks, nil
}

// ClaimPendingTask atomically moves one pending task to processing,
// ignoring its scheduled time. The state guard in the UPDATE is what makes
// the claim exclusive: a task another claimer already moved matches no row.
func (s *Store) ClaimPendingTask(ctx context.Context, _ id.WorkerID, taskID id.TaskID) (*task.Task, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE introq_tasks
		SET state = 'processing', last_attempted_at = ?
		WHERE id = ? AND state = 'pending'
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
		return nil, fmt.Errorf("introq/sqlite: claim pending task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_tasks SET
			name = ?, agent_kind = ?, user_id = ?, context_id = ?,
			context_kind = ?, scheduled_for = ?, priority = ?, state = ?,
			retry_count = ?, max_retries = ?, context = ?, result = ?,
			last_error = ?, last_attempted_at = ?, completed_at = ?
		WHERE id = ?`,
		t.Name, nullString(t.AgentKind), t.UserID, t.ContextID,
		nullString(t.ContextKind), t.ScheduledFor, string(t.Priority), string(t.State),
		t.RetryCount, t.MaxRetries, t.Context, t.Result,
		nullString(t.LastError), nullTime(t.LastAttemptedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("introq/sqlite: update task: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return introq.ErrTaskNotFound
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM introq_tasks WHERE id = ?`,
		taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, introq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("introq/sqlite: get task: %w", err)
	}
	return t, nil
}

// ListTasksByState lists tasks in the given state, newest schedule first.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM introq_tasks WHERE state = ?`
	args := []any{string(state)}
	if opts.Name != "" {
		query += ` AND name = ?`
		args = append(args, opts.Name)
	}
	if !opts.UserID.IsNil() {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}
	if opts.AgentKind != "" {
		query += ` AND agent_kind = ?`
		args = append(args, opts.AgentKind)
	}
	query += ` ORDER BY scheduled_for ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introq/sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks counts tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int, error) {
	query := `SELECT COUNT(*) FROM introq_tasks WHERE 1=1`
	args := make([]any, 0, 2)
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}
	if opts.Name != "" {
		query += ` AND name = ?`
		args = append(args, opts.Name)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("introq/sqlite: count tasks: %w", err)
	}
	return count, nil
}

// ReapStaleTasks returns processing tasks whose last attempt predates
// olderThan to pending, recovering work claimed by a crashed dispatcher.
func (s *Store) ReapStaleTasks(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE introq_tasks
		SET state = 'pending'
		WHERE state = 'processing'
		  AND last_attempted_at IS NOT NULL
		  AND last_attempted_at <= ?`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("introq/sqlite: reap stale tasks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// LastCompletedAt returns the newest completion time.
func (s *Store) LastCompletedAt(ctx context.Context) (*time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM introq_tasks
		WHERE completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`,
	).Scan(&last)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("introq/sqlite: last completed at: %w", err)
	}
	last = last.UTC()
	return &last, nil
}

// ── row mapping ──────────────────────────────────────────────────

func scanTask(row rowScanner) (*task.Task, error) {
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

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("introq/sqlite: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introq/sqlite: iterate tasks: %w", err)
	}
	return tasks, nil
}
