package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/core"
)

// Task sentinels alias the core ones so callers can match either.
var (
	ErrTaskNotFound = core.ErrTaskNotFound
	ErrTaskChanged  = core.ErrTaskChanged
)

const taskColumns = `id, name, description, command, created_by, schedule_type, status, scheduled_time,
	cron_minute, cron_hour, cron_day_of_week, cron_day_of_month, cron_month_of_year, interval_seconds,
	is_active, executed_once, total_executions, last_execution, next_execution,
	max_retries, retry_delay_seconds, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Cron = task.Cron.WithDefaults()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Description, task.Command, nullableString(task.CreatedBy),
		task.ScheduleType, task.Status, nullableTime(task.ScheduledTime),
		task.Cron.Minute, task.Cron.Hour, task.Cron.DayOfWeek, task.Cron.DayOfMonth, task.Cron.Month,
		nullableInt(task.IntervalSeconds), task.IsActive, task.ExecutedOnce, task.TotalExecutions,
		nullableTime(task.LastExecution), nullableTime(task.NextExecution),
		task.MaxRetries, task.RetryDelaySeconds,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes the task's configuration and lifecycle fields. The
// execution counters are owned by RecordAttempt and are not overwritten.
// The write is conditional on the stored status still being expected and
// the task not having executed its one-time run.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task, expected core.TaskStatus) error {
	task.UpdatedAt = time.Now().UTC()
	task.Cron = task.Cron.WithDefaults()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, description = ?, command = ?, schedule_type = ?, status = ?, scheduled_time = ?,
			cron_minute = ?, cron_hour = ?, cron_day_of_week = ?, cron_day_of_month = ?, cron_month_of_year = ?,
			interval_seconds = ?, is_active = ?, next_execution = ?, max_retries = ?, retry_delay_seconds = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND executed_once = 0
	`, task.Name, task.Description, task.Command, task.ScheduleType, task.Status, nullableTime(task.ScheduledTime),
		task.Cron.Minute, task.Cron.Hour, task.Cron.DayOfWeek, task.Cron.DayOfMonth, task.Cron.Month,
		nullableInt(task.IntervalSeconds), task.IsActive, nullableTime(task.NextExecution),
		task.MaxRetries, task.RetryDelaySeconds, formatTime(task.UpdatedAt), task.ID, expected)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := expectRow(res, ErrTaskChanged); err != nil {
		if !errors.Is(err, ErrTaskChanged) {
			return err
		}
		if _, getErr := s.GetTask(ctx, task.ID); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

// DeleteTask removes the task, its ledger entries, and detaches its notifications in one transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET task_id = NULL, ledger_id = NULL WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("detach notifications: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete ledger: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return expectRow(res, ErrTaskNotFound)
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.ScheduleType != nil {
		where = append(where, "schedule_type = ?")
		args = append(args, *filter.ScheduleType)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	return s.queryTasks(ctx, query, args...)
}

// ListMissedOneTime returns active one-time tasks whose instant passed without executing.
func (s *Store) ListMissedOneTime(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE schedule_type = ? AND scheduled_time IS NOT NULL AND scheduled_time <= ?
			AND executed_once = 0 AND is_active = 1 AND status = ?
		ORDER BY scheduled_time ASC
	`, core.ScheduleOneTime, formatTime(now), core.TaskStatusActive)
}

// ListStuckRecurring returns active recurring tasks with no future fire instant recorded.
func (s *Store) ListStuckRecurring(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE schedule_type IN (?, ?) AND is_active = 1 AND status = ?
			AND (next_execution IS NULL OR next_execution <= ?)
		ORDER BY created_at ASC
	`, core.ScheduleCron, core.ScheduleInterval, core.TaskStatusActive, formatTime(now))
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, next *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET next_execution = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(next), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update next_execution: %w", err)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task          core.Task
		createdBy     sql.NullString
		scheduleType  string
		status        string
		scheduledTime sql.NullString
		interval      sql.NullInt64
		lastExec      sql.NullString
		nextExec      sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.Description, &task.Command, &createdBy,
		&scheduleType, &status, &scheduledTime,
		&task.Cron.Minute, &task.Cron.Hour, &task.Cron.DayOfWeek, &task.Cron.DayOfMonth, &task.Cron.Month,
		&interval, &task.IsActive, &task.ExecutedOnce, &task.TotalExecutions, &lastExec, &nextExec,
		&task.MaxRetries, &task.RetryDelaySeconds, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.ScheduleType = core.ScheduleType(scheduleType)
	task.Status = core.TaskStatus(status)
	if createdBy.Valid {
		task.CreatedBy = &createdBy.String
	}
	if interval.Valid {
		val := int(interval.Int64)
		task.IntervalSeconds = &val
	}
	task.ScheduledTime = parseNullable(scheduledTime)
	task.LastExecution = parseNullable(lastExec)
	task.NextExecution = parseNullable(nextExec)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// formatTime renders instants in a fixed-width UTC layout so that stored
// values compare correctly as strings.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseStoredTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", column, value, err)
	}
	return t, nil
}

func parseNullable(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}
