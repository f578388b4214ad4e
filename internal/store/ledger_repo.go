package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskwarden/internal/core"
)

var ErrLedgerNotFound = core.ErrLedgerNotFound

const ledgerColumns = `id, task_id, executed_at, status, message, error_details, execution_time_seconds, retry_count`

// RecordAttempt applies the attempt's counter and lifecycle updates and
// appends its ledger entry in a single transaction.
func (s *Store) RecordAttempt(ctx context.Context, attempt core.Attempt) (int64, error) {
	details, err := encodeDetails(attempt.Entry.ErrorDetails)
	if err != nil {
		return 0, err
	}
	var ledgerID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE tasks SET last_execution = ?, total_executions = total_executions + 1, updated_at = ?`
		args := []any{formatTime(attempt.StartedAt), formatTime(attempt.StartedAt)}
		switch {
		case attempt.Complete:
			query += `, status = ?, executed_once = 1, is_active = 0, next_execution = NULL`
			args = append(args, core.TaskStatusCompleted)
		case attempt.Exhausted:
			query += `, status = ?, is_active = 0, next_execution = NULL`
			args = append(args, core.TaskStatusFailed)
		}
		query += ` WHERE id = ?`
		args = append(args, attempt.TaskID)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task counters: %w", err)
		}
		if err := expectRow(res, ErrTaskNotFound); err != nil {
			return err
		}

		entry := attempt.Entry
		res, err = tx.ExecContext(ctx, `
			INSERT INTO ledger (task_id, executed_at, status, message, error_details, execution_time_seconds, retry_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, attempt.TaskID, formatTime(entry.ExecutedAt), entry.Status, entry.Message, details,
			entry.ExecutionTimeSeconds, entry.RetryCount)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		ledgerID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("ledger entry id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ledgerID, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, id int64) (*core.LedgerEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger WHERE id = ?`, id)
	entry, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLedgerNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListLedger(ctx context.Context, taskID string, limit, offset int) ([]*core.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger
		WHERE task_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()
	var entries []*core.LedgerEntry
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanLedger(scanner interface {
	Scan(dest ...any) error
}) (*core.LedgerEntry, error) {
	var (
		entry      core.LedgerEntry
		executedAt string
		status     string
		details    string
	)
	if err := scanner.Scan(&entry.ID, &entry.TaskID, &executedAt, &status, &entry.Message, &details,
		&entry.ExecutionTimeSeconds, &entry.RetryCount); err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	entry.Status = core.LedgerStatus(status)
	at, err := parseStoredTime("executed_at", executedAt)
	if err != nil {
		return nil, err
	}
	entry.ExecutedAt = at
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &entry.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	return &entry, nil
}

func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode error details: %w", err)
	}
	return string(data), nil
}
