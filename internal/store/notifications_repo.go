package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskwarden/internal/core"
)

var ErrNotificationNotFound = core.ErrNotificationNotFound

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UnreadOnly      bool
	IncludeArchived bool
	TaskID          string
	Limit           int
	Offset          int
}

const notificationColumns = `id, title, message, category, priority, task_id, ledger_id, is_read, is_archived, created_at`

func (s *Store) InsertNotification(ctx context.Context, n *core.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (title, message, category, priority, task_id, ledger_id, is_read, is_archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.Title, n.Message, n.Category, n.Priority, nullableString(n.TaskID), nullableInt64(n.LedgerID),
		n.IsRead, n.IsArchived, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	n.ID = id
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*core.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1 = 1`
	var args []any
	if filter.UnreadOnly {
		query += ` AND is_read = 0`
	}
	if !filter.IncludeArchived {
		query += ` AND is_archived = 0`
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []*core.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetNotification(ctx context.Context, id int64) (*core.Notification, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return expectRow(res, ErrNotificationNotFound)
}

// MarkAllNotificationsRead returns the number of notifications that changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE is_read = 0`)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountUnreadNotifications(ctx context.Context) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM notifications WHERE is_read = 0 AND is_archived = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// ArchiveReadNotifications archives every read notification and returns how many changed.
func (s *Store) ArchiveReadNotifications(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE notifications SET is_archived = 1 WHERE is_read = 1 AND is_archived = 0`)
	if err != nil {
		return 0, fmt.Errorf("archive read notifications: %w", err)
	}
	return res.RowsAffected()
}

func scanNotification(scanner interface {
	Scan(dest ...any) error
}) (*core.Notification, error) {
	var (
		n         core.Notification
		category  string
		priority  string
		taskID    sql.NullString
		ledgerID  sql.NullInt64
		createdAt string
	)
	if err := scanner.Scan(&n.ID, &n.Title, &n.Message, &category, &priority, &taskID, &ledgerID,
		&n.IsRead, &n.IsArchived, &createdAt); err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Category = core.NotificationCategory(category)
	n.Priority = core.NotificationPriority(priority)
	if taskID.Valid {
		n.TaskID = &taskID.String
	}
	if ledgerID.Valid {
		v := ledgerID.Int64
		n.LedgerID = &v
	}
	at, err := parseStoredTime("created_at", createdAt)
	if err != nil {
		return nil, err
	}
	n.CreatedAt = at
	return &n, nil
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
