package store

import (
	"context"
	"fmt"
)

// InsertNotification writes one unread notification row.
func (s *Store) InsertNotification(ctx context.Context, dbtx DBTX, n *Notification) error {
	res, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO notifications (task_id, target_group, actor, snippet, read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`), n.TaskID, n.TargetGroup, n.Actor, n.Snippet, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		n.ID = id
	}
	return nil
}

// MarkNotificationsRead flips read=1 for the given ids and returns how
// many rows actually changed. Already-read rows do not count.
func (s *Store) MarkNotificationsRead(ctx context.Context, dbtx DBTX, idList []int64) (int64, error) {
	if len(idList) == 0 {
		return 0, nil
	}
	query := `UPDATE notifications SET read = 1 WHERE read = 0 AND id IN (?`
	args := []any{idList[0]}
	for _, id := range idList[1:] {
		query += ", ?"
		args = append(args, id)
	}
	query += ")"

	res, err := dbtx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NotificationQueryOptions filters ListNotifications.
type NotificationQueryOptions struct {
	TargetGroup string
	UnreadOnly  bool
	Limit       int
}

// ListNotifications returns notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, opts NotificationQueryOptions) ([]*Notification, error) {
	query := `
		SELECT id, task_id, target_group, actor, snippet, read, created_at
		FROM notifications WHERE 1=1`
	var args []any

	if opts.TargetGroup != "" {
		query += " AND target_group = ?"
		args = append(args, opts.TargetGroup)
	}
	if opts.UnreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		var read int
		if err := rows.Scan(&n.ID, &n.TaskID, &n.TargetGroup, &n.Actor, &n.Snippet, &read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = read != 0
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

// CountUnreadNotifications returns the unread count for a group.
func (s *Store) CountUnreadNotifications(ctx context.Context, targetGroup string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM notifications WHERE target_group = ? AND read = 0
	`), targetGroup).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
