package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendActivity writes one append-only audit row. Activities are never
// updated or deleted.
func (s *Store) AppendActivity(ctx context.Context, dbtx DBTX, a *Activity) error {
	res, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO activities (task_id, action, from_state, to_state, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		a.TaskID, a.Action, nullStr(a.FromState), nullStr(a.ToState),
		a.Actor, nullStr(a.Reason), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// ListActivities returns a task's activities in insertion order. Row id
// is the total order; created_at ties are broken by it.
func (s *Store) ListActivities(ctx context.Context, taskID string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, task_id, action, from_state, to_state, actor, reason, created_at
		FROM activities WHERE task_id = ?
		ORDER BY id ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		var a Activity
		var fromState, toState, reason sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &fromState, &toState, &a.Actor, &reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.FromState = fromState.String
		a.ToState = toState.String
		a.Reason = reason.String
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}
