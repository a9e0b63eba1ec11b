package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertApproval records a gate approval. A second approval for the same
// (task, gate) replaces the first; approvals are idempotent by design.
func (s *Store) UpsertApproval(ctx context.Context, dbtx DBTX, a *Approval) error {
	res, err := dbtx.ExecContext(ctx, s.q(`
		UPDATE approvals SET approved_by = ?, notes = ?, created_at = ?
		WHERE task_id = ? AND gate_type = ?
	`), a.ApprovedBy, nullStr(a.Notes), a.CreatedAt, a.TaskID, a.GateType)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = dbtx.ExecContext(ctx, s.q(`
		INSERT INTO approvals (task_id, gate_type, approved_by, notes, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), a.TaskID, a.GateType, a.ApprovedBy, nullStr(a.Notes), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval returns the approval for (task, gate), or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, dbtx DBTX, taskID, gateType string) (*Approval, error) {
	var a Approval
	var notes sql.NullString
	err := dbtx.QueryRowContext(ctx, s.q(`
		SELECT task_id, gate_type, approved_by, notes, created_at
		FROM approvals WHERE task_id = ? AND gate_type = ?
	`), taskID, gateType).Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &notes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.Notes = notes.String
	return &a, nil
}

// ListApprovals returns every approval recorded for a task.
func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT task_id, gate_type, approved_by, notes, created_at
		FROM approvals WHERE task_id = ?
		ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		var a Approval
		var notes sql.NullString
		if err := rows.Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Notes = notes.String
		approvals = append(approvals, &a)
	}
	return approvals, rows.Err()
}
