package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned when a version-guarded update matched no row.
var ErrStaleVersion = errors.New("stale version")

// ErrDuplicateID is returned when an insert collides on a primary key.
var ErrDuplicateID = errors.New("duplicate id")

const taskColumns = `id, title, description, task_type, state, priority, scope, product_id,
	assigned_group, executor, created_by, gate, dod_required, metadata, version,
	created_at, updated_at`

// InsertTask writes a new task row.
func (s *Store) InsertTask(ctx context.Context, dbtx DBTX, t *Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, s.q(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		t.ID, t.Title, nullStr(t.Description), t.TaskType, t.State, t.Priority,
		t.Scope, nullStr(t.ProductID), t.AssignedGroup, nullStr(t.Executor),
		t.CreatedBy, t.Gate, boolInt(t.DodRequired), string(meta), t.Version,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(ctx context.Context, dbtx DBTX, id string) (*Task, error) {
	row := dbtx.QueryRowContext(ctx, s.q(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	return scanTask(row)
}

// TaskQueryOptions filters ListTasks.
type TaskQueryOptions struct {
	State         string
	AssignedGroup string
	ProductID     string
	Limit         int
}

// ListTasks returns tasks matching the filters, newest first.
func (s *Store) ListTasks(ctx context.Context, opts TaskQueryOptions) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, opts.State)
	}
	if opts.AssignedGroup != "" {
		query += " AND assigned_group = ?"
		args = append(args, opts.AssignedGroup)
	}
	if opts.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, opts.ProductID)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites the mutable task fields, bumping version by one.
// The update is guarded on the version the caller read; a raced write
// surfaces as ErrStaleVersion with no row modified.
func (s *Store) UpdateTask(ctx context.Context, dbtx DBTX, t *Task, readVersion int) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := dbtx.ExecContext(ctx, s.q(`
		UPDATE tasks
		SET title = ?, description = ?, state = ?, priority = ?, scope = ?,
			product_id = ?, assigned_group = ?, executor = ?, gate = ?,
			dod_required = ?, metadata = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		t.Title, nullStr(t.Description), t.State, t.Priority, t.Scope,
		nullStr(t.ProductID), t.AssignedGroup, nullStr(t.Executor), t.Gate,
		boolInt(t.DodRequired), string(meta), readVersion+1, t.UpdatedAt,
		t.ID, readVersion,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleVersion
	}
	t.Version = readVersion + 1
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var description, productID, executor sql.NullString
	var dodRequired int
	var meta string

	err := row.Scan(
		&t.ID, &t.Title, &description, &t.TaskType, &t.State, &t.Priority,
		&t.Scope, &productID, &t.AssignedGroup, &executor, &t.CreatedBy,
		&t.Gate, &dodRequired, &meta, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Description = description.String
	t.ProductID = productID.String
	t.Executor = executor.String
	t.DodRequired = dodRequired != 0
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var description, productID, executor sql.NullString
	var dodRequired int
	var meta string

	err := rows.Scan(
		&t.ID, &t.Title, &description, &t.TaskType, &t.State, &t.Priority,
		&t.Scope, &productID, &t.AssignedGroup, &executor, &t.CreatedBy,
		&t.Gate, &dodRequired, &meta, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Description = description.String
	t.ProductID = productID.String
	t.Executor = executor.String
	t.DodRequired = dodRequired != 0
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	return &t, nil
}

// isUniqueViolation detects primary-key/unique collisions on both backends
// without depending on driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
