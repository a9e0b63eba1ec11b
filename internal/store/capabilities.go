package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsplane/internal/ids"
)

// UpsertCapability grants or re-grants a capability. A re-grant on an
// existing (group, provider) reactivates the row and updates its fields.
func (s *Store) UpsertCapability(ctx context.Context, dbtx DBTX, c *Capability) error {
	allowed, err := marshalActions(c.AllowedActions)
	if err != nil {
		return err
	}
	denied, err := marshalActions(c.DeniedActions)
	if err != nil {
		return err
	}

	res, err := dbtx.ExecContext(ctx, s.q(`
		UPDATE capabilities
		SET access_level = ?, allowed_actions = ?, denied_actions = ?,
			granted_by = ?, granted_at = ?, expires_at = ?, active = 1
		WHERE group_folder = ? AND provider = ?
	`),
		c.AccessLevel, allowed, denied, c.GrantedBy, c.GrantedAt,
		nullStr(c.ExpiresAt), c.GroupFolder, c.Provider,
	)
	if err != nil {
		return fmt.Errorf("update capability: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.Active = true
		return nil
	}

	_, err = dbtx.ExecContext(ctx, s.q(`
		INSERT INTO capabilities (group_folder, provider, access_level,
			allowed_actions, denied_actions, granted_by, granted_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`),
		c.GroupFolder, c.Provider, c.AccessLevel, allowed, denied,
		c.GrantedBy, c.GrantedAt, nullStr(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert capability: %w", err)
	}
	c.Active = true
	return nil
}

// RevokeCapability flips active=false. The row is kept for audit.
func (s *Store) RevokeCapability(ctx context.Context, dbtx DBTX, group, provider string) error {
	res, err := dbtx.ExecContext(ctx, s.q(`
		UPDATE capabilities SET active = 0 WHERE group_folder = ? AND provider = ?
	`), group, provider)
	if err != nil {
		return fmt.Errorf("revoke capability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveCapability returns the active, unexpired capability for
// (group, provider), or ErrNotFound.
func (s *Store) GetActiveCapability(ctx context.Context, group, provider string, now time.Time) (*Capability, error) {
	c, err := s.getCapability(ctx, group, provider)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, ErrNotFound
	}
	if c.ExpiresAt != "" {
		exp, err := ids.ParseTime(c.ExpiresAt)
		if err == nil && !now.Before(exp) {
			return nil, ErrNotFound
		}
	}
	return c, nil
}

func (s *Store) getCapability(ctx context.Context, group, provider string) (*Capability, error) {
	var c Capability
	var allowed, denied, expiresAt sql.NullString
	var active int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT group_folder, provider, access_level, allowed_actions, denied_actions,
			granted_by, granted_at, expires_at, active
		FROM capabilities WHERE group_folder = ? AND provider = ?
	`), group, provider).Scan(
		&c.GroupFolder, &c.Provider, &c.AccessLevel, &allowed, &denied,
		&c.GrantedBy, &c.GrantedAt, &expiresAt, &active,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan capability: %w", err)
	}
	c.ExpiresAt = expiresAt.String
	c.Active = active != 0
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &c.AllowedActions); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_actions: %w", err)
		}
	}
	if denied.Valid && denied.String != "" {
		if err := json.Unmarshal([]byte(denied.String), &c.DeniedActions); err != nil {
			return nil, fmt.Errorf("unmarshal denied_actions: %w", err)
		}
	}
	return &c, nil
}

// ListCapabilities returns every capability row, active or not.
func (s *Store) ListCapabilities(ctx context.Context) ([]*Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_folder, provider, access_level, allowed_actions, denied_actions,
			granted_by, granted_at, expires_at, active
		FROM capabilities ORDER BY group_folder, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var caps []*Capability
	for rows.Next() {
		var c Capability
		var allowed, denied, expiresAt sql.NullString
		var active int
		if err := rows.Scan(&c.GroupFolder, &c.Provider, &c.AccessLevel, &allowed, &denied,
			&c.GrantedBy, &c.GrantedAt, &expiresAt, &active); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		c.ExpiresAt = expiresAt.String
		c.Active = active != 0
		if allowed.Valid && allowed.String != "" {
			json.Unmarshal([]byte(allowed.String), &c.AllowedActions) //nolint:errcheck
		}
		if denied.Valid && denied.String != "" {
			json.Unmarshal([]byte(denied.String), &c.DeniedActions) //nolint:errcheck
		}
		caps = append(caps, &c)
	}
	return caps, rows.Err()
}

// AddCapabilityApproval records one prior sign-off for an L3 grant.
func (s *Store) AddCapabilityApproval(ctx context.Context, dbtx DBTX, a *CapabilityApproval) error {
	_, err := dbtx.ExecContext(ctx, s.q(`
		INSERT INTO capability_approvals (group_folder, provider, approved_by, notes, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), a.GroupFolder, a.Provider, a.ApprovedBy, nullStr(a.Notes), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert capability approval: %w", err)
	}
	return nil
}

// CountDistinctCapabilityApprovers returns how many distinct groups have
// signed off on (group, provider). L3 grants require two.
func (s *Store) CountDistinctCapabilityApprovers(ctx context.Context, group, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(DISTINCT approved_by) FROM capability_approvals
		WHERE group_folder = ? AND provider = ?
	`), group, provider).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count capability approvers: %w", err)
	}
	return n, nil
}

func marshalActions(actions []string) (any, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}
	return string(b), nil
}
