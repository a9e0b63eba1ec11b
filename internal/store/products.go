package store

import (
	"context"
	"database/sql"
	"fmt"

	"opsplane/internal/ids"
)

// UpsertProduct inserts or updates a product by ID. A caller-supplied
// created_at is honored on insert; updates always keep the stored one.
func (s *Store) UpsertProduct(ctx context.Context, dbtx DBTX, p *Product) error {
	now := ids.Timestamp()
	if p.Status == "" {
		p.Status = ProductActive
	}
	if p.RiskLevel == "" {
		p.RiskLevel = "normal"
	}

	existing, err := s.GetProduct(ctx, dbtx, p.ID)
	if err != nil && err != ErrNotFound {
		return err
	}

	if existing == nil {
		if p.CreatedAt == "" {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		_, err := dbtx.ExecContext(ctx, s.q(`
			INSERT INTO products (id, name, status, risk_level, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), p.ID, p.Name, p.Status, p.RiskLevel, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		return nil
	}

	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now
	_, err = dbtx.ExecContext(ctx, s.q(`
		UPDATE products SET name = ?, status = ?, risk_level = ?, updated_at = ?
		WHERE id = ?
	`), p.Name, p.Status, p.RiskLevel, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

// GetProduct loads a product by ID.
func (s *Store) GetProduct(ctx context.Context, dbtx DBTX, id string) (*Product, error) {
	var p Product
	err := dbtx.QueryRowContext(ctx, s.q(`
		SELECT id, name, status, risk_level, created_at, updated_at
		FROM products WHERE id = ?
	`), id).Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return &p, nil
}

// ListProducts returns all products ordered by ID.
func (s *Store) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, risk_level, created_at, updated_at
		FROM products ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}
