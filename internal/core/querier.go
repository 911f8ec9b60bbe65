package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read helpers can
// run standalone or inside an operation's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func resolveWarehouse(ctx context.Context, q querier, code string) (*Warehouse, error) {
	var w Warehouse
	err := q.QueryRow(ctx, `
		SELECT id, code, name, is_active, created_at
		FROM warehouses
		WHERE code = $1 AND is_active = true
	`, code).Scan(&w.ID, &w.Code, &w.Name, &w.IsActive, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("warehouse %s not found", code)
		}
		return nil, fmt.Errorf("failed to resolve warehouse: %w", err)
	}
	return &w, nil
}

func resolveProduct(ctx context.Context, q querier, code string) (*Product, error) {
	var p Product
	err := q.QueryRow(ctx, `
		SELECT id, code, name, hazardous, temperature_controlled, unit_weight, unit_volume, is_active
		FROM products
		WHERE code = $1 AND is_active = true
	`, code).Scan(&p.ID, &p.Code, &p.Name, &p.Hazardous, &p.TemperatureControlled,
		&p.UnitWeight, &p.UnitVolume, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s not found", code)
		}
		return nil, fmt.Errorf("failed to resolve product: %w", err)
	}
	return &p, nil
}
