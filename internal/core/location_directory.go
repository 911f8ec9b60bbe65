package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LocationDirectory owns the storage slots of each warehouse: their capacity
// and compatibility attributes and their current occupancy. It never touches
// lot records; the allocation engine coordinates both sides.
type LocationDirectory struct {
	pool *pgxpool.Pool
}

func NewLocationDirectory(pool *pgxpool.Pool) *LocationDirectory {
	return &LocationDirectory{pool: pool}
}

const locationColumns = `id, warehouse_id, code, location_type, max_quantity, max_weight, max_volume,
	hazardous_allowed, temperature_controlled, is_active, occupied_product_id, occupied_quantity`

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.WarehouseID, &l.Code, &l.Type,
		&l.MaxQuantity, &l.MaxWeight, &l.MaxVolume,
		&l.HazardousAllowed, &l.TemperatureControlled, &l.IsActive,
		&l.OccupiedProductID, &l.OccupiedQuantity)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ResolveLocation looks up an active location by warehouse and code without
// locking it.
func (d *LocationDirectory) ResolveLocation(ctx context.Context, q querier, warehouseID int, code string) (*Location, error) {
	loc, err := scanLocation(q.QueryRow(ctx, `
		SELECT `+locationColumns+`
		FROM locations
		WHERE warehouse_id = $1 AND code = $2
	`, warehouseID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("location %s not found in warehouse %d", code, warehouseID)
		}
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}
	return loc, nil
}

// FindCandidateLocations returns active, compatible locations with enough
// remaining capacity for qty units of the product. Partially filled
// compatible locations come first so lots consolidate; ties break by
// location code ascending for determinism.
func (d *LocationDirectory) FindCandidateLocations(ctx context.Context, warehouseCode string, p Product, qty decimal.Decimal) ([]Location, error) {
	w, err := resolveWarehouse(ctx, d.pool, warehouseCode)
	if err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx, `
		SELECT `+locationColumns+`
		FROM locations
		WHERE warehouse_id = $1
		  AND is_active = true
		  AND location_type = 'STORAGE'
		  AND (occupied_product_id IS NULL OR occupied_product_id = $2)
		ORDER BY (occupied_quantity > 0) DESC, code ASC
	`, w.ID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate locations: %w", err)
	}
	defer rows.Close()

	var candidates []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		if locationAccepts(*loc, p, qty) == nil {
			candidates = append(candidates, *loc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return candidates, nil
}

// LockTx acquires row locks on the given locations in ascending id order.
// Every operation locks its locations before any lot record, so two
// operations touching overlapping slots always collide in the same order.
func (d *LocationDirectory) LockTx(ctx context.Context, tx pgx.Tx, ids ...int) error {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	for _, id := range sorted {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM locations WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("failed to lock location %d: %w", id, mapPgError(err))
		}
	}
	return nil
}

// ReserveCapacityTx checks compatibility and capacity and claims qty units
// of the location for the product, all under the row lock. It fails closed:
// a violated constraint leaves occupancy untouched.
func (d *LocationDirectory) ReserveCapacityTx(ctx context.Context, tx pgx.Tx, locationID int, p Product, qty decimal.Decimal) error {
	loc, err := scanLocation(tx.QueryRow(ctx, `
		SELECT `+locationColumns+`
		FROM locations
		WHERE id = $1
		FOR UPDATE
	`, locationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("location %d not found", locationID)
		}
		return fmt.Errorf("failed to lock location %d: %w", locationID, mapPgError(err))
	}

	if err := locationAccepts(*loc, p, qty); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE locations
		SET occupied_product_id = $1, occupied_quantity = occupied_quantity + $2
		WHERE id = $3
	`, p.ID, qty, locationID)
	if err != nil {
		return fmt.Errorf("failed to update occupancy of location %s: %w", loc.Code, mapPgError(err))
	}
	return nil
}

// ReleaseCapacityTx gives back qty units of occupancy. At zero the location
// becomes unoccupied but stays active.
func (d *LocationDirectory) ReleaseCapacityTx(ctx context.Context, tx pgx.Tx, locationID int, qty decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE locations
		SET occupied_quantity = GREATEST(occupied_quantity - $1, 0),
		    occupied_product_id = CASE
		        WHEN GREATEST(occupied_quantity - $1, 0) = 0 THEN NULL
		        ELSE occupied_product_id
		    END
		WHERE id = $2
	`, qty, locationID)
	if err != nil {
		return fmt.Errorf("failed to release occupancy of location %d: %w", locationID, mapPgError(err))
	}
	return nil
}
