package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Discrepancy is one (product, lot) pair whose ledger quantity disagrees with
// the net of its physical movement entries.
type Discrepancy struct {
	ProductCode      string
	WarehouseCode    string
	LotNumber        string
	LedgerQuantity   decimal.Decimal
	MovementQuantity decimal.Decimal
	Difference       decimal.Decimal
}

// Reconciler audits the lot ledger against the movement log and can rebuild
// the ledger from the log when they disagree. Reservation and quarantine
// entries carry no physical quantity change and are excluded from both sides.
type Reconciler struct {
	pool *pgxpool.Pool
}

func NewReconciler(pool *pgxpool.Pool) *Reconciler {
	return &Reconciler{pool: pool}
}

// physicalTypes is the SQL list of movement types that change on-hand
// quantity. Keep in sync with MovementType.IsPhysical.
const physicalTypes = `('RECEIPT', 'SHIPMENT', 'TRANSFER', 'ADJUSTMENT', 'COUNT', 'DAMAGE')`

// Reconcile compares, per (product, lot), the summed ledger quantity with the
// summed physical movement quantity in one warehouse. An empty result means
// the ledger is a faithful projection of the log. Pass an empty warehouse
// code to audit everything.
func (r *Reconciler) Reconcile(ctx context.Context, warehouseCode string) ([]Discrepancy, error) {
	rows, err := r.pool.Query(ctx, `
		WITH ledger AS (
			SELECT product_id, warehouse_id, lot_number, SUM(quantity) AS qty
			FROM lot_records
			GROUP BY product_id, warehouse_id, lot_number
		), log AS (
			SELECT product_id, warehouse_id, lot_number, SUM(quantity) AS qty
			FROM stock_movements
			WHERE movement_type IN `+physicalTypes+`
			GROUP BY product_id, warehouse_id, lot_number
		)
		SELECT p.code, w.code,
		       COALESCE(l.lot_number, m.lot_number),
		       COALESCE(l.qty, 0), COALESCE(m.qty, 0)
		FROM ledger l
		FULL OUTER JOIN log m USING (product_id, warehouse_id, lot_number)
		JOIN products p   ON p.id = COALESCE(l.product_id, m.product_id)
		JOIN warehouses w ON w.id = COALESCE(l.warehouse_id, m.warehouse_id)
		WHERE COALESCE(l.qty, 0) <> COALESCE(m.qty, 0)
		  AND ($1 = '' OR w.code = $1)
		ORDER BY p.code, COALESCE(l.lot_number, m.lot_number)
	`, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation: %w", err)
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.ProductCode, &d.WarehouseCode, &d.LotNumber,
			&d.LedgerQuantity, &d.MovementQuantity); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		d.Difference = d.LedgerQuantity.Sub(d.MovementQuantity)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating discrepancies: %w", err)
	}
	return out, nil
}

// RebuildLotLedger recomputes every lot record and every location occupancy
// from the physical movement entries, in one transaction. Quantities become
// the replayed net per slot; reserved drops to zero, which is why the rebuild
// refuses to run while any reservation is still active. Statuses of existing
// records survive: quarantine holds are operator decisions the log's physical
// entries cannot reconstruct.
func (r *Reconciler) RebuildLotLedger(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var active int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reservations WHERE status = 'ACTIVE'
	`).Scan(&active); err != nil {
		return fmt.Errorf("failed to count active reservations: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%d reservations are still active, ship or cancel them before rebuilding", active)
	}

	// Each entry is attributed to the slot it changed: inbound quantity to
	// the target location, outbound to the source. Correction entries carry
	// the same slot on both sides, so either branch works for them.
	const replayed = `
		SELECT product_id, warehouse_id, lot_number,
		       CASE WHEN quantity >= 0
		            THEN COALESCE(to_location_id, from_location_id)
		            ELSE COALESCE(from_location_id, to_location_id)
		       END AS location_id,
		       SUM(quantity) AS qty
		FROM stock_movements
		WHERE movement_type IN ` + physicalTypes + `
		GROUP BY 1, 2, 3, 4`

	// Slots with no surviving movement balance zero out. The rows stay in
	// place: reservation lines may still reference them.
	if _, err := tx.Exec(ctx, `
		UPDATE lot_records lr
		SET quantity = 0, reserved_quantity = 0, available_quantity = 0, updated_at = now()
		WHERE NOT EXISTS (
			SELECT 1 FROM (`+replayed+`) m
			WHERE m.product_id = lr.product_id
			  AND m.warehouse_id = lr.warehouse_id
			  AND m.lot_number = lr.lot_number
			  AND COALESCE(m.location_id, 0) = COALESCE(lr.location_id, 0)
			  AND m.qty <> 0
		)
	`); err != nil {
		return fmt.Errorf("failed to zero stale lot records: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE lot_records lr
		SET quantity = m.qty, reserved_quantity = 0, available_quantity = m.qty, updated_at = now()
		FROM (`+replayed+`) m
		WHERE m.product_id = lr.product_id
		  AND m.warehouse_id = lr.warehouse_id
		  AND m.lot_number = lr.lot_number
		  AND COALESCE(m.location_id, 0) = COALESCE(lr.location_id, 0)
	`); err != nil {
		return fmt.Errorf("failed to replay lot quantities: %w", err)
	}

	// Slots the log knows but the ledger lost entirely. Cost and expiry come
	// from the slot's most recent receiving entry.
	if _, err := tx.Exec(ctx, `
		INSERT INTO lot_records (product_id, warehouse_id, lot_number, location_id, status,
			quantity, reserved_quantity, available_quantity, unit_cost, expiry_date)
		SELECT m.product_id, m.warehouse_id, m.lot_number, m.location_id, 'AVAILABLE',
		       m.qty, 0, m.qty,
		       COALESCE((
		           SELECT sm.unit_cost FROM stock_movements sm
		           WHERE sm.product_id = m.product_id AND sm.warehouse_id = m.warehouse_id
		             AND sm.lot_number = m.lot_number AND sm.quantity > 0
		             AND sm.movement_type IN `+physicalTypes+`
		           ORDER BY sm.seq DESC LIMIT 1
		       ), 0),
		       (
		           SELECT sm.expiry_date FROM stock_movements sm
		           WHERE sm.product_id = m.product_id AND sm.warehouse_id = m.warehouse_id
		             AND sm.lot_number = m.lot_number AND sm.expiry_date IS NOT NULL
		           ORDER BY sm.seq DESC LIMIT 1
		       )
		FROM (`+replayed+`) m
		WHERE m.qty > 0
		  AND NOT EXISTS (
			SELECT 1 FROM lot_records lr
			WHERE lr.product_id = m.product_id
			  AND lr.warehouse_id = m.warehouse_id
			  AND lr.lot_number = m.lot_number
			  AND COALESCE(lr.location_id, 0) = COALESCE(m.location_id, 0)
		  )
	`); err != nil {
		return fmt.Errorf("failed to recreate missing lot records: %w", err)
	}

	// Occupancy is a projection of the rebuilt ledger.
	if _, err := tx.Exec(ctx, `
		UPDATE locations loc
		SET occupied_quantity = COALESCE(s.qty, 0),
		    occupied_product_id = s.product_id
		FROM (
			SELECT location_id, MAX(product_id) AS product_id, SUM(quantity) AS qty
			FROM lot_records
			WHERE location_id IS NOT NULL AND quantity > 0
			GROUP BY location_id
		) s
		WHERE s.location_id = loc.id
	`); err != nil {
		return fmt.Errorf("failed to rebuild occupancy: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE locations loc
		SET occupied_quantity = 0, occupied_product_id = NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM lot_records lr
			WHERE lr.location_id = loc.id AND lr.quantity > 0
		)
	`); err != nil {
		return fmt.Errorf("failed to clear empty occupancy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}
