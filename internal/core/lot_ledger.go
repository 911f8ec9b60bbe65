package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LotLedger owns the per-(product, warehouse, lot, location) stock records.
// The allocation engine is the only writer; all mutating methods are
// TX-scoped so each operation composes them into one atomic unit.
type LotLedger struct {
	pool *pgxpool.Pool
}

func NewLotLedger(pool *pgxpool.Pool) *LotLedger {
	return &LotLedger{pool: pool}
}

const lotColumns = `id, product_id, warehouse_id, lot_number, location_id, status,
	quantity, reserved_quantity, available_quantity, unit_cost, expiry_date, received_at, updated_at`

func scanLot(row pgx.Row) (*LotRecord, error) {
	var l LotRecord
	err := row.Scan(&l.ID, &l.ProductID, &l.WarehouseID, &l.LotNumber, &l.LocationID, &l.Status,
		&l.Quantity, &l.ReservedQuantity, &l.AvailableQuantity, &l.UnitCost,
		&l.ExpiryDate, &l.ReceivedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Find returns the record for one identity tuple, or nil when none exists.
// locationID nil addresses the unplaced record of the lot.
func (l *LotLedger) Find(ctx context.Context, q querier, productID, warehouseID int, lotNumber string, locationID *int) (*LotRecord, error) {
	rec, err := scanLot(q.QueryRow(ctx, `
		SELECT `+lotColumns+`
		FROM lot_records
		WHERE product_id = $1 AND warehouse_id = $2 AND lot_number = $3
		  AND COALESCE(location_id, 0) = COALESCE($4::int, 0)
	`, productID, warehouseID, lotNumber, locationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query lot record: %w", err)
	}
	return rec, nil
}

// LockTx reloads a record under FOR UPDATE. Callers lock lot records in
// ascending id order, after any location locks.
func (l *LotLedger) LockTx(ctx context.Context, tx pgx.Tx, id int) (*LotRecord, error) {
	rec, err := scanLot(tx.QueryRow(ctx, `
		SELECT `+lotColumns+`
		FROM lot_records
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lot record %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock lot record %d: %w", id, mapPgError(err))
	}
	return rec, nil
}

// UpsertOnReceiptTx merges a receipt into the existing record for the
// identity tuple, or creates one. An existing record takes the receipt only
// when it can hold stock again: available records merge with a weighted
// average cost, zero-quantity shipped or damaged records are revived.
func (l *LotLedger) UpsertOnReceiptTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int,
	lotNumber string, locationID *int, qty, unitCost decimal.Decimal, expiry *time.Time) (*LotRecord, error) {

	existing, err := scanLot(tx.QueryRow(ctx, `
		SELECT `+lotColumns+`
		FROM lot_records
		WHERE product_id = $1 AND warehouse_id = $2 AND lot_number = $3
		  AND COALESCE(location_id, 0) = COALESCE($4::int, 0)
		FOR UPDATE
	`, productID, warehouseID, lotNumber, locationID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock lot record: %w", mapPgError(err))
	}

	if existing == nil {
		rec, err := scanLot(tx.QueryRow(ctx, `
			INSERT INTO lot_records (product_id, warehouse_id, lot_number, location_id, status,
				quantity, reserved_quantity, available_quantity, unit_cost, expiry_date)
			VALUES ($1, $2, $3, $4, 'AVAILABLE', $5, 0, $5, $6, $7)
			RETURNING `+lotColumns+`
		`, productID, warehouseID, lotNumber, locationID, qty, unitCost, expiry))
		if err != nil {
			return nil, fmt.Errorf("failed to insert lot record: %w", mapPgError(err))
		}
		return rec, nil
	}

	switch {
	case existing.Status == LotAvailable:
		// merge below
	case existing.Quantity.IsZero() && existing.Status != LotQuarantine:
		// shipped-out or written-off record accepting fresh stock again
	default:
		return nil, fmt.Errorf("lot %s at this slot is %s and cannot accept receipts", lotNumber, existing.Status)
	}

	newCost := weightedAverageCost(existing.Quantity, existing.UnitCost, qty, unitCost)
	newExpiry := existing.ExpiryDate
	if expiry != nil {
		newExpiry = expiry
	}
	rec, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET status = 'AVAILABLE',
		    quantity = quantity + $1,
		    available_quantity = available_quantity + $1,
		    unit_cost = $2,
		    expiry_date = $3,
		    updated_at = now()
		WHERE id = $4
		RETURNING `+lotColumns+`
	`, qty, newCost, newExpiry, existing.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to merge receipt into lot record %d: %w", existing.ID, mapPgError(err))
	}
	return rec, nil
}

// ReserveTx moves qty from available to reserved on an already locked record.
func (l *LotLedger) ReserveTx(ctx context.Context, tx pgx.Tx, rec *LotRecord, qty decimal.Decimal) (*LotRecord, error) {
	if rec.Status != LotAvailable {
		return nil, fmt.Errorf("lot record %d is %s: %w", rec.ID, rec.Status, ErrInsufficientAvailable)
	}
	if qty.GreaterThan(rec.AvailableQuantity) {
		return nil, fmt.Errorf("lot record %d has %s available, need %s: %w",
			rec.ID, rec.AvailableQuantity, qty, ErrInsufficientAvailable)
	}
	updated, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET reserved_quantity = reserved_quantity + $1,
		    available_quantity = available_quantity - $1,
		    updated_at = now()
		WHERE id = $2
		RETURNING `+lotColumns+`
	`, qty, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve on lot record %d: %w", rec.ID, mapPgError(err))
	}
	return updated, nil
}

// CommitShipmentTx removes physically shipped stock: quantity and reserved
// both drop by qty. A record shipped down to zero becomes SHIPPED.
func (l *LotLedger) CommitShipmentTx(ctx context.Context, tx pgx.Tx, rec *LotRecord, qty decimal.Decimal) (*LotRecord, error) {
	if qty.GreaterThan(rec.ReservedQuantity) {
		return nil, fmt.Errorf("lot record %d has %s reserved, need %s: %w",
			rec.ID, rec.ReservedQuantity, qty, ErrInsufficientReserved)
	}
	updated, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET quantity = quantity - $1,
		    reserved_quantity = reserved_quantity - $1,
		    status = CASE WHEN quantity - $1 = 0 THEN 'SHIPPED' ELSE status END,
		    updated_at = now()
		WHERE id = $2
		RETURNING `+lotColumns+`
	`, qty, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to ship from lot record %d: %w", rec.ID, mapPgError(err))
	}
	return updated, nil
}

// ReleaseReservationTx reverses a reserve.
func (l *LotLedger) ReleaseReservationTx(ctx context.Context, tx pgx.Tx, rec *LotRecord, qty decimal.Decimal) (*LotRecord, error) {
	if qty.GreaterThan(rec.ReservedQuantity) {
		return nil, fmt.Errorf("lot record %d has %s reserved, release of %s: %w",
			rec.ID, rec.ReservedQuantity, qty, ErrInvalidReleaseAmount)
	}
	updated, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET reserved_quantity = reserved_quantity - $1,
		    available_quantity = available_quantity + $1,
		    updated_at = now()
		WHERE id = $2
		RETURNING `+lotColumns+`
	`, qty, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to release reservation on lot record %d: %w", rec.ID, mapPgError(err))
	}
	return updated, nil
}

// AdjustTx applies a signed delta to quantity. Neither quantity nor
// available may go negative; reserved stock is untouchable this way.
func (l *LotLedger) AdjustTx(ctx context.Context, tx pgx.Tx, rec *LotRecord, delta decimal.Decimal, terminalStatus LotStatus) (*LotRecord, error) {
	newQty := rec.Quantity.Add(delta)
	newAvail := rec.AvailableQuantity.Add(delta)
	if newQty.IsNegative() || newAvail.IsNegative() {
		return nil, fmt.Errorf("delta %s on lot record %d (quantity %s, available %s): %w",
			delta, rec.ID, rec.Quantity, rec.AvailableQuantity, ErrInvalidAdjustment)
	}
	status := rec.Status
	if newQty.IsZero() && terminalStatus != "" {
		status = terminalStatus
	}
	updated, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET quantity = $1,
		    available_quantity = $2,
		    status = $3,
		    updated_at = now()
		WHERE id = $4
		RETURNING `+lotColumns+`
	`, newQty, newAvail, status, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to adjust lot record %d: %w", rec.ID, mapPgError(err))
	}
	return updated, nil
}

// SetStatusTx drives the quarantine branch of the lot state machine.
func (l *LotLedger) SetStatusTx(ctx context.Context, tx pgx.Tx, rec *LotRecord, from, to LotStatus) (*LotRecord, error) {
	if rec.Status != from {
		return nil, fmt.Errorf("lot record %d is %s, expected %s", rec.ID, rec.Status, from)
	}
	updated, err := scanLot(tx.QueryRow(ctx, `
		UPDATE lot_records
		SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+lotColumns+`
	`, to, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to set status of lot record %d: %w", rec.ID, mapPgError(err))
	}
	return updated, nil
}

// CandidatesForUpdateTx locks every available lot of the product in the
// warehouse that still has available stock, in ascending id order, and
// returns them as FEFO selection input. lotHint restricts to one lot number.
func (l *LotLedger) CandidatesForUpdateTx(ctx context.Context, tx pgx.Tx, productID, warehouseID int, lotHint string) ([]lotCandidate, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, lot_number, available_quantity, expiry_date, received_at, unit_cost
		FROM lot_records
		WHERE product_id = $1 AND warehouse_id = $2
		  AND status = 'AVAILABLE' AND available_quantity > 0
		  AND ($3 = '' OR lot_number = $3)
		ORDER BY id
		FOR UPDATE
	`, productID, warehouseID, lotHint)
	if err != nil {
		return nil, fmt.Errorf("failed to lock candidate lots: %w", mapPgError(err))
	}
	defer rows.Close()

	var cands []lotCandidate
	for rows.Next() {
		var c lotCandidate
		if err := rows.Scan(&c.LotRecordID, &c.LotNumber, &c.Available, &c.Expiry, &c.ReceivedAt, &c.UnitCost); err != nil {
			return nil, fmt.Errorf("failed to scan candidate lot: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate lots: %w", mapPgError(err))
	}
	return cands, nil
}

// CurrentStock aggregates quantity, reserved, and available over the lot
// records of a product in a warehouse, optionally narrowed to one lot.
// Available counts only records in AVAILABLE status: quarantined stock is on
// hand but not reservable.
func (l *LotLedger) CurrentStock(ctx context.Context, productCode, warehouseCode, lotNumber string) (*StockSummary, error) {
	s := StockSummary{ProductCode: productCode, WarehouseCode: warehouseCode}
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(lr.quantity), 0),
		       COALESCE(SUM(lr.reserved_quantity), 0),
		       COALESCE(SUM(lr.available_quantity) FILTER (WHERE lr.status = 'AVAILABLE'), 0)
		FROM lot_records lr
		JOIN products p   ON p.id = lr.product_id
		JOIN warehouses w ON w.id = lr.warehouse_id
		WHERE p.code = $1 AND w.code = $2
		  AND ($3 = '' OR lr.lot_number = $3)
	`, productCode, warehouseCode, lotNumber).Scan(&s.Quantity, &s.Reserved, &s.Available)
	if err != nil {
		return nil, fmt.Errorf("failed to query current stock: %w", err)
	}
	return &s, nil
}
