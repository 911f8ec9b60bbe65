package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MovementLog is the append-only record of every stock-affecting event and
// the durable source of truth: the lot ledger is a projection that can be
// rebuilt from it. The schema rejects UPDATE and DELETE, so corrections are
// always new compensating entries.
type MovementLog struct {
	pool *pgxpool.Pool
}

func NewMovementLog(pool *pgxpool.Pool) *MovementLog {
	return &MovementLog{pool: pool}
}

// ErrStopWalk stops a Walk early without reporting an error.
var ErrStopWalk = errors.New("stop walk")

const walkBatchSize = 256

const movementColumns = `seq, product_id, warehouse_id, from_location_id, to_location_id,
	movement_type, quantity, lot_number, expiry_date, unit_cost,
	reference_type, reference_id, pair_reference, reason_code, actor, created_at`

func scanMovement(row pgx.Row) (*MovementEntry, error) {
	var e MovementEntry
	err := row.Scan(&e.Seq, &e.ProductID, &e.WarehouseID, &e.FromLocationID, &e.ToLocationID,
		&e.Type, &e.Quantity, &e.LotNumber, &e.ExpiryDate, &e.UnitCost,
		&e.ReferenceType, &e.ReferenceID, &e.PairReference, &e.ReasonCode, &e.Actor, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendTx appends one entry inside the operation's transaction and returns
// its sequence position. The engine appends last, after every mutation has
// validated, so the log never records an event that did not apply.
func (m *MovementLog) AppendTx(ctx context.Context, tx pgx.Tx, e MovementEntry) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO stock_movements (product_id, warehouse_id, from_location_id, to_location_id,
			movement_type, quantity, lot_number, expiry_date, unit_cost,
			reference_type, reference_id, pair_reference, reason_code, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq
	`, e.ProductID, e.WarehouseID, e.FromLocationID, e.ToLocationID,
		e.Type, e.Quantity, e.LotNumber, e.ExpiryDate, e.UnitCost,
		e.ReferenceType, e.ReferenceID, e.PairReference, e.ReasonCode, e.Actor).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append movement entry: %w", mapPgError(err))
	}
	return seq, nil
}

// Walk streams matching entries to fn in ascending sequence order, fetching
// in keyset batches so arbitrarily long histories never load at once. An
// interrupted walk restarts from the last seen position via
// MovementFilter.SinceSeq. fn returning ErrStopWalk ends the walk cleanly.
func (m *MovementLog) Walk(ctx context.Context, f MovementFilter, fn func(MovementEntry) error) error {
	var productID, warehouseID int
	if f.ProductCode != "" {
		p, err := resolveProduct(ctx, m.pool, f.ProductCode)
		if err != nil {
			return err
		}
		productID = p.ID
	}
	if f.WarehouseCode != "" {
		w, err := resolveWarehouse(ctx, m.pool, f.WarehouseCode)
		if err != nil {
			return err
		}
		warehouseID = w.ID
	}

	cursor := f.SinceSeq
	for {
		batch, err := m.fetchBatch(ctx, cursor, productID, warehouseID, f)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return nil
				}
				return err
			}
			cursor = e.Seq
		}
		if len(batch) < walkBatchSize {
			return nil
		}
	}
}

func (m *MovementLog) fetchBatch(ctx context.Context, cursor int64, productID, warehouseID int, f MovementFilter) ([]MovementEntry, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE seq > $1
		  AND ($2 = 0 OR product_id = $2)
		  AND ($3 = 0 OR warehouse_id = $3)
		  AND ($4 = '' OR lot_number = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		ORDER BY seq
		LIMIT $6
	`, cursor, productID, warehouseID, f.LotNumber, f.Since, walkBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement entries: %w", err)
	}
	defer rows.Close()

	var batch []MovementEntry
	for rows.Next() {
		e, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement entry: %w", err)
		}
		batch = append(batch, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating movement entries: %w", err)
	}
	return batch, nil
}

// EntriesFor collects a filtered walk into a slice, for callers that want
// the history in memory.
func (m *MovementLog) EntriesFor(ctx context.Context, f MovementFilter) ([]MovementEntry, error) {
	var entries []MovementEntry
	err := m.Walk(ctx, f, func(e MovementEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
