package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// AllocationService is the operation surface the surrounding ERP calls into.
// Every write takes a caller idempotency key; a retried key returns the
// recorded outcome of the first application and performs no mutation.
type AllocationService interface {
	Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error)
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	Ship(ctx context.Context, req ShipRequest) (*ShipResult, error)
	CancelReservation(ctx context.Context, req CancelReservationRequest) (*CancelReservationResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Putaway(ctx context.Context, req PutawayRequest) (*TransferResult, error)
	Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error)
	Count(ctx context.Context, req CountRequest) (*AdjustResult, error)
	MarkDamaged(ctx context.Context, req DamageRequest) (*AdjustResult, error)
	Quarantine(ctx context.Context, req QuarantineRequest) (*AdjustResult, error)
	ReleaseQuarantine(ctx context.Context, req QuarantineRequest) (*AdjustResult, error)
	CurrentStock(ctx context.Context, productCode, warehouseCode, lotNumber string) (*StockSummary, error)
	MovementHistory(ctx context.Context, f MovementFilter, fn func(MovementEntry) error) error
}

// Engine orchestrates the Location Directory, Lot Ledger, and Movement Log.
// Each operation runs as one transaction: row locks are taken in a fixed
// global order (locations ascending, then lot records ascending), mutations
// are validated and applied, and the movement append happens last, so a
// committed log entry always reflects an applied change. A lock that cannot
// be acquired within lockWait fails the operation with ErrConcurrencyConflict
// instead of queueing.
type Engine struct {
	pool      *pgxpool.Pool
	locations *LocationDirectory
	lots      *LotLedger
	log       *MovementLog
	lockWait  time.Duration
}

func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{
		pool:      pool,
		locations: NewLocationDirectory(pool),
		lots:      NewLotLedger(pool),
		log:       NewMovementLog(pool),
		lockWait:  5 * time.Second,
	}
}

var _ AllocationService = (*Engine)(nil)

func (e *Engine) Locations() *LocationDirectory { return e.locations }
func (e *Engine) Lots() *LotLedger              { return e.lots }
func (e *Engine) Log() *MovementLog             { return e.log }

func (e *Engine) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", errors.Join(ErrPersistenceFailure, err))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", e.lockWait.Milliseconds())); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}
	return tx, nil
}

func commitOp(ctx context.Context, tx pgx.Tx, what string) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", what, errors.Join(ErrPersistenceFailure, err))
	}
	return nil
}

// claimOperation inserts the idempotency key inside the operation's own
// transaction. A rolled-back operation releases its claim, so failed
// attempts stay retryable; a committed one makes every retry a no-op.
func claimOperation(ctx context.Context, tx pgx.Tx, key, opType string) (claimed bool, priorRef string, err error) {
	if key == "" {
		return true, "", nil
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO engine_operations (idempotency_key, op_type)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, opType)
	if err != nil {
		return false, "", fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return true, "", nil
	}
	var priorType string
	err = tx.QueryRow(ctx, `
		SELECT op_type, result_ref FROM engine_operations WHERE idempotency_key = $1
	`, key).Scan(&priorType, &priorRef)
	if err != nil {
		return false, "", fmt.Errorf("failed to load prior operation for key %s: %w", key, err)
	}
	if priorType != opType {
		return false, "", fmt.Errorf("idempotency key %s was already used by a %s operation", key, priorType)
	}
	return false, priorRef, nil
}

func recordOutcome(ctx context.Context, tx pgx.Tx, key, resultRef string) error {
	if key == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE engine_operations SET result_ref = $2 WHERE idempotency_key = $1
	`, key, resultRef); err != nil {
		return fmt.Errorf("failed to record operation outcome: %w", err)
	}
	return nil
}

// ── Receive ───────────────────────────────────────────────────────────────────

func (e *Engine) Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("receive quantity must be positive, got %s", req.Quantity)
	}
	if req.UnitCost.IsNegative() {
		return nil, fmt.Errorf("unit cost cannot be negative, got %s", req.UnitCost)
	}
	if req.LotNumber == "" {
		return nil, fmt.Errorf("lot number is required")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, priorRef, err := claimOperation(ctx, tx, req.IdempotencyKey, "RECEIVE")
	if err != nil {
		return nil, err
	}

	product, err := resolveProduct(ctx, tx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	warehouse, err := resolveWarehouse(ctx, tx, req.WarehouseCode)
	if err != nil {
		return nil, err
	}
	var locationID *int
	if req.LocationCode != "" {
		loc, err := e.locations.ResolveLocation(ctx, tx, warehouse.ID, req.LocationCode)
		if err != nil {
			return nil, err
		}
		locationID = &loc.ID
	}

	if !claimed {
		lot, err := e.lots.Find(ctx, tx, product.ID, warehouse.ID, req.LotNumber, locationID)
		if err != nil {
			return nil, err
		}
		res := &ReceiveResult{Duplicate: true}
		if lot != nil {
			res.Lot = *lot
		}
		res.MovementSeq, _ = strconv.ParseInt(priorRef, 10, 64)
		return res, nil
	}

	if locationID != nil {
		if err := e.locations.ReserveCapacityTx(ctx, tx, *locationID, *product, req.Quantity); err != nil {
			return nil, err
		}
	}

	lot, err := e.lots.UpsertOnReceiptTx(ctx, tx, product.ID, warehouse.ID,
		req.LotNumber, locationID, req.Quantity, req.UnitCost, req.ExpiryDate)
	if err != nil {
		return nil, err
	}

	seq, err := e.log.AppendTx(ctx, tx, MovementEntry{
		ProductID:     product.ID,
		WarehouseID:   warehouse.ID,
		ToLocationID:  locationID,
		Type:          MovementReceipt,
		Quantity:      req.Quantity,
		LotNumber:     req.LotNumber,
		ExpiryDate:    req.ExpiryDate,
		UnitCost:      req.UnitCost,
		ReferenceType: req.Reference.Type,
		ReferenceID:   req.Reference.ID,
		Actor:         req.Actor,
	})
	if err != nil {
		return nil, err
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, strconv.FormatInt(seq, 10)); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "receipt"); err != nil {
		return nil, err
	}
	return &ReceiveResult{Lot: *lot, MovementSeq: seq}, nil
}

// ── Reserve ───────────────────────────────────────────────────────────────────

func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("reserve quantity must be positive, got %s", req.Quantity)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, priorRef, err := claimOperation(ctx, tx, req.IdempotencyKey, "RESERVE")
	if err != nil {
		return nil, err
	}
	if !claimed {
		ref, err := uuid.Parse(priorRef)
		if err != nil {
			return nil, fmt.Errorf("idempotency key %s has unparseable reservation outcome %q", req.IdempotencyKey, priorRef)
		}
		rsv, err := e.getReservation(ctx, tx, ref)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{ReservationRef: ref, Lines: rsv.Lines, Duplicate: true}, nil
	}

	product, err := resolveProduct(ctx, tx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	warehouse, err := resolveWarehouse(ctx, tx, req.WarehouseCode)
	if err != nil {
		return nil, err
	}

	cands, err := e.lots.CandidatesForUpdateTx(ctx, tx, product.ID, warehouse.ID, req.LotHint)
	if err != nil {
		return nil, err
	}
	plan, err := planAllocation(cands, req.Quantity)
	if err != nil {
		return nil, err
	}

	ref := uuid.New()
	var reservationID int
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations (reference, product_id, warehouse_id, requested_quantity, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ref, product.ID, warehouse.ID, req.Quantity, req.Reference.Type, req.Reference.ID).Scan(&reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	var lines []ReservationLine
	for _, leg := range plan {
		rec, err := e.lots.LockTx(ctx, tx, leg.LotRecordID)
		if err != nil {
			return nil, err
		}
		rec, err = e.lots.ReserveTx(ctx, tx, rec, leg.Quantity)
		if err != nil {
			return nil, err
		}

		var line ReservationLine
		err = tx.QueryRow(ctx, `
			INSERT INTO reservation_lines (reservation_id, lot_record_id, quantity)
			VALUES ($1, $2, $3)
			RETURNING id, reservation_id, lot_record_id, quantity, shipped_quantity
		`, reservationID, leg.LotRecordID, leg.Quantity).Scan(
			&line.ID, &line.ReservationID, &line.LotRecordID, &line.Quantity, &line.ShippedQuantity)
		if err != nil {
			return nil, fmt.Errorf("failed to insert reservation line: %w", err)
		}
		lines = append(lines, line)

		if _, err := e.log.AppendTx(ctx, tx, MovementEntry{
			ProductID:      product.ID,
			WarehouseID:    warehouse.ID,
			FromLocationID: rec.LocationID,
			Type:           MovementReservation,
			Quantity:       leg.Quantity,
			LotNumber:      rec.LotNumber,
			ExpiryDate:     rec.ExpiryDate,
			ReferenceType:  req.Reference.Type,
			ReferenceID:    req.Reference.ID,
			PairReference:  &ref,
		}); err != nil {
			return nil, err
		}
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, ref.String()); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "reservation"); err != nil {
		return nil, err
	}
	return &ReserveResult{ReservationRef: ref, Lines: lines}, nil
}

func (e *Engine) getReservation(ctx context.Context, q querier, ref uuid.UUID) (*Reservation, error) {
	var r Reservation
	err := q.QueryRow(ctx, `
		SELECT id, reference, product_id, warehouse_id, requested_quantity, shipped_quantity,
		       status, reference_type, reference_id, created_at
		FROM reservations
		WHERE reference = $1
	`, ref).Scan(&r.ID, &r.Reference, &r.ProductID, &r.WarehouseID, &r.RequestedQuantity,
		&r.ShippedQuantity, &r.Status, &r.ReferenceType, &r.ReferenceID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", ref, ErrReservationNotFound)
		}
		return nil, fmt.Errorf("failed to query reservation %s: %w", ref, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, reservation_id, lot_record_id, quantity, shipped_quantity
		FROM reservation_lines
		WHERE reservation_id = $1
		ORDER BY id
	`, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line ReservationLine
		if err := rows.Scan(&line.ID, &line.ReservationID, &line.LotRecordID, &line.Quantity, &line.ShippedQuantity); err != nil {
			return nil, fmt.Errorf("failed to scan reservation line: %w", err)
		}
		r.Lines = append(r.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservation lines: %w", err)
	}
	return &r, nil
}

// lockReservation loads the header row under FOR UPDATE. Any status other
// than ACTIVE reports ErrReservationNotFound: a cancelled or fully shipped
// hold no longer exists as far as callers are concerned.
func (e *Engine) lockReservation(ctx context.Context, tx pgx.Tx, ref uuid.UUID) (*Reservation, error) {
	var r Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, reference, product_id, warehouse_id, requested_quantity, shipped_quantity,
		       status, reference_type, reference_id, created_at
		FROM reservations
		WHERE reference = $1
		FOR UPDATE
	`, ref).Scan(&r.ID, &r.Reference, &r.ProductID, &r.WarehouseID, &r.RequestedQuantity,
		&r.ShippedQuantity, &r.Status, &r.ReferenceType, &r.ReferenceID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", ref, ErrReservationNotFound)
		}
		return nil, fmt.Errorf("failed to lock reservation %s: %w", ref, mapPgError(err))
	}
	if r.Status != ReservationActive {
		return nil, fmt.Errorf("reservation %s is %s: %w", ref, r.Status, ErrReservationNotFound)
	}
	return &r, nil
}

// openLine is a reservation line with unshipped quantity, joined with the
// lot fields the FEFO consumption order needs.
type openLine struct {
	lineID     int
	lotID      int
	remaining  decimal.Decimal
	locationID *int
	cand       lotCandidate
}

func (e *Engine) openLines(ctx context.Context, tx pgx.Tx, reservationID int) ([]openLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT rl.id, rl.lot_record_id, rl.quantity - rl.shipped_quantity,
		       lr.location_id, lr.lot_number, lr.expiry_date, lr.received_at, lr.unit_cost
		FROM reservation_lines rl
		JOIN lot_records lr ON lr.id = rl.lot_record_id
		WHERE rl.reservation_id = $1 AND rl.quantity > rl.shipped_quantity
		ORDER BY rl.id
	`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation lines: %w", err)
	}
	defer rows.Close()

	var lines []openLine
	for rows.Next() {
		var l openLine
		if err := rows.Scan(&l.lineID, &l.lotID, &l.remaining,
			&l.locationID, &l.cand.LotNumber, &l.cand.Expiry, &l.cand.ReceivedAt, &l.cand.UnitCost); err != nil {
			return nil, fmt.Errorf("failed to scan reservation line: %w", err)
		}
		l.cand.LotRecordID = l.lotID
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservation lines: %w", err)
	}
	return lines, nil
}

// lockLinesInOrder takes the global lock order over everything a shipment or
// cancellation will touch: the lines' locations ascending, then their lot
// records ascending.
func (e *Engine) lockLinesInOrder(ctx context.Context, tx pgx.Tx, lines []openLine) error {
	var locIDs []int
	seen := map[int]bool{}
	for _, l := range lines {
		if l.locationID != nil && !seen[*l.locationID] {
			seen[*l.locationID] = true
			locIDs = append(locIDs, *l.locationID)
		}
	}
	if err := e.locations.LockTx(ctx, tx, locIDs...); err != nil {
		return err
	}

	lotIDs := make([]int, 0, len(lines))
	for _, l := range lines {
		lotIDs = append(lotIDs, l.lotID)
	}
	sort.Ints(lotIDs)
	for _, id := range lotIDs {
		if _, err := e.lots.LockTx(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// ── Ship ──────────────────────────────────────────────────────────────────────

func (e *Engine) Ship(ctx context.Context, req ShipRequest) (*ShipResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("ship quantity must be positive, got %s", req.Quantity)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, _, err := claimOperation(ctx, tx, req.IdempotencyKey, "SHIP")
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ShipResult{Duplicate: true}, nil
	}

	rsv, err := e.lockReservation(ctx, tx, req.ReservationRef)
	if err != nil {
		return nil, err
	}

	lines, err := e.openLines(ctx, tx, rsv.ID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.remaining)
	}
	if req.Quantity.GreaterThan(total) {
		return nil, fmt.Errorf("reservation %s holds %s, ship of %s: %w",
			req.ReservationRef, total, req.Quantity, ErrQuantityMismatch)
	}

	if err := e.lockLinesInOrder(ctx, tx, lines); err != nil {
		return nil, err
	}

	// Consume lines in FEFO order, not insertion order, so partial
	// shipments keep draining the earliest-expiring stock first.
	sort.SliceStable(lines, func(i, j int) bool {
		return fefoLess(lines[i].cand, lines[j].cand)
	})

	var seqs []int64
	toShip := req.Quantity
	for _, l := range lines {
		if toShip.IsZero() {
			break
		}
		take := decimal.Min(l.remaining, toShip)

		rec, err := e.lots.LockTx(ctx, tx, l.lotID)
		if err != nil {
			return nil, err
		}
		rec, err = e.lots.CommitShipmentTx(ctx, tx, rec, take)
		if err != nil {
			return nil, err
		}
		if rec.LocationID != nil {
			if err := e.locations.ReleaseCapacityTx(ctx, tx, *rec.LocationID, take); err != nil {
				return nil, err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE reservation_lines SET shipped_quantity = shipped_quantity + $1 WHERE id = $2
		`, take, l.lineID); err != nil {
			return nil, fmt.Errorf("failed to update reservation line %d: %w", l.lineID, err)
		}

		ref := req.ReservationRef
		seq, err := e.log.AppendTx(ctx, tx, MovementEntry{
			ProductID:      rsv.ProductID,
			WarehouseID:    rsv.WarehouseID,
			FromLocationID: rec.LocationID,
			Type:           MovementShipment,
			Quantity:       take.Neg(),
			LotNumber:      rec.LotNumber,
			ExpiryDate:     rec.ExpiryDate,
			UnitCost:       rec.UnitCost,
			ReferenceType:  rsv.ReferenceType,
			ReferenceID:    rsv.ReferenceID,
			PairReference:  &ref,
			Actor:          req.Actor,
		})
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
		toShip = toShip.Sub(take)
	}

	remaining := total.Sub(req.Quantity)
	status := ReservationActive
	if remaining.IsZero() {
		status = ReservationShipped
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET shipped_quantity = shipped_quantity + $1, status = $2 WHERE id = $3
	`, req.Quantity, status, rsv.ID); err != nil {
		return nil, fmt.Errorf("failed to update reservation %s: %w", req.ReservationRef, err)
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, formatSeqs(seqs)); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "shipment"); err != nil {
		return nil, err
	}
	return &ShipResult{MovementSeqs: seqs, Remaining: remaining}, nil
}

func formatSeqs(seqs []int64) string {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.FormatInt(s, 10)
	}
	return strings.Join(parts, ",")
}

// ── Cancel reservation ────────────────────────────────────────────────────────

func (e *Engine) CancelReservation(ctx context.Context, req CancelReservationRequest) (*CancelReservationResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, _, err := claimOperation(ctx, tx, req.IdempotencyKey, "CANCEL_RESERVATION")
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &CancelReservationResult{Duplicate: true}, nil
	}

	rsv, err := e.lockReservation(ctx, tx, req.ReservationRef)
	if err != nil {
		return nil, err
	}
	lines, err := e.openLines(ctx, tx, rsv.ID)
	if err != nil {
		return nil, err
	}
	if err := e.lockLinesInOrder(ctx, tx, lines); err != nil {
		return nil, err
	}

	released := decimal.Zero
	for _, l := range lines {
		rec, err := e.lots.LockTx(ctx, tx, l.lotID)
		if err != nil {
			return nil, err
		}
		rec, err = e.lots.ReleaseReservationTx(ctx, tx, rec, l.remaining)
		if err != nil {
			return nil, err
		}

		// Close the line: its unshipped remainder is gone.
		if _, err := tx.Exec(ctx, `
			UPDATE reservation_lines SET quantity = shipped_quantity WHERE id = $1
		`, l.lineID); err != nil {
			return nil, fmt.Errorf("failed to close reservation line %d: %w", l.lineID, err)
		}

		ref := req.ReservationRef
		if _, err := e.log.AppendTx(ctx, tx, MovementEntry{
			ProductID:      rsv.ProductID,
			WarehouseID:    rsv.WarehouseID,
			FromLocationID: rec.LocationID,
			Type:           MovementReservationCancel,
			Quantity:       l.remaining.Neg(),
			LotNumber:      rec.LotNumber,
			ExpiryDate:     rec.ExpiryDate,
			ReferenceType:  rsv.ReferenceType,
			ReferenceID:    rsv.ReferenceID,
			PairReference:  &ref,
			Actor:          req.Actor,
		}); err != nil {
			return nil, err
		}
		released = released.Add(l.remaining)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = 'CANCELLED' WHERE id = $1
	`, rsv.ID); err != nil {
		return nil, fmt.Errorf("failed to cancel reservation %s: %w", req.ReservationRef, err)
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, released.String()); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "reservation cancellation"); err != nil {
		return nil, err
	}
	return &CancelReservationResult{Released: released}, nil
}

// ── Transfer / putaway ────────────────────────────────────────────────────────

func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("transfer quantity must be positive, got %s", req.Quantity)
	}
	if req.ToLocationCode == "" {
		return nil, fmt.Errorf("target location is required")
	}
	if req.FromLocationCode == req.ToLocationCode {
		return nil, fmt.Errorf("source and target location are the same")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, _, err := claimOperation(ctx, tx, req.IdempotencyKey, "TRANSFER")
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &TransferResult{Duplicate: true}, nil
	}

	product, err := resolveProduct(ctx, tx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	warehouse, err := resolveWarehouse(ctx, tx, req.WarehouseCode)
	if err != nil {
		return nil, err
	}

	var fromLocID *int
	locIDs := []int{}
	if req.FromLocationCode != "" {
		loc, err := e.locations.ResolveLocation(ctx, tx, warehouse.ID, req.FromLocationCode)
		if err != nil {
			return nil, err
		}
		fromLocID = &loc.ID
		locIDs = append(locIDs, loc.ID)
	}
	toLoc, err := e.locations.ResolveLocation(ctx, tx, warehouse.ID, req.ToLocationCode)
	if err != nil {
		return nil, err
	}
	locIDs = append(locIDs, toLoc.ID)

	// Snapshot reads to learn both lot record ids, then lock everything in
	// the canonical order before validating against the locked state.
	source, err := e.lots.Find(ctx, tx, product.ID, warehouse.ID, req.LotNumber, fromLocID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("lot %s of product %s has no stock at the source: %w",
			req.LotNumber, req.ProductCode, ErrInsufficientStock)
	}
	target, err := e.lots.Find(ctx, tx, product.ID, warehouse.ID, req.LotNumber, &toLoc.ID)
	if err != nil {
		return nil, err
	}

	if err := e.locations.LockTx(ctx, tx, locIDs...); err != nil {
		return nil, err
	}
	lotIDs := []int{source.ID}
	if target != nil {
		lotIDs = append(lotIDs, target.ID)
	}
	sort.Ints(lotIDs)
	for _, id := range lotIDs {
		rec, err := e.lots.LockTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if id == source.ID {
			source = rec
		}
	}

	if source.Status != LotAvailable {
		return nil, fmt.Errorf("lot record %d is %s: %w", source.ID, source.Status, ErrInsufficientAvailable)
	}
	if req.Quantity.GreaterThan(source.AvailableQuantity) {
		return nil, fmt.Errorf("lot record %d has %s available, transfer of %s: %w",
			source.ID, source.AvailableQuantity, req.Quantity, ErrInsufficientAvailable)
	}

	// Both legs of the placement change; either failure aborts the whole
	// transfer before any ledger write.
	if fromLocID != nil {
		if err := e.locations.ReleaseCapacityTx(ctx, tx, *fromLocID, req.Quantity); err != nil {
			return nil, err
		}
	}
	if err := e.locations.ReserveCapacityTx(ctx, tx, toLoc.ID, *product, req.Quantity); err != nil {
		return nil, err
	}

	fromLot, err := e.lots.AdjustTx(ctx, tx, source, req.Quantity.Neg(), "")
	if err != nil {
		return nil, err
	}
	toLot, err := e.lots.UpsertOnReceiptTx(ctx, tx, product.ID, warehouse.ID,
		req.LotNumber, &toLoc.ID, req.Quantity, source.UnitCost, source.ExpiryDate)
	if err != nil {
		return nil, err
	}

	pair := uuid.New()
	var seqs [2]int64
	seqs[0], err = e.log.AppendTx(ctx, tx, MovementEntry{
		ProductID:      product.ID,
		WarehouseID:    warehouse.ID,
		FromLocationID: fromLocID,
		Type:           MovementTransfer,
		Quantity:       req.Quantity.Neg(),
		LotNumber:      req.LotNumber,
		ExpiryDate:     source.ExpiryDate,
		UnitCost:       source.UnitCost,
		ReferenceType:  req.Reference.Type,
		ReferenceID:    req.Reference.ID,
		PairReference:  &pair,
		Actor:          req.Actor,
	})
	if err != nil {
		return nil, err
	}
	seqs[1], err = e.log.AppendTx(ctx, tx, MovementEntry{
		ProductID:     product.ID,
		WarehouseID:   warehouse.ID,
		ToLocationID:  &toLoc.ID,
		Type:          MovementTransfer,
		Quantity:      req.Quantity,
		LotNumber:     req.LotNumber,
		ExpiryDate:    source.ExpiryDate,
		UnitCost:      source.UnitCost,
		ReferenceType: req.Reference.Type,
		ReferenceID:   req.Reference.ID,
		PairReference: &pair,
		Actor:         req.Actor,
	})
	if err != nil {
		return nil, err
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, pair.String()); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "transfer"); err != nil {
		return nil, err
	}
	return &TransferResult{FromLot: fromLot, ToLot: *toLot, MovementSeqs: seqs}, nil
}

// Putaway places unplaced stock into a location. Without an explicit target
// the engine asks the directory for candidates and takes the first.
func (e *Engine) Putaway(ctx context.Context, req PutawayRequest) (*TransferResult, error) {
	toCode := req.ToLocationCode
	if toCode == "" {
		product, err := resolveProduct(ctx, e.pool, req.ProductCode)
		if err != nil {
			return nil, err
		}
		cands, err := e.locations.FindCandidateLocations(ctx, req.WarehouseCode, *product, req.Quantity)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			return nil, fmt.Errorf("no compatible location with capacity for %s units of %s: %w",
				req.Quantity, req.ProductCode, ErrCapacityExceeded)
		}
		toCode = cands[0].Code
	}
	return e.Transfer(ctx, TransferRequest{
		ProductCode:    req.ProductCode,
		WarehouseCode:  req.WarehouseCode,
		ToLocationCode: toCode,
		LotNumber:      req.LotNumber,
		Quantity:       req.Quantity,
		Actor:          req.Actor,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// ── Adjust / count / damage ───────────────────────────────────────────────────

func (e *Engine) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	if req.Delta.IsZero() {
		return nil, fmt.Errorf("adjustment delta must be non-zero")
	}
	return e.applyCorrection(ctx, correction{
		opType: "ADJUST", movement: MovementAdjustment,
		productCode: req.ProductCode, warehouseCode: req.WarehouseCode,
		lotNumber: req.LotNumber, locationCode: req.LocationCode,
		delta: req.Delta, reason: req.ReasonCode, actor: req.Actor, key: req.IdempotencyKey,
	})
}

// Count books the signed difference between the observed quantity and the
// ledger. A count that matches still appends a zero-quantity entry: the
// audit trail shows the count happened.
func (e *Engine) Count(ctx context.Context, req CountRequest) (*AdjustResult, error) {
	if req.Observed.IsNegative() {
		return nil, fmt.Errorf("observed quantity cannot be negative, got %s", req.Observed)
	}
	return e.applyCorrection(ctx, correction{
		opType: "COUNT", movement: MovementCount,
		productCode: req.ProductCode, warehouseCode: req.WarehouseCode,
		lotNumber: req.LotNumber, locationCode: req.LocationCode,
		observed: &req.Observed, reason: "CYCLE_COUNT", actor: req.Actor, key: req.IdempotencyKey,
	})
}

// MarkDamaged writes off damaged quantity. Available or quarantined stock
// may be damaged; a record written off to zero becomes DAMAGED.
func (e *Engine) MarkDamaged(ctx context.Context, req DamageRequest) (*AdjustResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("damage quantity must be positive, got %s", req.Quantity)
	}
	return e.applyCorrection(ctx, correction{
		opType: "DAMAGE", movement: MovementDamage,
		productCode: req.ProductCode, warehouseCode: req.WarehouseCode,
		lotNumber: req.LotNumber, locationCode: req.LocationCode,
		delta: req.Quantity.Neg(), reason: req.ReasonCode, actor: req.Actor, key: req.IdempotencyKey,
		allowQuarantine: true, terminalStatus: LotDamaged,
	})
}

type correction struct {
	opType          string
	movement        MovementType
	productCode     string
	warehouseCode   string
	lotNumber       string
	locationCode    string
	delta           decimal.Decimal
	observed        *decimal.Decimal // set for counts: delta derives from the locked record
	reason          string
	actor           string
	key             string
	allowQuarantine bool
	terminalStatus  LotStatus
}

func (e *Engine) applyCorrection(ctx context.Context, c correction) (*AdjustResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, _, err := claimOperation(ctx, tx, c.key, c.opType)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &AdjustResult{Duplicate: true}, nil
	}

	product, err := resolveProduct(ctx, tx, c.productCode)
	if err != nil {
		return nil, err
	}
	warehouse, err := resolveWarehouse(ctx, tx, c.warehouseCode)
	if err != nil {
		return nil, err
	}
	var locationID *int
	if c.locationCode != "" {
		loc, err := e.locations.ResolveLocation(ctx, tx, warehouse.ID, c.locationCode)
		if err != nil {
			return nil, err
		}
		locationID = &loc.ID
		if err := e.locations.LockTx(ctx, tx, loc.ID); err != nil {
			return nil, err
		}
	}

	rec, err := e.lots.Find(ctx, tx, product.ID, warehouse.ID, c.lotNumber, locationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("lot %s of product %s has no record at this slot: %w",
			c.lotNumber, c.productCode, ErrInsufficientStock)
	}
	rec, err = e.lots.LockTx(ctx, tx, rec.ID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case LotAvailable:
	case LotQuarantine:
		if !c.allowQuarantine {
			return nil, fmt.Errorf("lot record %d is quarantined: %w", rec.ID, ErrInvalidAdjustment)
		}
	default:
		return nil, fmt.Errorf("lot record %d is %s: %w", rec.ID, rec.Status, ErrInvalidAdjustment)
	}

	delta := c.delta
	if c.observed != nil {
		delta = c.observed.Sub(rec.Quantity)
	}

	if !delta.IsZero() {
		if locationID != nil {
			if delta.IsPositive() {
				if err := e.locations.ReserveCapacityTx(ctx, tx, *locationID, *product, delta); err != nil {
					return nil, err
				}
			} else {
				if err := e.locations.ReleaseCapacityTx(ctx, tx, *locationID, delta.Neg()); err != nil {
					return nil, err
				}
			}
		}
		rec, err = e.lots.AdjustTx(ctx, tx, rec, delta, c.terminalStatus)
		if err != nil {
			return nil, err
		}
	}

	var reason *string
	if c.reason != "" {
		reason = &c.reason
	}
	entry := MovementEntry{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Type:        c.movement,
		Quantity:    delta,
		LotNumber:   c.lotNumber,
		ExpiryDate:  rec.ExpiryDate,
		UnitCost:    rec.UnitCost,
		ReasonCode:  reason,
		Actor:       c.actor,
	}
	// Corrections carry the slot on both sides: the stock did not move,
	// it changed in place.
	entry.FromLocationID = locationID
	entry.ToLocationID = locationID
	seq, err := e.log.AppendTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := recordOutcome(ctx, tx, c.key, strconv.FormatInt(seq, 10)); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "correction"); err != nil {
		return nil, err
	}
	return &AdjustResult{Lot: *rec, Delta: delta, MovementSeq: seq}, nil
}

// ── Quarantine hold / release ─────────────────────────────────────────────────

func (e *Engine) Quarantine(ctx context.Context, req QuarantineRequest) (*AdjustResult, error) {
	return e.toggleQuarantine(ctx, req, LotAvailable, LotQuarantine, MovementQuarantine, "QUARANTINE")
}

func (e *Engine) ReleaseQuarantine(ctx context.Context, req QuarantineRequest) (*AdjustResult, error) {
	return e.toggleQuarantine(ctx, req, LotQuarantine, LotAvailable, MovementQuarantineRelease, "QUARANTINE_RELEASE")
}

func (e *Engine) toggleQuarantine(ctx context.Context, req QuarantineRequest,
	from, to LotStatus, movement MovementType, opType string) (*AdjustResult, error) {

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	claimed, _, err := claimOperation(ctx, tx, req.IdempotencyKey, opType)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &AdjustResult{Duplicate: true}, nil
	}

	product, err := resolveProduct(ctx, tx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	warehouse, err := resolveWarehouse(ctx, tx, req.WarehouseCode)
	if err != nil {
		return nil, err
	}
	var locationID *int
	if req.LocationCode != "" {
		loc, err := e.locations.ResolveLocation(ctx, tx, warehouse.ID, req.LocationCode)
		if err != nil {
			return nil, err
		}
		locationID = &loc.ID
	}

	rec, err := e.lots.Find(ctx, tx, product.ID, warehouse.ID, req.LotNumber, locationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("lot %s of product %s has no record at this slot: %w",
			req.LotNumber, req.ProductCode, ErrInsufficientStock)
	}
	rec, err = e.lots.LockTx(ctx, tx, rec.ID)
	if err != nil {
		return nil, err
	}
	if to == LotQuarantine && rec.ReservedQuantity.IsPositive() {
		return nil, fmt.Errorf("lot record %d has %s reserved and cannot be quarantined: %w",
			rec.ID, rec.ReservedQuantity, ErrInvalidAdjustment)
	}

	rec, err = e.lots.SetStatusTx(ctx, tx, rec, from, to)
	if err != nil {
		return nil, err
	}

	var reason *string
	if req.ReasonCode != "" {
		reason = &req.ReasonCode
	}
	seq, err := e.log.AppendTx(ctx, tx, MovementEntry{
		ProductID:      product.ID,
		WarehouseID:    warehouse.ID,
		FromLocationID: locationID,
		ToLocationID:   locationID,
		Type:           movement,
		Quantity:       decimal.Zero,
		LotNumber:      req.LotNumber,
		ExpiryDate:     rec.ExpiryDate,
		UnitCost:       rec.UnitCost,
		ReasonCode:     reason,
		Actor:          req.Actor,
	})
	if err != nil {
		return nil, err
	}

	if err := recordOutcome(ctx, tx, req.IdempotencyKey, strconv.FormatInt(seq, 10)); err != nil {
		return nil, err
	}
	if err := commitOp(ctx, tx, "quarantine toggle"); err != nil {
		return nil, err
	}
	return &AdjustResult{Lot: *rec, MovementSeq: seq}, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

func (e *Engine) CurrentStock(ctx context.Context, productCode, warehouseCode, lotNumber string) (*StockSummary, error) {
	return e.lots.CurrentStock(ctx, productCode, warehouseCode, lotNumber)
}

func (e *Engine) MovementHistory(ctx context.Context, f MovementFilter, fn func(MovementEntry) error) error {
	return e.log.Walk(ctx, f, fn)
}
