package core_test

import (
	"testing"

	"stock-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestMovementLog_IsAppendOnly(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 10, 100, "")

	if _, err := pool.Exec(ctx, `UPDATE stock_movements SET quantity = 999`); err == nil {
		t.Error("UPDATE on stock_movements must be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM stock_movements`); err == nil {
		t.Error("DELETE on stock_movements must be rejected")
	}
}

func TestMovementHistory_FilterAndOrder(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 50, 100, "")
	mustReceive(t, ctx, engine, "A-02", "LOT-2", 30, 100, "")
	if _, err := engine.Receive(ctx, core.ReceiveRequest{
		ProductCode:   "ACID",
		WarehouseCode: "WH1",
		LocationCode:  "HAZ-01",
		LotNumber:     "LOT-A",
		Quantity:      decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	var seen []core.MovementEntry
	err := engine.MovementHistory(ctx, core.MovementFilter{ProductCode: "WIDGET", WarehouseCode: "WH1"},
		func(e core.MovementEntry) error {
			seen = append(seen, e)
			return nil
		})
	if err != nil {
		t.Fatalf("MovementHistory failed: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Expected 2 entries for WIDGET, got %d", len(seen))
	}
	if seen[0].Seq >= seen[1].Seq {
		t.Errorf("Entries must stream in ascending seq order: %d then %d", seen[0].Seq, seen[1].Seq)
	}
	for _, e := range seen {
		if e.Type != core.MovementReceipt {
			t.Errorf("Expected only receipts, got %s", e.Type)
		}
	}

	// Lot filter narrows further.
	seen = nil
	err = engine.MovementHistory(ctx, core.MovementFilter{ProductCode: "WIDGET", LotNumber: "LOT-2"},
		func(e core.MovementEntry) error {
			seen = append(seen, e)
			return nil
		})
	if err != nil {
		t.Fatalf("Filtered history failed: %v", err)
	}
	if len(seen) != 1 || seen[0].LotNumber != "LOT-2" {
		t.Fatalf("Expected exactly the LOT-2 entry, got %d entries", len(seen))
	}
}

func TestMovementHistory_StopAndResume(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	for i := 0; i < 5; i++ {
		mustReceive(t, ctx, engine, "A-01", "LOT-1", 10, 100, "")
	}

	// Stop after two entries, remember the position.
	var lastSeq int64
	count := 0
	err := engine.MovementHistory(ctx, core.MovementFilter{}, func(e core.MovementEntry) error {
		count++
		lastSeq = e.Seq
		if count == 2 {
			return core.ErrStopWalk
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk with stop failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected walk to stop at 2, saw %d", count)
	}

	// Resume from the cursor and pick up the remaining three.
	rest := 0
	err = engine.MovementHistory(ctx, core.MovementFilter{SinceSeq: lastSeq}, func(e core.MovementEntry) error {
		rest++
		return nil
	})
	if err != nil {
		t.Fatalf("Resumed walk failed: %v", err)
	}
	if rest != 3 {
		t.Errorf("Expected 3 remaining entries, got %d", rest)
	}
}

// TestFullLifecycleAudit drives a receipt through reservation, shipment, and
// damage, and verifies the log tells the whole story with a balanced
// physical sum.
func TestFullLifecycleAudit(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 100, 100, "2026-06-01")

	rsv, err := engine.Reserve(ctx, core.ReserveRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		Quantity:      decimal.NewFromInt(40),
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Ship(ctx, core.ShipRequest{
		ReservationRef: rsv.ReservationRef,
		Quantity:       decimal.NewFromInt(40),
		Actor:          "picker-7",
	}); err != nil {
		t.Fatalf("Ship failed: %v", err)
	}
	if _, err := engine.MarkDamaged(ctx, core.DamageRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Quantity:      decimal.NewFromInt(10),
		ReasonCode:    "CRUSHED",
	}); err != nil {
		t.Fatalf("MarkDamaged failed: %v", err)
	}

	var entries []core.MovementEntry
	if err := engine.MovementHistory(ctx, core.MovementFilter{ProductCode: "WIDGET"}, func(e core.MovementEntry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("MovementHistory failed: %v", err)
	}

	wantTypes := []core.MovementType{
		core.MovementReceipt, core.MovementReservation, core.MovementShipment, core.MovementDamage,
	}
	if len(entries) != len(wantTypes) {
		t.Fatalf("Expected %d entries, got %d", len(wantTypes), len(entries))
	}
	physical := decimal.Zero
	for i, e := range entries {
		if e.Type != wantTypes[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, wantTypes[i], e.Type)
		}
		if e.Type.IsPhysical() {
			physical = physical.Add(e.Quantity)
		}
	}

	// 100 - 40 - 10 = 50, matching the ledger.
	if !physical.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Physical sum should be 50, got %s", physical)
	}
	s := stockOf(t, ctx, engine, "WIDGET")
	if !s.Quantity.Equal(physical) {
		t.Errorf("Ledger %s disagrees with log %s", s.Quantity, physical)
	}
}
