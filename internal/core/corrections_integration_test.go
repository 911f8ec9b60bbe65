package core_test

import (
	"errors"
	"testing"

	"stock-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestAdjust_SignedCorrections(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 50, 100, "")

	res, err := engine.Adjust(ctx, core.AdjustRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Delta:         decimal.NewFromInt(-8),
		ReasonCode:    "SHRINKAGE",
		Actor:         "auditor",
	})
	if err != nil {
		t.Fatalf("Negative adjust failed: %v", err)
	}
	if !res.Lot.Quantity.Equal(decimal.NewFromInt(42)) {
		t.Errorf("Expected 42, got %s", res.Lot.Quantity)
	}
	if got := occupancyOf(t, ctx, pool, "A-01"); !got.Equal(decimal.NewFromInt(42)) {
		t.Errorf("Occupancy must follow the adjustment, got %s", got)
	}

	res, err = engine.Adjust(ctx, core.AdjustRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Delta:         decimal.NewFromInt(3),
		ReasonCode:    "FOUND",
		Actor:         "auditor",
	})
	if err != nil {
		t.Fatalf("Positive adjust failed: %v", err)
	}
	if !res.Lot.Quantity.Equal(decimal.NewFromInt(45)) {
		t.Errorf("Expected 45, got %s", res.Lot.Quantity)
	}
}

func TestAdjust_CannotGoNegativeOrTouchReserved(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 50, 100, "")

	_, err := engine.Adjust(ctx, core.AdjustRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Delta:         decimal.NewFromInt(-51),
		ReasonCode:    "TYPO",
	})
	if !errors.Is(err, core.ErrInvalidAdjustment) {
		t.Fatalf("Expected ErrInvalidAdjustment below zero, got %v", err)
	}

	if _, err := engine.Reserve(ctx, core.ReserveRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		Quantity:      decimal.NewFromInt(45),
	}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Only 5 are unreserved; a -10 correction would eat into the hold.
	_, err = engine.Adjust(ctx, core.AdjustRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Delta:         decimal.NewFromInt(-10),
		ReasonCode:    "SHRINKAGE",
	})
	if !errors.Is(err, core.ErrInvalidAdjustment) {
		t.Fatalf("Expected ErrInvalidAdjustment against reserved stock, got %v", err)
	}
}

func TestCount_BooksObservedDifference(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 50, 100, "")

	res, err := engine.Count(ctx, core.CountRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Observed:      decimal.NewFromInt(47),
		Actor:         "counter-3",
	})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if !res.Delta.Equal(decimal.NewFromInt(-3)) {
		t.Errorf("Expected delta -3, got %s", res.Delta)
	}
	if !res.Lot.Quantity.Equal(decimal.NewFromInt(47)) {
		t.Errorf("Expected quantity 47, got %s", res.Lot.Quantity)
	}

	// A matching count still leaves an audit entry with zero quantity.
	before := movementCount(t, ctx, pool)
	res, err = engine.Count(ctx, core.CountRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Observed:      decimal.NewFromInt(47),
		Actor:         "counter-3",
	})
	if err != nil {
		t.Fatalf("Matching count failed: %v", err)
	}
	if !res.Delta.IsZero() {
		t.Errorf("Expected zero delta, got %s", res.Delta)
	}
	if after := movementCount(t, ctx, pool); after != before+1 {
		t.Errorf("Matching count must still log one entry: %d -> %d", before, after)
	}
}

func TestMarkDamaged_WritesOffStock(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 20, 100, "")

	res, err := engine.MarkDamaged(ctx, core.DamageRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Quantity:      decimal.NewFromInt(5),
		ReasonCode:    "FORKLIFT_IMPACT",
		Actor:         "supervisor",
	})
	if err != nil {
		t.Fatalf("MarkDamaged failed: %v", err)
	}
	if !res.Lot.Quantity.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected 15 after write-off, got %s", res.Lot.Quantity)
	}
	if res.Lot.Status != core.LotAvailable {
		t.Errorf("Partially damaged record stays AVAILABLE, got %s", res.Lot.Status)
	}

	// Writing off the rest retires the record as DAMAGED.
	res, err = engine.MarkDamaged(ctx, core.DamageRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Quantity:      decimal.NewFromInt(15),
		ReasonCode:    "WATER_DAMAGE",
	})
	if err != nil {
		t.Fatalf("Full write-off failed: %v", err)
	}
	if res.Lot.Status != core.LotDamaged {
		t.Errorf("Expected DAMAGED at zero, got %s", res.Lot.Status)
	}
	if got := occupancyOf(t, ctx, pool, "A-01"); !got.IsZero() {
		t.Errorf("Expected empty location after write-off, got %s", got)
	}
}

func TestQuarantine_BlocksReservationUntilReleased(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 30, 100, "")

	if _, err := engine.Quarantine(ctx, core.QuarantineRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		ReasonCode:    "QA_HOLD",
		Actor:         "qa",
	}); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	// On hand but not reservable.
	s := stockOf(t, ctx, engine, "WIDGET")
	if !s.Quantity.Equal(decimal.NewFromInt(30)) || !s.Available.IsZero() {
		t.Errorf("Expected 30 on hand / 0 available, got %s/%s", s.Quantity, s.Available)
	}
	_, err := engine.Reserve(ctx, core.ReserveRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		Quantity:      decimal.NewFromInt(10),
	})
	if !errors.Is(err, core.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock while quarantined, got %v", err)
	}

	// Quarantined stock cannot take plain adjustments but can be damaged off.
	_, err = engine.Adjust(ctx, core.AdjustRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Delta:         decimal.NewFromInt(-1),
		ReasonCode:    "SHRINKAGE",
	})
	if !errors.Is(err, core.ErrInvalidAdjustment) {
		t.Fatalf("Expected ErrInvalidAdjustment on quarantined record, got %v", err)
	}
	if _, err := engine.MarkDamaged(ctx, core.DamageRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Quantity:      decimal.NewFromInt(5),
		ReasonCode:    "QA_REJECT",
	}); err != nil {
		t.Fatalf("Damage on quarantined record failed: %v", err)
	}

	if _, err := engine.ReleaseQuarantine(ctx, core.QuarantineRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		Actor:         "qa",
	}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, err := engine.Reserve(ctx, core.ReserveRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		Quantity:      decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
}

func TestQuarantine_RefusesReservedStock(t *testing.T) {
	pool, engine, ctx := setupTestDB(t)
	defer pool.Close()

	mustReceive(t, ctx, engine, "A-01", "LOT-1", 30, 100, "")
	if _, err := engine.Reserve(ctx, core.ReserveRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		Quantity:      decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err := engine.Quarantine(ctx, core.QuarantineRequest{
		ProductCode:   "WIDGET",
		WarehouseCode: "WH1",
		LocationCode:  "A-01",
		LotNumber:     "LOT-1",
		ReasonCode:    "QA_HOLD",
	})
	if !errors.Is(err, core.ErrInvalidAdjustment) {
		t.Fatalf("Expected ErrInvalidAdjustment on held stock, got %v", err)
	}
}
