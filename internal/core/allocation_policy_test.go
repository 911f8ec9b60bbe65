package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestSortFEFO_Ordering(t *testing.T) {
	received := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	cands := []lotCandidate{
		{LotRecordID: 1, LotNumber: "LOT-NOEXP", Available: decimal.NewFromInt(10), Expiry: nil, ReceivedAt: received},
		{LotRecordID: 2, LotNumber: "LOT-LATE", Available: decimal.NewFromInt(10), Expiry: date(2026, 6, 1), ReceivedAt: received},
		{LotRecordID: 3, LotNumber: "LOT-EARLY", Available: decimal.NewFromInt(10), Expiry: date(2026, 3, 1), ReceivedAt: received},
	}
	sortFEFO(cands)

	want := []string{"LOT-EARLY", "LOT-LATE", "LOT-NOEXP"}
	for i, w := range want {
		if cands[i].LotNumber != w {
			t.Errorf("Position %d: expected %s, got %s", i, w, cands[i].LotNumber)
		}
	}
}

func TestSortFEFO_TieBreaks(t *testing.T) {
	exp := date(2026, 3, 1)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	cands := []lotCandidate{
		{LotRecordID: 1, LotNumber: "B", Expiry: exp, ReceivedAt: newer, UnitCost: decimal.NewFromInt(5)},
		{LotRecordID: 2, LotNumber: "A", Expiry: exp, ReceivedAt: newer, UnitCost: decimal.NewFromInt(5)},
		{LotRecordID: 3, LotNumber: "C", Expiry: exp, ReceivedAt: older, UnitCost: decimal.NewFromInt(9)},
		{LotRecordID: 4, LotNumber: "D", Expiry: exp, ReceivedAt: newer, UnitCost: decimal.NewFromInt(3)},
	}
	sortFEFO(cands)

	// Same expiry: oldest receipt first, then cheaper, then lot number.
	want := []string{"C", "D", "A", "B"}
	for i, w := range want {
		if cands[i].LotNumber != w {
			t.Errorf("Position %d: expected %s, got %s", i, w, cands[i].LotNumber)
		}
	}
}

func TestPlanAllocation_SplitsAcrossLots(t *testing.T) {
	cands := []lotCandidate{
		{LotRecordID: 1, LotNumber: "LATE", Available: decimal.NewFromInt(100), Expiry: date(2026, 9, 1)},
		{LotRecordID: 2, LotNumber: "EARLY", Available: decimal.NewFromInt(60), Expiry: date(2026, 4, 1)},
	}
	plan, err := planAllocation(cands, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("planAllocation failed: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("Expected 2 legs, got %d", len(plan))
	}
	if plan[0].LotRecordID != 2 || !plan[0].Quantity.Equal(decimal.NewFromInt(60)) {
		t.Errorf("First leg should drain EARLY fully, got lot %d qty %s", plan[0].LotRecordID, plan[0].Quantity)
	}
	if plan[1].LotRecordID != 1 || !plan[1].Quantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Second leg should take 40 from LATE, got lot %d qty %s", plan[1].LotRecordID, plan[1].Quantity)
	}
}

func TestPlanAllocation_AllOrNothing(t *testing.T) {
	cands := []lotCandidate{
		{LotRecordID: 1, LotNumber: "A", Available: decimal.NewFromInt(30)},
		{LotRecordID: 2, LotNumber: "B", Available: decimal.NewFromInt(20)},
	}
	plan, err := planAllocation(cands, decimal.NewFromInt(51))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}
	if plan != nil {
		t.Errorf("Short plan must be empty, got %d legs", len(plan))
	}
}

func TestPlanAllocation_RejectsNonPositive(t *testing.T) {
	if _, err := planAllocation(nil, decimal.Zero); err == nil {
		t.Error("Expected error for zero quantity")
	}
	if _, err := planAllocation(nil, decimal.NewFromInt(-5)); err == nil {
		t.Error("Expected error for negative quantity")
	}
}

func TestLocationAccepts_Compatibility(t *testing.T) {
	plain := Product{ID: 1, Code: "WIDGET", UnitWeight: decimal.NewFromInt(2), UnitVolume: decimal.NewFromInt(1)}
	hazmat := Product{ID: 2, Code: "ACID", Hazardous: true}
	frozen := Product{ID: 3, Code: "FROZEN", TemperatureControlled: true}

	loc := Location{
		ID: 1, Code: "A-01", Type: LocationStorage, IsActive: true,
		MaxQuantity: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}

	if err := locationAccepts(loc, plain, decimal.NewFromInt(50)); err != nil {
		t.Errorf("Plain product should fit: %v", err)
	}
	if err := locationAccepts(loc, hazmat, decimal.NewFromInt(1)); !errors.Is(err, ErrIncompatibleLocation) {
		t.Errorf("Expected ErrIncompatibleLocation for hazardous, got %v", err)
	}
	if err := locationAccepts(loc, frozen, decimal.NewFromInt(1)); !errors.Is(err, ErrIncompatibleLocation) {
		t.Errorf("Expected ErrIncompatibleLocation for temperature controlled, got %v", err)
	}

	inactive := loc
	inactive.IsActive = false
	if err := locationAccepts(inactive, plain, decimal.NewFromInt(1)); !errors.Is(err, ErrIncompatibleLocation) {
		t.Errorf("Expected ErrIncompatibleLocation for inactive, got %v", err)
	}

	otherID := 99
	occupied := loc
	occupied.OccupiedProductID = &otherID
	occupied.OccupiedQuantity = decimal.NewFromInt(10)
	if err := locationAccepts(occupied, plain, decimal.NewFromInt(1)); !errors.Is(err, ErrIncompatibleLocation) {
		t.Errorf("Expected ErrIncompatibleLocation for foreign occupant, got %v", err)
	}
}

func TestLocationAccepts_Capacity(t *testing.T) {
	p := Product{ID: 1, Code: "WIDGET", UnitWeight: decimal.NewFromInt(2), UnitVolume: decimal.NewFromInt(3)}
	loc := Location{
		ID: 1, Code: "A-01", Type: LocationStorage, IsActive: true,
		MaxQuantity:      decimal.NewNullDecimal(decimal.NewFromInt(100)),
		MaxWeight:        decimal.NewNullDecimal(decimal.NewFromInt(150)),
		MaxVolume:        decimal.NewNullDecimal(decimal.NewFromInt(400)),
		OccupiedQuantity: decimal.NewFromInt(40),
	}
	pid := 1
	loc.OccupiedProductID = &pid

	// 40 + 30 = 70 qty, 140 weight, 210 volume: all within limits.
	if err := locationAccepts(loc, p, decimal.NewFromInt(30)); err != nil {
		t.Errorf("Placement within all limits failed: %v", err)
	}
	// Quantity limit: 40 + 61 > 100.
	if err := locationAccepts(loc, p, decimal.NewFromInt(61)); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded on quantity, got %v", err)
	}
	// Weight limit: (40+40)*2 = 160 > 150 while quantity 80 <= 100.
	if err := locationAccepts(loc, p, decimal.NewFromInt(40)); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected ErrCapacityExceeded on weight, got %v", err)
	}

	// No maxima means unconstrained.
	open := Location{ID: 2, Code: "BULK", Type: LocationStorage, IsActive: true}
	if err := locationAccepts(open, p, decimal.NewFromInt(1_000_000)); err != nil {
		t.Errorf("Unconstrained location rejected placement: %v", err)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	got := weightedAverageCost(
		decimal.NewFromInt(100), decimal.NewFromInt(200),
		decimal.NewFromInt(100), decimal.NewFromInt(300))
	if !got.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Expected 250, got %s", got)
	}

	// Empty record takes the incoming cost.
	got = weightedAverageCost(decimal.Zero, decimal.NewFromInt(999), decimal.NewFromInt(10), decimal.NewFromInt(5))
	if !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected 5, got %s", got)
	}
}

func TestMovementType_IsPhysical(t *testing.T) {
	physical := []MovementType{MovementReceipt, MovementShipment, MovementTransfer, MovementAdjustment, MovementCount, MovementDamage}
	for _, m := range physical {
		if !m.IsPhysical() {
			t.Errorf("%s should be physical", m)
		}
	}
	bookkeeping := []MovementType{MovementReservation, MovementReservationCancel, MovementQuarantine, MovementQuarantineRelease}
	for _, m := range bookkeeping {
		if m.IsPhysical() {
			t.Errorf("%s should not be physical", m)
		}
	}
}
