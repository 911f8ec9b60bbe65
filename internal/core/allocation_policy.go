package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// lotCandidate is a locked lot row eligible for reservation selection.
type lotCandidate struct {
	LotRecordID int
	LotNumber   string
	Available   decimal.Decimal
	Expiry      *time.Time // nil = no expiry
	ReceivedAt  time.Time
	UnitCost    decimal.Decimal
}

// sortFEFO orders candidates first-expiry-first-out: earliest expiry first
// (no expiry last), then oldest receipt, then lowest unit cost, then lot
// number ascending. The explicit sort makes selection deterministic
// regardless of retrieval order.
func sortFEFO(cands []lotCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return fefoLess(cands[i], cands[j])
	})
}

func fefoLess(a, b lotCandidate) bool {
	switch {
	case a.Expiry == nil && b.Expiry != nil:
		return false
	case a.Expiry != nil && b.Expiry == nil:
		return true
	case a.Expiry != nil && b.Expiry != nil && !a.Expiry.Equal(*b.Expiry):
		return a.Expiry.Before(*b.Expiry)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if !a.UnitCost.Equal(b.UnitCost) {
		return a.UnitCost.LessThan(b.UnitCost)
	}
	return a.LotNumber < b.LotNumber
}

// allocation is one leg of a reservation plan.
type allocation struct {
	LotRecordID int
	Quantity    decimal.Decimal
}

// planAllocation splits the requested quantity across FEFO-ordered
// candidates. All-or-nothing: if total availability falls short the plan is
// empty and ErrInsufficientStock is returned, so no partial hold is ever
// applied.
func planAllocation(cands []lotCandidate, requested decimal.Decimal) ([]allocation, error) {
	if requested.IsNegative() || requested.IsZero() {
		return nil, fmt.Errorf("requested quantity must be positive, got %s", requested)
	}
	sortFEFO(cands)

	var plan []allocation
	remaining := requested
	for _, c := range cands {
		if remaining.IsZero() {
			break
		}
		if c.Available.IsNegative() || c.Available.IsZero() {
			continue
		}
		take := decimal.Min(c.Available, remaining)
		plan = append(plan, allocation{LotRecordID: c.LotRecordID, Quantity: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("requested %s, short by %s: %w", requested, remaining, ErrInsufficientStock)
	}
	return plan, nil
}

// locationAccepts validates compatibility and capacity for placing qty units
// of the product into the location, on top of its current occupancy. It
// fails closed: any violated constraint rejects the whole placement.
func locationAccepts(loc Location, p Product, qty decimal.Decimal) error {
	if !loc.IsActive {
		return fmt.Errorf("location %s is inactive: %w", loc.Code, ErrIncompatibleLocation)
	}
	if p.Hazardous && !loc.HazardousAllowed {
		return fmt.Errorf("location %s does not allow hazardous goods: %w", loc.Code, ErrIncompatibleLocation)
	}
	if p.TemperatureControlled && !loc.TemperatureControlled {
		return fmt.Errorf("location %s is not temperature controlled: %w", loc.Code, ErrIncompatibleLocation)
	}
	if loc.OccupiedProductID != nil && *loc.OccupiedProductID != p.ID {
		return fmt.Errorf("location %s holds another product: %w", loc.Code, ErrIncompatibleLocation)
	}

	newQty := loc.OccupiedQuantity.Add(qty)
	if loc.MaxQuantity.Valid && newQty.GreaterThan(loc.MaxQuantity.Decimal) {
		return fmt.Errorf("location %s: quantity %s exceeds max %s: %w",
			loc.Code, newQty, loc.MaxQuantity.Decimal, ErrCapacityExceeded)
	}
	if loc.MaxWeight.Valid && newQty.Mul(p.UnitWeight).GreaterThan(loc.MaxWeight.Decimal) {
		return fmt.Errorf("location %s: weight %s exceeds max %s: %w",
			loc.Code, newQty.Mul(p.UnitWeight), loc.MaxWeight.Decimal, ErrCapacityExceeded)
	}
	if loc.MaxVolume.Valid && newQty.Mul(p.UnitVolume).GreaterThan(loc.MaxVolume.Decimal) {
		return fmt.Errorf("location %s: volume %s exceeds max %s: %w",
			loc.Code, newQty.Mul(p.UnitVolume), loc.MaxVolume.Decimal, ErrCapacityExceeded)
	}
	return nil
}

// weightedAverageCost merges a receipt into the running average:
// (oldQty*oldCost + qty*cost) / (oldQty + qty).
func weightedAverageCost(oldQty, oldCost, qty, cost decimal.Decimal) decimal.Decimal {
	newQty := oldQty.Add(qty)
	if newQty.IsZero() {
		return cost
	}
	return oldQty.Mul(oldCost).Add(qty.Mul(cost)).Div(newQty)
}
