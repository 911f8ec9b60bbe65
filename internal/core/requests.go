package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReceiveRequest records a goods receipt. LocationCode may be empty: the
// stock is then booked unplaced and put away later.
type ReceiveRequest struct {
	ProductCode    string
	WarehouseCode  string
	LocationCode   string
	LotNumber      string
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	ExpiryDate     *time.Time
	Actor          string
	Reference      Reference
	IdempotencyKey string
}

type ReceiveResult struct {
	Lot         LotRecord
	MovementSeq int64
	Duplicate   bool
}

// ReserveRequest places a hold on stock. LotHint, when set, restricts the
// hold to that lot; otherwise lots are drawn FEFO.
type ReserveRequest struct {
	ProductCode    string
	WarehouseCode  string
	Quantity       decimal.Decimal
	LotHint        string
	Reference      Reference
	IdempotencyKey string
}

type ReserveResult struct {
	ReservationRef uuid.UUID
	Lines          []ReservationLine
	Duplicate      bool
}

// ShipRequest consumes a reservation. Quantity may be less than the
// remaining hold; the reservation then stays active for the rest.
type ShipRequest struct {
	ReservationRef uuid.UUID
	Quantity       decimal.Decimal
	Actor          string
	IdempotencyKey string
}

type ShipResult struct {
	MovementSeqs []int64
	Remaining    decimal.Decimal
	Duplicate    bool
}

type CancelReservationRequest struct {
	ReservationRef uuid.UUID
	Actor          string
	IdempotencyKey string
}

type CancelReservationResult struct {
	Released  decimal.Decimal
	Duplicate bool
}

// TransferRequest moves stock of one lot between two locations of the same
// warehouse. FromLocationCode empty means the source is unplaced stock, which
// makes the transfer a putaway.
type TransferRequest struct {
	ProductCode      string
	WarehouseCode    string
	FromLocationCode string
	ToLocationCode   string
	LotNumber        string
	Quantity         decimal.Decimal
	Actor            string
	Reference        Reference
	IdempotencyKey   string
}

type TransferResult struct {
	FromLot      *LotRecord
	ToLot        LotRecord
	MovementSeqs [2]int64
	Duplicate    bool
}

// PutawayRequest places unplaced stock. ToLocationCode empty lets the engine
// pick the best candidate location by the consolidation policy.
type PutawayRequest struct {
	ProductCode    string
	WarehouseCode  string
	ToLocationCode string
	LotNumber      string
	Quantity       decimal.Decimal
	Actor          string
	Reference      Reference
	IdempotencyKey string
}

// AdjustRequest applies a signed correction to one lot record.
// LocationCode empty addresses the unplaced record of the lot.
type AdjustRequest struct {
	ProductCode    string
	WarehouseCode  string
	LotNumber      string
	LocationCode   string
	Delta          decimal.Decimal
	ReasonCode     string
	Actor          string
	IdempotencyKey string
}

type AdjustResult struct {
	Lot         LotRecord
	Delta       decimal.Decimal
	MovementSeq int64
	Duplicate   bool
}

// CountRequest records a cycle count: the engine books the signed delta
// between Observed and the current lot quantity as a COUNT movement.
type CountRequest struct {
	ProductCode    string
	WarehouseCode  string
	LotNumber      string
	LocationCode   string
	Observed       decimal.Decimal
	Actor          string
	IdempotencyKey string
}

// DamageRequest writes off damaged quantity from one lot record.
type DamageRequest struct {
	ProductCode    string
	WarehouseCode  string
	LotNumber      string
	LocationCode   string
	Quantity       decimal.Decimal
	ReasonCode     string
	Actor          string
	IdempotencyKey string
}

// QuarantineRequest toggles the quality hold on one lot record.
type QuarantineRequest struct {
	ProductCode    string
	WarehouseCode  string
	LotNumber      string
	LocationCode   string
	ReasonCode     string
	Actor          string
	IdempotencyKey string
}

// MovementFilter selects movement log entries for MovementHistory walks.
// SinceSeq restarts an interrupted walk after the given position.
type MovementFilter struct {
	ProductCode   string
	WarehouseCode string
	LotNumber     string
	Since         *time.Time
	SinceSeq      int64
}
