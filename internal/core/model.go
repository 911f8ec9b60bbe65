package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LocationType string

const (
	LocationStorage    LocationType = "STORAGE"
	LocationCrossDock  LocationType = "CROSS_DOCK"
	LocationQuarantine LocationType = "QUARANTINE"
	LocationLoading    LocationType = "LOADING"
	LocationUnloading  LocationType = "UNLOADING"
)

type LotStatus string

const (
	LotAvailable  LotStatus = "AVAILABLE"
	LotQuarantine LotStatus = "QUARANTINE"
	LotDamaged    LotStatus = "DAMAGED"
	LotShipped    LotStatus = "SHIPPED"
)

type MovementType string

const (
	MovementReceipt           MovementType = "RECEIPT"
	MovementShipment          MovementType = "SHIPMENT"
	MovementTransfer          MovementType = "TRANSFER"
	MovementAdjustment        MovementType = "ADJUSTMENT"
	MovementCount             MovementType = "COUNT"
	MovementDamage            MovementType = "DAMAGE"
	MovementReservation       MovementType = "RESERVATION"
	MovementReservationCancel MovementType = "RESERVATION_CANCEL"
	MovementQuarantine        MovementType = "QUARANTINE"
	MovementQuarantineRelease MovementType = "QUARANTINE_RELEASE"
)

// IsPhysical reports whether entries of this type carry physical stock and
// therefore participate in the reconciliation sum. Reservation holds and
// quarantine toggles record the event but move nothing.
func (m MovementType) IsPhysical() bool {
	switch m {
	case MovementReceipt, MovementShipment, MovementTransfer,
		MovementAdjustment, MovementCount, MovementDamage:
		return true
	}
	return false
}

type Warehouse struct {
	ID        int
	Code      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Product carries the placement constraints the Location Directory checks:
// hazardous / temperature flags and per-unit weight and volume.
type Product struct {
	ID                    int
	Code                  string
	Name                  string
	Hazardous             bool
	TemperatureControlled bool
	UnitWeight            decimal.Decimal
	UnitVolume            decimal.Decimal
	IsActive              bool
}

// Location is a storage slot. A NULL maximum means that dimension is
// unconstrained. At most one product occupies a location at a time.
type Location struct {
	ID                    int
	WarehouseID           int
	Code                  string
	Type                  LocationType
	MaxQuantity           decimal.NullDecimal
	MaxWeight             decimal.NullDecimal
	MaxVolume             decimal.NullDecimal
	HazardousAllowed      bool
	TemperatureControlled bool
	IsActive              bool
	OccupiedProductID     *int
	OccupiedQuantity      decimal.Decimal
}

// LotRecord is the ledger row for one (product, warehouse, lot, location)
// tuple. AvailableQuantity = Quantity - ReservedQuantity at all times; the
// schema CHECKs back-stop the invariant.
type LotRecord struct {
	ID                int
	ProductID         int
	WarehouseID       int
	LotNumber         string
	LocationID        *int
	Status            LotStatus
	Quantity          decimal.Decimal
	ReservedQuantity  decimal.Decimal
	AvailableQuantity decimal.Decimal
	UnitCost          decimal.Decimal
	ExpiryDate        *time.Time
	ReceivedAt        time.Time
	UpdatedAt         time.Time
}

// MovementEntry is one immutable row of the movement log. Quantity is signed:
// positive for stock entering the tuple, negative for stock leaving it.
// Transfer legs come in pairs sharing PairReference.
type MovementEntry struct {
	Seq            int64
	ProductID      int
	WarehouseID    int
	FromLocationID *int
	ToLocationID   *int
	Type           MovementType
	Quantity       decimal.Decimal
	LotNumber      string
	ExpiryDate     *time.Time
	UnitCost       decimal.Decimal
	ReferenceType  string
	ReferenceID    string
	PairReference  *uuid.UUID
	ReasonCode     *string
	Actor          string
	CreatedAt      time.Time
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationShipped   ReservationStatus = "SHIPPED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

type Reservation struct {
	ID                int
	Reference         uuid.UUID
	ProductID         int
	WarehouseID       int
	RequestedQuantity decimal.Decimal
	ShippedQuantity   decimal.Decimal
	Status            ReservationStatus
	ReferenceType     string
	ReferenceID       string
	CreatedAt         time.Time
	Lines             []ReservationLine
}

type ReservationLine struct {
	ID              int
	ReservationID   int
	LotRecordID     int
	Quantity        decimal.Decimal
	ShippedQuantity decimal.Decimal
}

// StockSummary is the CurrentStock read view aggregated over lot records.
type StockSummary struct {
	ProductCode   string
	WarehouseCode string
	Quantity      decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
}

// Reference links a movement back to the business document that caused it.
type Reference struct {
	Type string
	ID   string
}
