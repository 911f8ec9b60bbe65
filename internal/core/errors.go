package core

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors callers branch on with errors.Is. Wrapped errors carry the
// quantities and identifiers of the specific failure.
var (
	// ErrCapacityExceeded reports a placement that would push a location
	// past its quantity, weight, or volume maximum.
	ErrCapacityExceeded = errors.New("location capacity exceeded")

	// ErrIncompatibleLocation reports a placement into a location whose
	// attributes or current occupant forbid the product.
	ErrIncompatibleLocation = errors.New("location incompatible with product")

	// ErrInsufficientStock reports a demand the warehouse cannot cover in
	// full. Allocation is all-or-nothing, so no partial hold was applied.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientAvailable reports a reserve or transfer against a
	// single lot record exceeding its unreserved quantity.
	ErrInsufficientAvailable = errors.New("insufficient available quantity")

	// ErrInsufficientReserved reports a shipment exceeding what was held.
	ErrInsufficientReserved = errors.New("insufficient reserved quantity")

	// ErrReservationNotFound covers unknown references and reservations
	// already cancelled or fully shipped.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrQuantityMismatch reports a shipment larger than the reservation's
	// unshipped remainder.
	ErrQuantityMismatch = errors.New("quantity exceeds reservation")

	// ErrInvalidAdjustment reports a correction that would break a ledger
	// invariant, such as driving quantity or available negative.
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// ErrInvalidReleaseAmount reports a reservation release larger than
	// what is held.
	ErrInvalidReleaseAmount = errors.New("invalid release amount")

	// ErrConcurrencyConflict reports a row lock that could not be acquired
	// within the engine's lock wait. The operation applied nothing and is
	// safe to retry.
	ErrConcurrencyConflict = errors.New("concurrent operation conflict")

	// ErrPersistenceFailure reports a commit-stage failure where the
	// outcome of the transaction is unknown to the caller.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// mapPgError folds database-level failures into the engine's error taxonomy.
// Lock timeouts become retryable conflicts; check constraint violations are
// the schema backstopping the same invariants the code validates.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03": // lock_not_available
		return errors.Join(ErrConcurrencyConflict, err)
	case "23514": // check_violation
		return errors.Join(ErrInvalidAdjustment, err)
	}
	return err
}
