package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrDuplicateBatch       = errors.New("duplicate batch")
	ErrInvalidAdjustment    = errors.New("invalid adjustment")
	ErrInvalidEntry         = errors.New("invalid entry")
	ErrBatchNotFound        = errors.New("batch not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrInvalidCart          = errors.New("invalid cart")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrMissingActor         = errors.New("missing acting user")

	// ErrLedgerInvariant marks a state the ledger must never reach. It aborts
	// the transaction and is never retried.
	ErrLedgerInvariant = errors.New("ledger invariant violation")

	ErrEventNotFound     = errors.New("outbox event not found")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
	ErrInvalidStatus     = errors.New("invalid outbox status")
	ErrClaimLost         = errors.New("outbox claim lost")
	ErrDeliveryDeferred  = errors.New("delivery deferred")
)

// InsufficientStockError reports which product could not be covered.
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// DeliveryError wraps a transient failure pushing an event to the ticket store.
type DeliveryError struct {
	EventID     int64
	AggregateID string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %d (%s): %v", e.EventID, e.AggregateID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InvariantViolation wraps ErrLedgerInvariant with context about what broke.
func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLedgerInvariant, fmt.Sprintf(format, args...))
}
