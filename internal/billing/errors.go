package billing

import (
	"errors"
	"fmt"

	"github.com/PortNumber53/classifieds/backend/internal/store"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPlanNotFound     = fmt.Errorf("plan %w", ErrNotFound)
	ErrAccessDenied     = errors.New("access denied")
	ErrConflictingState = errors.New("conflicting state")
	// ErrInvalidTransition is a ConflictingState raised by the promotion
	// state machine.
	ErrInvalidTransition  = fmt.Errorf("invalid status transition: %w", ErrConflictingState)
	ErrInvalidDuration    = errors.New("invalid promotion duration")
	ErrPaymentFailed      = errors.New("payment failed")
	ErrDuplicateReference = errors.New("payment reference already recorded")
	ErrPersistence        = errors.New("persistence failure")
)

// PaymentError reports a charge that did not go through. Reason is safe to
// show to the purchaser.
type PaymentError struct {
	Reason string
	Err    error
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return ErrPaymentFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPaymentFailed, e.Reason)
}

func (e *PaymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPaymentFailed}
	}
	return []error{ErrPaymentFailed, e.Err}
}

// storeError translates persistence errors into the billing taxonomy.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflictingState)
	case errors.Is(err, store.ErrStaleState):
		return fmt.Errorf("%s: %w", op, ErrConflictingState)
	case errors.Is(err, store.ErrDuplicateReference):
		return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
}
