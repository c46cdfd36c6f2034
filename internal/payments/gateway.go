// Package payments defines the PaymentGateway boundary and its
// implementations: a deterministic fake, a Stripe adapter and a circuit
// breaker decorator.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

var (
	// ErrDeclined is wrapped by every DeclineError.
	ErrDeclined = errors.New("payment declined")
	// ErrUnavailable is returned when the provider cannot be reached or the
	// circuit breaker is open.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// DeclineError carries the provider's reason for refusing a charge.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

func (e *DeclineError) Unwrap() error { return ErrDeclined }

// ChargeRequest describes one charge. IdempotencyKey must be stable across
// retries of the same logical purchase.
type ChargeRequest struct {
	UserID         int64
	Amount         models.Money
	Recurring      bool
	IdempotencyKey string
	Description    string
	// CustomerRef is the provider's customer id when one is already known.
	CustomerRef string
	// PaymentMethodRef is a provider payment method token, if the caller has one.
	PaymentMethodRef string
	// OffSession marks a charge made without the customer present. Without
	// a PaymentMethodRef it uses the customer's saved default method.
	OffSession bool
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	PaymentRef      string
	CustomerRef     string
	SubscriptionRef string
}

// Gateway captures payments. Implementations must treat IdempotencyKey so
// that replaying a request returns the original result.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

func validate(req ChargeRequest) error {
	if req.IdempotencyKey == "" {
		return errors.New("payments: idempotency key is required")
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("payments: amount must be positive, got %s", req.Amount)
	}
	return nil
}
