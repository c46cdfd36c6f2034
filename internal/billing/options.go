package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
)

const (
	// DefaultGatewayTimeout bounds a single charge call.
	DefaultGatewayTimeout = 15 * time.Second
	// DefaultPastDueGrace is how long a declined subscription may stay
	// past_due before CancelLapsed cancels it.
	DefaultPastDueGrace = 7 * 24 * time.Hour
)

// Option customises a manager.
type Option func(*managerOptions)

type managerOptions struct {
	gatewayTimeout time.Duration
	pastDueGrace   time.Duration
	now            func() time.Time
}

// WithGatewayTimeout sets the deadline applied to each gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(o *managerOptions) {
		if d > 0 {
			o.gatewayTimeout = d
		}
	}
}

// WithPastDueGrace sets how long past the end of its period a past_due
// subscription is kept before it is canceled.
func WithPastDueGrace(d time.Duration) Option {
	return func(o *managerOptions) {
		if d > 0 {
			o.pastDueGrace = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) managerOptions {
	o := managerOptions{
		gatewayTimeout: DefaultGatewayTimeout,
		pastDueGrace:   DefaultPastDueGrace,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultDeps(publisher events.Publisher, logger *zap.Logger) (events.Publisher, *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher(logger)
	}
	return publisher, logger
}

// charge calls the gateway under the configured deadline. Any failure comes
// back as a *PaymentError; a timeout is reported as failed even though the
// provider may have captured the money, and is never retried here.
func charge(ctx context.Context, gateway payments.Gateway, timeout time.Duration, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := gateway.Charge(ctx, req)
	if err == nil {
		return res, nil
	}

	var decline *payments.DeclineError
	switch {
	case errors.As(err, &decline):
		return nil, &PaymentError{Reason: decline.Reason, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &PaymentError{Reason: "payment provider timed out", Err: err}
	case errors.Is(err, payments.ErrUnavailable):
		return nil, &PaymentError{Reason: "payment provider unavailable", Err: err}
	default:
		return nil, &PaymentError{Reason: "payment could not be processed", Err: err}
	}
}

func publish(ctx context.Context, publisher events.Publisher, logger *zap.Logger, eventType string, payload any) {
	if err := publisher.Publish(ctx, events.New(eventType, payload)); err != nil {
		logger.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// orphanedCharge is published when money was captured but the purchase could
// not be stored, so it can be reconciled or refunded by hand.
type orphanedCharge struct {
	UserID      int64  `json:"user_id"`
	PaymentRef  string `json:"gateway_payment_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PaymentType string `json:"payment_type"`
	Cause       string `json:"cause"`
}
