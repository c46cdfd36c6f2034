package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"go.uber.org/zap"
)

// StripeGateway charges through Stripe PaymentIntents.
type StripeGateway struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeGateway builds a gateway for the given secret key.
func NewStripeGateway(secretKey string, logger *zap.Logger) (*StripeGateway, error) {
	return newStripeGateway(secretKey, nil, logger)
}

// newStripeGateway uses backends instead of the package defaults when set.
func newStripeGateway(secretKey string, backends *stripe.Backends, logger *zap.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, errors.New("payments: stripe secret key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeGateway{api: client.New(secretKey, backends), logger: logger.Named("stripe")}, nil
}

// Charge implements Gateway. The idempotency key is forwarded to Stripe so a
// retried request never produces a second PaymentIntent.
//
// On-session charges need a PaymentMethodRef; recurring ones save it as the
// customer's default. Off-session charges without one use that default.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	paymentMethod := req.PaymentMethodRef
	if paymentMethod == "" && !req.OffSession {
		return nil, &DeclineError{Reason: "payment method required"}
	}

	customerRef := req.CustomerRef
	if customerRef == "" {
		if paymentMethod == "" {
			return nil, &DeclineError{Reason: "no saved payment method"}
		}
		params := &stripe.CustomerParams{}
		params.Context = ctx
		params.SetIdempotencyKey("customer:" + req.IdempotencyKey)
		params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))
		cus, err := g.api.Customers.New(params)
		if err != nil {
			return nil, g.mapError("create customer", err)
		}
		customerRef = cus.ID
	}

	if paymentMethod == "" {
		saved, err := g.defaultPaymentMethod(ctx, customerRef)
		if err != nil {
			return nil, err
		}
		paymentMethod = saved
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.MinorUnits()),
		Currency:      stripe.String(req.Amount.Currency),
		Customer:      stripe.String(customerRef),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		PaymentMethod: stripe.String(paymentMethod),
	}
	switch {
	case req.OffSession:
		params.OffSession = stripe.Bool(true)
	case req.Recurring:
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))
	params.AddMetadata("recurring", strconv.FormatBool(req.Recurring))

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.mapError("create payment intent", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		g.logger.Info("payment intent not completed",
			zap.String("payment_intent", pi.ID),
			zap.String("status", string(pi.Status)),
			zap.Int64("user_id", req.UserID))
		return nil, &DeclineError{Reason: fmt.Sprintf("payment %s", pi.Status)}
	}

	if req.Recurring && !req.OffSession {
		if pi.PaymentMethod != nil && pi.PaymentMethod.ID != "" {
			paymentMethod = pi.PaymentMethod.ID
		}
		g.saveDefaultPaymentMethod(ctx, customerRef, paymentMethod, req.IdempotencyKey)
	}

	return &ChargeResult{PaymentRef: pi.ID, CustomerRef: customerRef}, nil
}

func (g *StripeGateway) defaultPaymentMethod(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := g.api.Customers.Get(customerRef, params)
	if err != nil {
		return "", g.mapError("get customer", err)
	}
	if cus.InvoiceSettings == nil || cus.InvoiceSettings.DefaultPaymentMethod == nil || cus.InvoiceSettings.DefaultPaymentMethod.ID == "" {
		return "", &DeclineError{Reason: "no saved payment method"}
	}
	return cus.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

// saveDefaultPaymentMethod records the method renewals will charge. The
// payment already succeeded, so a failure here is only logged; the next
// renewal then declines and the subscription goes past_due.
func (g *StripeGateway) saveDefaultPaymentMethod(ctx context.Context, customerRef, paymentMethod, idempotencyKey string) {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethod),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("default-method:" + idempotencyKey)
	if _, err := g.api.Customers.Update(customerRef, params); err != nil {
		g.logger.Warn("save default payment method failed",
			zap.String("customer", customerRef),
			zap.Error(err))
	}
}

func (g *StripeGateway) mapError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			reason := string(stripeErr.DeclineCode)
			if reason == "" {
				reason = stripeErr.Msg
			}
			return &DeclineError{Reason: reason}
		}
		g.logger.Warn("stripe request failed",
			zap.String("op", op),
			zap.String("type", string(stripeErr.Type)),
			zap.Int("http_status", stripeErr.HTTPStatusCode),
			zap.Error(err))
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 0 {
			return fmt.Errorf("%w: %s", ErrUnavailable, op)
		}
		return fmt.Errorf("payments: %s: %s", op, stripeErr.Msg)
	}

	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
