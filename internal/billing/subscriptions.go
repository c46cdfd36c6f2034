package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// SubscriptionStore persists subscriptions. Create and Renew write the
// subscription and its ledger entry in one transaction.
type SubscriptionStore interface {
	CreateSubscriptionWithPayment(ctx context.Context, sub *models.Subscription, entry *models.LedgerEntry) (*models.Subscription, error)
	RenewSubscriptionWithPayment(ctx context.Context, id int64, periodStart, periodEnd time.Time, entry *models.LedgerEntry) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	ListSubscriptionsDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListSubscriptionsPastDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, from []models.SubscriptionStatus, to models.SubscriptionStatus, canceledAt *time.Time) (*models.Subscription, error)
}

// SubscriptionManager sells and maintains membership subscriptions.
type SubscriptionManager struct {
	catalog   *Catalog
	gateway   payments.Gateway
	store     SubscriptionStore
	publisher events.Publisher
	logger    *zap.Logger
	opts      managerOptions
}

// NewSubscriptionManager wires a SubscriptionManager.
func NewSubscriptionManager(catalog *Catalog, gateway payments.Gateway, s SubscriptionStore, publisher events.Publisher, logger *zap.Logger, opts ...Option) *SubscriptionManager {
	publisher, logger = defaultDeps(publisher, logger)
	return &SubscriptionManager{
		catalog:   catalog,
		gateway:   gateway,
		store:     s,
		publisher: publisher,
		logger:    logger.Named("subscriptions"),
		opts:      buildOptions(opts),
	}
}

// Subscribe charges the plan price to paymentMethodRef and makes the new
// subscription the user's only active one. The idempotency key identifies the purchase
// attempt; retrying with the same key returns the subscription it created.
func (m *SubscriptionManager) Subscribe(ctx context.Context, userID int64, planSlug, paymentMethodRef, idempotencyKey string) (*models.Subscription, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("subscribe without a user: %w", ErrAccessDenied)
	}
	plan, err := m.catalog.PlanBySlug(planSlug)
	if err != nil {
		return nil, err
	}
	price := plan.PriceMoney()

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var customerRef string
	if current, err := m.store.GetActiveSubscription(ctx, userID); err == nil && current.GatewayCustomerRef != nil {
		customerRef = *current.GatewayCustomerRef
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, storeError("get active subscription", err)
	}

	res, err := charge(ctx, m.gateway, m.opts.gatewayTimeout, payments.ChargeRequest{
		UserID:           userID,
		Amount:           price,
		Recurring:        true,
		IdempotencyKey:   fmt.Sprintf("subscribe:%d:%s:%s", userID, plan.Slug, idempotencyKey),
		Description:      "Membership: " + plan.Name,
		CustomerRef:      customerRef,
		PaymentMethodRef: paymentMethodRef,
	})
	if err != nil {
		m.logger.Info("subscription charge failed",
			zap.Int64("user_id", userID), zap.String("plan", plan.Slug), zap.Error(err))
		return nil, err
	}

	now := m.opts.now()
	sub := &models.Subscription{
		UserID:             userID,
		PlanID:             plan.ID,
		GatewayCustomerRef: optional(res.CustomerRef),
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   plan.BillingCycle.Advance(now),
	}
	if res.SubscriptionRef != "" {
		sub.GatewaySubscriptionRef = optional(res.SubscriptionRef)
	}
	description := "Membership: " + plan.Name
	entry := &models.LedgerEntry{
		UserID:            userID,
		GatewayPaymentRef: res.PaymentRef,
		Amount:            price.Amount,
		Currency:          price.Currency,
		Status:            models.LedgerSucceeded,
		Description:       &description,
		PaymentType:       models.PaymentTypeSubscription,
	}

	created, err := m.store.CreateSubscriptionWithPayment(ctx, sub, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) && created != nil {
			m.logger.Info("subscription already recorded for payment",
				zap.Int64("subscription_id", created.ID), zap.String("gateway_payment_ref", res.PaymentRef))
			return created, nil
		}
		err = storeError("create subscription", err)
		m.reportOrphan(ctx, entry, err)
		return nil, err
	}

	m.logger.Info("subscription created",
		zap.Int64("subscription_id", created.ID),
		zap.Int64("user_id", userID),
		zap.String("plan", plan.Slug),
		zap.Stringer("amount", price))
	publish(ctx, m.publisher, m.logger, events.SubscriptionCreated, created)
	return created, nil
}

// Renew charges the next billing period off-session against the customer's
// saved payment method and extends the subscription. A declined renewal
// leaves the subscription past_due. Without an explicit
// key, the key is derived from the period being paid so retries of the same
// renewal never charge twice.
func (m *SubscriptionManager) Renew(ctx context.Context, subscriptionID int64, idempotencyKey string) (*models.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, storeError("get subscription", err)
	}
	if sub.Status != models.SubscriptionActive && sub.Status != models.SubscriptionPastDue {
		return nil, fmt.Errorf("renew subscription %d with status %s: %w", sub.ID, sub.Status, ErrConflictingState)
	}

	plan, err := m.catalog.Plan(sub.PlanID)
	if err != nil {
		return nil, err
	}
	price := plan.PriceMoney()

	if idempotencyKey == "" {
		idempotencyKey = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}

	req := payments.ChargeRequest{
		UserID:         sub.UserID,
		Amount:         price,
		Recurring:      true,
		OffSession:     true,
		IdempotencyKey: fmt.Sprintf("renew:%d:%s", sub.ID, idempotencyKey),
		Description:    "Membership renewal: " + plan.Name,
	}
	if sub.GatewayCustomerRef != nil {
		req.CustomerRef = *sub.GatewayCustomerRef
	}

	res, err := charge(ctx, m.gateway, m.opts.gatewayTimeout, req)
	if err != nil {
		m.logger.Warn("renewal charge failed", zap.Int64("subscription_id", sub.ID), zap.Error(err))
		if sub.Status == models.SubscriptionActive {
			pastDue, uerr := m.store.UpdateSubscriptionStatus(ctx, sub.ID,
				[]models.SubscriptionStatus{models.SubscriptionActive}, models.SubscriptionPastDue, nil)
			if uerr != nil {
				m.logger.Error("mark subscription past_due failed", zap.Int64("subscription_id", sub.ID), zap.Error(uerr))
			} else {
				publish(ctx, m.publisher, m.logger, events.SubscriptionPastDue, pastDue)
			}
		}
		return nil, err
	}

	// A lapsed subscription restarts from today instead of back-filling
	// the unpaid gap.
	start := sub.CurrentPeriodEnd
	if sub.Status == models.SubscriptionPastDue {
		start = m.opts.now()
	}
	end := plan.BillingCycle.Advance(start)

	description := "Membership renewal: " + plan.Name
	entry := &models.LedgerEntry{
		UserID:            sub.UserID,
		GatewayPaymentRef: res.PaymentRef,
		Amount:            price.Amount,
		Currency:          price.Currency,
		Status:            models.LedgerSucceeded,
		Description:       &description,
		PaymentType:       models.PaymentTypeSubscription,
	}

	renewed, err := m.store.RenewSubscriptionWithPayment(ctx, sub.ID, start, end, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) && renewed != nil {
			return renewed, nil
		}
		err = storeError("renew subscription", err)
		m.reportOrphan(ctx, entry, err)
		return nil, err
	}

	m.logger.Info("subscription renewed",
		zap.Int64("subscription_id", renewed.ID),
		zap.Time("period_end", renewed.CurrentPeriodEnd))
	publish(ctx, m.publisher, m.logger, events.SubscriptionRenewed, renewed)
	return renewed, nil
}

// Cancel stops a subscription owned by userID. History is kept; cancelling
// twice is a no-op.
func (m *SubscriptionManager) Cancel(ctx context.Context, userID, subscriptionID int64) (*models.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, storeError("get subscription", err)
	}
	if sub.UserID != userID {
		return nil, fmt.Errorf("cancel subscription %d: %w", subscriptionID, ErrAccessDenied)
	}
	if sub.Status == models.SubscriptionCanceled {
		return sub, nil
	}

	now := m.opts.now()
	canceled, err := m.store.UpdateSubscriptionStatus(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionIncomplete},
		models.SubscriptionCanceled, &now)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			if current, gerr := m.store.GetSubscription(ctx, sub.ID); gerr == nil && current.Status == models.SubscriptionCanceled {
				return current, nil
			}
		}
		return nil, storeError("cancel subscription", err)
	}

	m.logger.Info("subscription canceled", zap.Int64("subscription_id", canceled.ID), zap.Int64("user_id", userID))
	publish(ctx, m.publisher, m.logger, events.SubscriptionCanceled, canceled)
	return canceled, nil
}

// Current returns the user's active subscription.
func (m *SubscriptionManager) Current(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := m.store.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, storeError("get active subscription", err)
	}
	return sub, nil
}

// DueForRenewal lists active subscriptions whose period has ended.
func (m *SubscriptionManager) DueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	subs, err := m.store.ListSubscriptionsDueForRenewal(ctx, now, limit)
	if err != nil {
		return nil, storeError("list subscriptions due for renewal", err)
	}
	return subs, nil
}

// CancelLapsed cancels up to limit past_due subscriptions whose period ended
// more than the grace period before now. It returns how many it canceled.
func (m *SubscriptionManager) CancelLapsed(ctx context.Context, now time.Time, limit int) (int, error) {
	lapsed, err := m.store.ListSubscriptionsPastDueBefore(ctx, now.Add(-m.opts.pastDueGrace), limit)
	if err != nil {
		return 0, storeError("list lapsed subscriptions", err)
	}

	canceledCount := 0
	for _, sub := range lapsed {
		if err := ctx.Err(); err != nil {
			return canceledCount, err
		}
		at := now
		canceled, err := m.store.UpdateSubscriptionStatus(ctx, sub.ID,
			[]models.SubscriptionStatus{models.SubscriptionPastDue}, models.SubscriptionCanceled, &at)
		if err != nil {
			if errors.Is(err, store.ErrStaleState) {
				// Renewed or canceled since it was listed.
				continue
			}
			return canceledCount, storeError("cancel lapsed subscription", err)
		}
		canceledCount++
		m.logger.Info("lapsed subscription canceled",
			zap.Int64("subscription_id", canceled.ID),
			zap.Int64("user_id", canceled.UserID),
			zap.Time("period_end", canceled.CurrentPeriodEnd))
		publish(ctx, m.publisher, m.logger, events.SubscriptionCanceled, canceled)
	}
	return canceledCount, nil
}

func (m *SubscriptionManager) reportOrphan(ctx context.Context, entry *models.LedgerEntry, cause error) {
	m.logger.Error("charge captured but subscription not stored",
		zap.Int64("user_id", entry.UserID),
		zap.String("gateway_payment_ref", entry.GatewayPaymentRef),
		zap.Error(cause))
	publish(ctx, m.publisher, m.logger, events.ChargeOrphaned, orphanedCharge{
		UserID:      entry.UserID,
		PaymentRef:  entry.GatewayPaymentRef,
		Amount:      entry.Amount.StringFixed(2),
		Currency:    entry.Currency,
		PaymentType: string(entry.PaymentType),
		Cause:       cause.Error(),
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
