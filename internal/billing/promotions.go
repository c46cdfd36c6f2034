package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// ListingOwnership answers who owns a listing.
type ListingOwnership interface {
	OwnerOf(ctx context.Context, listingID int64) (int64, error)
}

// PromotionStore persists featured ad requests.
type PromotionStore interface {
	HasLiveFeaturedRequest(ctx context.Context, listingID int64) (bool, error)
	CreateFeaturedRequestWithPayment(ctx context.Context, req *models.FeaturedAdRequest, entry *models.LedgerEntry) (*models.FeaturedAdRequest, error)
	GetFeaturedRequest(ctx context.Context, id int64) (*models.FeaturedAdRequest, error)
	TransitionFeaturedRequest(ctx context.Context, id int64, from models.FeaturedAdStatus, t store.FeaturedTransition) (*models.FeaturedAdRequest, error)
	ListFeaturedRequestsByStatus(ctx context.Context, status models.FeaturedAdStatus, limit int) ([]models.FeaturedAdRequest, error)
	ListFeaturedRequestsForUser(ctx context.Context, userID int64) ([]models.FeaturedAdRequest, error)
	ListFeaturedDueForActivation(ctx context.Context, now time.Time, limit int) ([]models.FeaturedAdRequest, error)
	ListFeaturedDueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.FeaturedAdRequest, error)
	ActiveFeaturedRequestForListing(ctx context.Context, listingID int64) (*models.FeaturedAdRequest, error)
}

// PromotionAction is an event in the featured request lifecycle.
type PromotionAction string

const (
	ActionApprove  PromotionAction = "approve"
	ActionReject   PromotionAction = "reject"
	ActionRevoke   PromotionAction = "revoke"
	ActionActivate PromotionAction = "activate"
	ActionExpire   PromotionAction = "expire"
)

type promotionRule struct {
	from []models.FeaturedAdStatus
	to   models.FeaturedAdStatus
}

// promotionRules is the complete transition table. Anything not listed is
// rejected with ErrInvalidTransition.
var promotionRules = map[PromotionAction]promotionRule{
	ActionApprove:  {from: []models.FeaturedAdStatus{models.FeaturedPendingReview}, to: models.FeaturedApproved},
	ActionReject:   {from: []models.FeaturedAdStatus{models.FeaturedPendingReview}, to: models.FeaturedRejected},
	ActionRevoke:   {from: []models.FeaturedAdStatus{models.FeaturedApproved, models.FeaturedActive}, to: models.FeaturedRejected},
	ActionActivate: {from: []models.FeaturedAdStatus{models.FeaturedApproved}, to: models.FeaturedActive},
	ActionExpire:   {from: []models.FeaturedAdStatus{models.FeaturedActive}, to: models.FeaturedExpired},
}

// CanTransition reports whether some action moves a request from one status
// to the other.
func CanTransition(from, to models.FeaturedAdStatus) bool {
	for _, rule := range promotionRules {
		if rule.to == to && slices.Contains(rule.from, from) {
			return true
		}
	}
	return false
}

// PromotionManager sells featured listing slots and drives their review
// and lifecycle.
type PromotionManager struct {
	catalog   *Catalog
	gateway   payments.Gateway
	listings  ListingOwnership
	store     PromotionStore
	publisher events.Publisher
	logger    *zap.Logger
	opts      managerOptions
}

// NewPromotionManager wires a PromotionManager.
func NewPromotionManager(catalog *Catalog, gateway payments.Gateway, listings ListingOwnership, s PromotionStore, publisher events.Publisher, logger *zap.Logger, opts ...Option) *PromotionManager {
	publisher, logger = defaultDeps(publisher, logger)
	return &PromotionManager{
		catalog:   catalog,
		gateway:   gateway,
		listings:  listings,
		store:     s,
		publisher: publisher,
		logger:    logger.Named("promotions"),
		opts:      buildOptions(opts),
	}
}

// RequestFeature buys a featured slot for a listing the user owns. The new
// request waits in pending_review until an admin decides on it.
func (m *PromotionManager) RequestFeature(ctx context.Context, userID, listingID int64, durationDays int, paymentMethodRef, idempotencyKey string) (*models.FeaturedAdRequest, error) {
	owner, err := m.listings.OwnerOf(ctx, listingID)
	if err != nil {
		return nil, storeError(fmt.Sprintf("listing %d", listingID), err)
	}
	if owner != userID {
		return nil, fmt.Errorf("listing %d is not owned by user %d: %w", listingID, userID, ErrAccessDenied)
	}

	live, err := m.store.HasLiveFeaturedRequest(ctx, listingID)
	if err != nil {
		return nil, storeError("check live promotion", err)
	}
	if live {
		return nil, fmt.Errorf("listing %d already has an active promotion: %w", listingID, ErrConflictingState)
	}

	price, err := m.catalog.PriceForFeaturedDuration(durationDays)
	if err != nil {
		return nil, fmt.Errorf("%d days: %w", durationDays, ErrInvalidDuration)
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	res, err := charge(ctx, m.gateway, m.opts.gatewayTimeout, payments.ChargeRequest{
		UserID:           userID,
		Amount:           price,
		IdempotencyKey:   fmt.Sprintf("feature:%d:%d:%s", listingID, durationDays, idempotencyKey),
		Description:      fmt.Sprintf("Featured listing %d for %d days", listingID, durationDays),
		PaymentMethodRef: paymentMethodRef,
	})
	if err != nil {
		m.logger.Info("promotion charge failed",
			zap.Int64("listing_id", listingID), zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}

	description := fmt.Sprintf("Featured listing %d for %d days", listingID, durationDays)
	req := &models.FeaturedAdRequest{
		ListingID:         listingID,
		UserID:            userID,
		DurationDays:      durationDays,
		PricePaid:         price.Amount,
		Currency:          price.Currency,
		GatewayPaymentRef: &res.PaymentRef,
		Status:            models.FeaturedPendingReview,
		RequestedAt:       m.opts.now(),
	}
	entry := &models.LedgerEntry{
		UserID:            userID,
		GatewayPaymentRef: res.PaymentRef,
		Amount:            price.Amount,
		Currency:          price.Currency,
		Status:            models.LedgerSucceeded,
		Description:       &description,
		PaymentType:       models.PaymentTypeFeaturedAd,
	}

	created, err := m.store.CreateFeaturedRequestWithPayment(ctx, req, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) && created != nil {
			return created, nil
		}
		if errors.Is(err, store.ErrConflict) {
			err = fmt.Errorf("listing %d already has an active promotion: %w", listingID, ErrConflictingState)
		} else {
			err = storeError("create featured request", err)
		}
		m.logger.Error("charge captured but featured request not stored",
			zap.Int64("listing_id", listingID),
			zap.String("gateway_payment_ref", res.PaymentRef),
			zap.Error(err))
		publish(ctx, m.publisher, m.logger, events.ChargeOrphaned, orphanedCharge{
			UserID:      userID,
			PaymentRef:  res.PaymentRef,
			Amount:      price.Amount.StringFixed(2),
			Currency:    price.Currency,
			PaymentType: string(models.PaymentTypeFeaturedAd),
			Cause:       err.Error(),
		})
		return nil, err
	}

	m.logger.Info("featured request created",
		zap.Int64("request_id", created.ID),
		zap.Int64("listing_id", listingID),
		zap.Int("duration_days", durationDays))
	publish(ctx, m.publisher, m.logger, events.PromotionRequested, created)
	return created, nil
}

// Approve accepts a pending request. With startsAt set the promotion is
// scheduled; otherwise it goes live on the next sweep.
func (m *PromotionManager) Approve(ctx context.Context, requestID int64, startsAt *time.Time) (*models.FeaturedAdRequest, error) {
	return m.transition(ctx, requestID, ActionApprove, m.opts.now(), func(req *models.FeaturedAdRequest, at time.Time, t *store.FeaturedTransition) {
		t.ApprovedAt = &at
		if startsAt != nil {
			start := startsAt.UTC()
			end := start.AddDate(0, 0, req.DurationDays)
			t.StartsAt, t.EndsAt = &start, &end
		}
	})
}

// Reject declines a pending request.
func (m *PromotionManager) Reject(ctx context.Context, requestID int64, reason string) (*models.FeaturedAdRequest, error) {
	return m.transition(ctx, requestID, ActionReject, m.opts.now(), withReason(reason))
}

// Revoke pulls an approved or running promotion. Refunds are handled
// outside this flow.
func (m *PromotionManager) Revoke(ctx context.Context, requestID int64, reason string) (*models.FeaturedAdRequest, error) {
	return m.transition(ctx, requestID, ActionRevoke, m.opts.now(), withReason(reason))
}

// Activate puts an approved request live, fixing starts_at if it was not
// scheduled and deriving ends_at from the duration.
func (m *PromotionManager) Activate(ctx context.Context, requestID int64) (*models.FeaturedAdRequest, error) {
	return m.activateAt(ctx, requestID, m.opts.now())
}

func (m *PromotionManager) activateAt(ctx context.Context, requestID int64, now time.Time) (*models.FeaturedAdRequest, error) {
	return m.transition(ctx, requestID, ActionActivate, now, func(req *models.FeaturedAdRequest, at time.Time, t *store.FeaturedTransition) {
		start := at
		if req.StartsAt != nil {
			start = *req.StartsAt
		}
		end := start.AddDate(0, 0, req.DurationDays)
		t.StartsAt, t.EndsAt = &start, &end
	})
}

// Expire ends an active promotion. Expiring an expired request is a no-op.
func (m *PromotionManager) Expire(ctx context.Context, requestID int64) (*models.FeaturedAdRequest, error) {
	return m.transition(ctx, requestID, ActionExpire, m.opts.now(), nil)
}

func withReason(reason string) func(*models.FeaturedAdRequest, time.Time, *store.FeaturedTransition) {
	return func(_ *models.FeaturedAdRequest, _ time.Time, t *store.FeaturedTransition) {
		if reason != "" {
			t.RejectionReason = &reason
		}
	}
}

func (m *PromotionManager) transition(
	ctx context.Context,
	requestID int64,
	action PromotionAction,
	at time.Time,
	fill func(req *models.FeaturedAdRequest, at time.Time, t *store.FeaturedTransition),
) (*models.FeaturedAdRequest, error) {
	req, err := m.store.GetFeaturedRequest(ctx, requestID)
	if err != nil {
		return nil, storeError("get featured request", err)
	}

	rule := promotionRules[action]
	if action == ActionExpire && req.Status == models.FeaturedExpired {
		return req, nil
	}
	if !slices.Contains(rule.from, req.Status) {
		return nil, fmt.Errorf("%s request %d in status %s: %w", action, req.ID, req.Status, ErrInvalidTransition)
	}

	t := store.FeaturedTransition{To: rule.to}
	if fill != nil {
		fill(req, at, &t)
	}

	updated, err := m.store.TransitionFeaturedRequest(ctx, req.ID, req.Status, t)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			current, gerr := m.store.GetFeaturedRequest(ctx, req.ID)
			if gerr == nil && action == ActionExpire && current.Status == models.FeaturedExpired {
				return current, nil
			}
			status := req.Status
			if gerr == nil {
				status = current.Status
			}
			return nil, fmt.Errorf("%s request %d in status %s: %w", action, req.ID, status, ErrInvalidTransition)
		}
		return nil, storeError("transition featured request", err)
	}

	m.logger.Info("featured request transitioned",
		zap.Int64("request_id", updated.ID),
		zap.String("action", string(action)),
		zap.String("from", string(req.Status)),
		zap.String("to", string(updated.Status)))
	publish(ctx, m.publisher, m.logger, events.PromotionTransitioned, map[string]any{
		"action":  action,
		"from":    req.Status,
		"request": updated,
	})
	return updated, nil
}

// SweepResult summarises one pass of the time-driven transitions.
type SweepResult struct {
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
}

// ActivateDue activates approved requests whose start time has come.
func (m *PromotionManager) ActivateDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := m.store.ListFeaturedDueForActivation(ctx, now, limit)
	if err != nil {
		return 0, storeError("list featured due for activation", err)
	}
	return m.sweep(due, func(id int64) error {
		_, err := m.activateAt(ctx, id, now)
		return err
	})
}

// ExpireDue expires active requests whose end time has passed.
func (m *PromotionManager) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := m.store.ListFeaturedDueForExpiry(ctx, now, limit)
	if err != nil {
		return 0, storeError("list featured due for expiry", err)
	}
	return m.sweep(due, func(id int64) error {
		_, err := m.Expire(ctx, id)
		return err
	})
}

// Sweep runs both time-driven transitions. Expiry runs first so a listing's
// old promotion frees its slot before a scheduled one starts.
func (m *PromotionManager) Sweep(ctx context.Context, now time.Time, limit int) (SweepResult, error) {
	var result SweepResult
	expired, expErr := m.ExpireDue(ctx, now, limit)
	result.Expired = expired
	activated, actErr := m.ActivateDue(ctx, now, limit)
	result.Activated = activated
	return result, errors.Join(expErr, actErr)
}

func (m *PromotionManager) sweep(due []models.FeaturedAdRequest, apply func(id int64) error) (int, error) {
	var (
		count int
		errs  []error
	)
	for _, req := range due {
		if err := apply(req.ID); err != nil {
			// Another admin or sweeper moved the row first.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("request %d: %w", req.ID, err))
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// Get returns one request.
func (m *PromotionManager) Get(ctx context.Context, requestID int64) (*models.FeaturedAdRequest, error) {
	req, err := m.store.GetFeaturedRequest(ctx, requestID)
	if err != nil {
		return nil, storeError("get featured request", err)
	}
	return req, nil
}

// ListForUser returns a user's requests, newest first.
func (m *PromotionManager) ListForUser(ctx context.Context, userID int64) ([]models.FeaturedAdRequest, error) {
	reqs, err := m.store.ListFeaturedRequestsForUser(ctx, userID)
	if err != nil {
		return nil, storeError("list featured requests", err)
	}
	return reqs, nil
}

// ListPendingReview returns the admin review queue, oldest first.
func (m *PromotionManager) ListPendingReview(ctx context.Context, limit int) ([]models.FeaturedAdRequest, error) {
	reqs, err := m.store.ListFeaturedRequestsByStatus(ctx, models.FeaturedPendingReview, limit)
	if err != nil {
		return nil, storeError("list pending featured requests", err)
	}
	return reqs, nil
}

// ActiveForListing returns the promotion currently running on a listing.
func (m *PromotionManager) ActiveForListing(ctx context.Context, listingID int64) (*models.FeaturedAdRequest, error) {
	req, err := m.store.ActiveFeaturedRequestForListing(ctx, listingID)
	if err != nil {
		return nil, storeError("get active featured request", err)
	}
	return req, nil
}
