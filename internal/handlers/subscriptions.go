package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// SubscriptionService is the part of billing.SubscriptionManager the API uses.
type SubscriptionService interface {
	Subscribe(ctx context.Context, userID int64, planSlug, paymentMethodRef, idempotencyKey string) (*models.Subscription, error)
	Cancel(ctx context.Context, userID, subscriptionID int64) (*models.Subscription, error)
	Current(ctx context.Context, userID int64) (*models.Subscription, error)
}

type subscribeRequest struct {
	PlanSlug      string `json:"plan_slug" validate:"required,max=64"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=255"`
}

// Subscribe buys a membership plan for the caller. payment_method is the
// provider token collected by the client; it is saved for renewals. Clients
// should send an Idempotency-Key header so a retried request cannot charge
// twice.
func Subscribe(svc SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}

		var req subscribeRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		sub, err := svc.Subscribe(r.Context(), userID, req.PlanSlug, req.PaymentMethod, key)
		if err != nil {
			writeServiceError(w, logger, "subscribe", err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

// CurrentSubscription returns the caller's active subscription.
func CurrentSubscription(svc SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		sub, err := svc.Current(r.Context(), userID)
		if err != nil {
			writeServiceError(w, logger, "current subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// CancelSubscription cancels one of the caller's subscriptions.
func CancelSubscription(svc SubscriptionService, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub, err := svc.Cancel(r.Context(), userID, id)
		if err != nil {
			writeServiceError(w, logger, "cancel subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}
