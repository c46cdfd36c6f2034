package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// PromotionService is the seller-facing part of billing.PromotionManager.
type PromotionService interface {
	RequestFeature(ctx context.Context, userID, listingID int64, durationDays int, paymentMethodRef, idempotencyKey string) (*models.FeaturedAdRequest, error)
	ListForUser(ctx context.Context, userID int64) ([]models.FeaturedAdRequest, error)
}

type featureRequest struct {
	DurationDays  int    `json:"duration_days" validate:"required,gt=0,lte=365"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=255"`
}

// RequestFeature buys a featured slot for one of the caller's listings.
func RequestFeature(svc PromotionService, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		listingID, err := pathID(r, "listingID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var req featureRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		created, err := svc.RequestFeature(r.Context(), userID, listingID, req.DurationDays, req.PaymentMethod, key)
		if err != nil {
			writeServiceError(w, logger, "request feature", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// MyPromotions lists the caller's featured requests.
func MyPromotions(svc PromotionService, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		reqs, err := svc.ListForUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, logger, "list promotions", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"promotions": reqs, "count": len(reqs)})
	}
}
