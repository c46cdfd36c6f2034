package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// ReviewService is the admin side of billing.PromotionManager.
type ReviewService interface {
	ListPendingReview(ctx context.Context, limit int) ([]models.FeaturedAdRequest, error)
	Approve(ctx context.Context, requestID int64, startsAt *time.Time) (*models.FeaturedAdRequest, error)
	Reject(ctx context.Context, requestID int64, reason string) (*models.FeaturedAdRequest, error)
	Revoke(ctx context.Context, requestID int64, reason string) (*models.FeaturedAdRequest, error)
}

// Refunder marks ledger entries refunded.
type Refunder interface {
	MarkRefunded(ctx context.Context, entryID int64) (*models.LedgerEntry, error)
}

// JobStatsReader reports on the background job queue.
type JobStatsReader interface {
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// SweepTrigger queues the promotion and renewal sweeps immediately.
type SweepTrigger interface {
	TriggerSweeps(ctx context.Context) (int, error)
}

// ClickCounter reports aggregated click counts.
type ClickCounter interface {
	ClickCount(ctx context.Context, adType models.AdType, adID int64) (int64, error)
}

// AdminHandler holds dependencies for the admin endpoints. Nil dependencies
// leave their routes unregistered.
type AdminHandler struct {
	Reviews ReviewService
	Ledger  Refunder
	Jobs    JobStatsReader
	Sweeps  SweepTrigger
	Clicks  ClickCounter
	Logger  *zap.Logger
}

// RegisterRoutes registers admin handlers with the router. Callers are
// expected to mount it behind authentication and the admin role check.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	h.Logger = orNop(h.Logger)
	if h.Reviews != nil {
		router.Get("/api/admin/promotions/pending", h.PendingPromotions())
		router.Post("/api/admin/promotions/{id}/approve", h.ApprovePromotion())
		router.Post("/api/admin/promotions/{id}/reject", h.closePromotion("reject promotion", h.Reviews.Reject))
		router.Post("/api/admin/promotions/{id}/revoke", h.closePromotion("revoke promotion", h.Reviews.Revoke))
	}
	if h.Ledger != nil {
		router.Post("/api/admin/ledger/{id}/refund", h.RefundPayment())
	}
	if h.Jobs != nil {
		router.Get("/api/admin/jobs/stats", h.JobStats())
	}
	if h.Sweeps != nil {
		router.Post("/api/admin/jobs/sweep", h.TriggerSweep())
	}
	if h.Clicks != nil {
		router.Get("/api/admin/ads/{adType}/{adID}/clicks", h.ClickCount())
	}
}

// PendingPromotions returns the review queue, oldest first.
func (h *AdminHandler) PendingPromotions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs, err := h.Reviews.ListPendingReview(r.Context(), queryLimit(r, 100))
		if err != nil {
			writeServiceError(w, h.Logger, "list pending promotions", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"promotions": reqs, "count": len(reqs)})
	}
}

type approveRequest struct {
	StartsAt *time.Time `json:"starts_at"`
}

// ApprovePromotion approves a pending request, optionally scheduling its start.
func (h *AdminHandler) ApprovePromotion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req approveRequest
		if err := decodeJSON(w, r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		approved, err := h.Reviews.Approve(r.Context(), id, req.StartsAt)
		if err != nil {
			writeServiceError(w, h.Logger, "approve promotion", err)
			return
		}
		writeJSON(w, http.StatusOK, approved)
	}
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *AdminHandler) closePromotion(op string, apply func(context.Context, int64, string) (*models.FeaturedAdRequest, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req reasonRequest
		if err := decodeJSON(w, r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := apply(r.Context(), id, req.Reason)
		if err != nil {
			writeServiceError(w, h.Logger, op, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// RefundPayment marks a ledger entry refunded after the money was returned
// through the provider dashboard.
func (h *AdminHandler) RefundPayment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entry, err := h.Ledger.MarkRefunded(r.Context(), id)
		if err != nil {
			writeServiceError(w, h.Logger, "refund payment", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// JobStats returns statistics about the job queue.
func (h *AdminHandler) JobStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.Jobs.GetStats(r.Context())
		if err != nil {
			h.Logger.Error("job stats failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// TriggerSweep queues the sweeps without waiting for the scheduler.
func (h *AdminHandler) TriggerSweep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queued, err := h.Sweeps.TriggerSweeps(r.Context())
		if err != nil {
			h.Logger.Error("trigger sweep failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to queue sweeps")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
	}
}

// ClickCount returns the number of clicks recorded for one ad unit.
func (h *AdminHandler) ClickCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adType, err := models.ParseAdType(chi.URLParam(r, "adType"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		adID, err := strconv.ParseInt(chi.URLParam(r, "adID"), 10, 64)
		if err != nil || adID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid adID")
			return
		}
		n, err := h.Clicks.ClickCount(r.Context(), adType, adID)
		if err != nil {
			h.Logger.Error("click count failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to count clicks")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ad_type": adType, "ad_id": adID, "clicks": n})
	}
}
