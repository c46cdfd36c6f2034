package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/billing"
	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// ReferenceRefunder marks the ledger entry for a provider payment refunded.
type ReferenceRefunder interface {
	MarkRefundedByReference(ctx context.Context, ref string) (*models.LedgerEntry, error)
}

// StripeHandler receives Stripe webhooks.
type StripeHandler struct {
	Ledger        ReferenceRefunder
	WebhookSecret string
	Logger        *zap.Logger
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(ledger ReferenceRefunder, webhookSecret string, logger *zap.Logger) *StripeHandler {
	return &StripeHandler{Ledger: ledger, WebhookSecret: webhookSecret, Logger: orNop(logger).Named("webhook")}
}

// RegisterRoutes registers the webhook route.
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

// HandleWebhook processes Stripe webhook events. Refunds issued from the
// Stripe dashboard are mirrored into the ledger; unknown events are
// acknowledged so Stripe stops retrying them.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.WebhookSecret)
		if err != nil {
			h.Logger.Warn("webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		h.Logger.Info("webhook received", zap.String("event_id", event.ID), zap.String("type", string(event.Type)))

		switch string(event.Type) {
		case "charge.refunded":
			if err := h.handleChargeRefunded(r.Context(), event); err != nil {
				h.Logger.Error("refund webhook failed", zap.String("event_id", event.ID), zap.Error(err))
				// A 5xx makes Stripe redeliver; unknown payments never will succeed.
				if !isClientError(err) {
					writeError(w, http.StatusInternalServerError, "failed to process event")
					return
				}
			}
		case "payment_intent.payment_failed":
			var intent stripe.PaymentIntent
			if err := json.Unmarshal(event.Data.Raw, &intent); err == nil {
				fields := []zap.Field{zap.String("payment_intent", intent.ID)}
				if intent.LastPaymentError != nil {
					fields = append(fields, zap.String("reason", string(intent.LastPaymentError.Code)))
				}
				h.Logger.Info("payment intent failed", fields...)
			}
		default:
			h.Logger.Debug("unhandled webhook event", zap.String("type", string(event.Type)))
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *StripeHandler) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return err
	}
	if !charge.Refunded || charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		// Partial refunds keep the entry as succeeded.
		return nil
	}
	entry, err := h.Ledger.MarkRefundedByReference(ctx, charge.PaymentIntent.ID)
	if err != nil {
		return err
	}
	h.Logger.Info("ledger entry refunded from webhook",
		zap.Int64("entry_id", entry.ID), zap.String("gateway_payment_ref", entry.GatewayPaymentRef))
	return nil
}

func isClientError(err error) bool {
	return errorsIsAny(err, billing.ErrNotFound, billing.ErrConflictingState)
}
