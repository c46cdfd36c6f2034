package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// LedgerReader returns a user's payment history.
type LedgerReader interface {
	History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}

// PaymentHistory lists the caller's ledger entries, newest first.
func PaymentHistory(ledger LedgerReader, logger *zap.Logger) http.HandlerFunc {
	logger = orNop(logger)
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		entries, err := ledger.History(r.Context(), userID, queryLimit(r, 50))
		if err != nil {
			writeServiceError(w, logger, "payment history", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": entries, "count": len(entries)})
	}
}
