package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/classifieds/backend/internal/middleware"
)

// ClickThrougher records a click and picks the redirect target.
type ClickThrougher interface {
	ClickThrough(ctx context.Context, rawType, rawID string, userID *int64) string
}

// ClickRedirect always answers with a 302, even for malformed links.
func ClickRedirect(clicks ClickThrougher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var userID *int64
		if id, ok := middleware.UserIDFrom(r.Context()); ok {
			userID = &id
		}
		dest := clicks.ClickThrough(r.Context(), chi.URLParam(r, "adType"), chi.URLParam(r, "adID"), userID)
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, dest, http.StatusFound)
	}
}
