package handlers

import (
	"net/http"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// CatalogReader exposes the sellable price list.
type CatalogReader interface {
	Plans() []models.MembershipPlan
	FeaturedTiers() []models.FeaturedPriceTier
}

// ListPlans returns all active membership plans with pricing.
func ListPlans(catalog CatalogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"plans": catalog.Plans()})
	}
}

// FeaturedPrices returns the price of each featured duration.
func FeaturedPrices(catalog CatalogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tiers": catalog.FeaturedTiers()})
	}
}
