package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeaturedAdStatus is the review/lifecycle state of a featured promotion.
type FeaturedAdStatus string

const (
	FeaturedPendingReview FeaturedAdStatus = "pending_review"
	FeaturedApproved      FeaturedAdStatus = "approved"
	FeaturedActive        FeaturedAdStatus = "active"
	FeaturedRejected      FeaturedAdStatus = "rejected"
	FeaturedExpired       FeaturedAdStatus = "expired"
)

// LiveFeaturedStatuses are the states that occupy a listing's single promotion slot.
var LiveFeaturedStatuses = []FeaturedAdStatus{FeaturedPendingReview, FeaturedApproved, FeaturedActive}

// IsLive reports whether the status still holds the listing's promotion slot.
func (s FeaturedAdStatus) IsLive() bool {
	switch s {
	case FeaturedPendingReview, FeaturedApproved, FeaturedActive:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s FeaturedAdStatus) IsTerminal() bool {
	return s == FeaturedRejected || s == FeaturedExpired
}

// FeaturedAdRequest is a paid request to promote one listing for DurationDays.
type FeaturedAdRequest struct {
	ID                int64            `json:"id"`
	ListingID         int64            `json:"listing_id"`
	UserID            int64            `json:"user_id"`
	DurationDays      int              `json:"duration_days"`
	PricePaid         decimal.Decimal  `json:"price_paid"`
	Currency          string           `json:"currency"`
	GatewayPaymentRef *string          `json:"gateway_payment_ref,omitempty"`
	Status            FeaturedAdStatus `json:"status"`
	RequestedAt       time.Time        `json:"requested_at"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	StartsAt          *time.Time       `json:"starts_at,omitempty"`
	EndsAt            *time.Time       `json:"ends_at,omitempty"`
	RejectionReason   *string          `json:"rejection_reason,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
