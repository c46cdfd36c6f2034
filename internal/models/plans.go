package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingCycle is the renewal period of a membership plan.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Advance returns the end of a billing period starting at t.
func (c BillingCycle) Advance(t time.Time) time.Time {
	if c == BillingCycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// MembershipPlan represents a sellable membership tier (basic, premium, ...)
type MembershipPlan struct {
	ID           int64           `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	Description  *string         `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	BillingCycle BillingCycle    `json:"billing_cycle"`
	DisplayOrder int             `json:"display_order"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PriceMoney returns the plan price as Money.
func (p MembershipPlan) PriceMoney() Money {
	return NewMoney(p.Price, p.Currency)
}

// FeaturedPriceTier is the price of promoting a listing for a fixed number of days.
type FeaturedPriceTier struct {
	ID           int64           `json:"id"`
	DurationDays int             `json:"duration_days"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	IsActive     bool            `json:"is_active"`
}

// PriceMoney returns the tier price as Money.
func (t FeaturedPriceTier) PriceMoney() Money {
	return NewMoney(t.Price, t.Currency)
}
