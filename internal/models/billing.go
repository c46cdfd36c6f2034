package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a membership subscription.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

type Subscription struct {
	ID                     int64              `json:"id"`
	UserID                 int64              `json:"user_id"`
	PlanID                 int64              `json:"plan_id"`
	GatewayCustomerRef     *string            `json:"gateway_customer_ref,omitempty"`
	GatewaySubscriptionRef *string            `json:"gateway_subscription_ref,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// LedgerStatus is the outcome recorded for a payment.
type LedgerStatus string

const (
	LedgerSucceeded LedgerStatus = "succeeded"
	LedgerFailed    LedgerStatus = "failed"
	LedgerRefunded  LedgerStatus = "refunded"
)

// PaymentType identifies what a ledger entry paid for.
type PaymentType string

const (
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeFeaturedAd   PaymentType = "featured_ad"
)

// LedgerEntry is one row of the append-only payment ledger.
type LedgerEntry struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	GatewayPaymentRef string          `json:"gateway_payment_ref"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            LedgerStatus    `json:"status"`
	Description       *string         `json:"description,omitempty"`
	PaymentType       PaymentType     `json:"payment_type"`
	RelatedID         *int64          `json:"related_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
}
