// Package events publishes billing domain events for downstream consumers
// such as receipts, analytics and reconciliation.
package events

import (
	"context"
	"time"
)

// Routing keys.
const (
	SubscriptionCreated   = "subscription.created"
	SubscriptionRenewed   = "subscription.renewed"
	SubscriptionPastDue   = "subscription.past_due"
	SubscriptionCanceled  = "subscription.canceled"
	PromotionRequested    = "promotion.requested"
	PromotionTransitioned = "promotion.transitioned"
	LedgerRefunded        = "ledger.refunded"
	ChargeOrphaned        = "charge.orphaned"
)

// Event is the envelope written to the bus.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// New stamps an event with the current time.
func New(eventType string, payload any) Event {
	return Event{Type: eventType, OccurredAt: time.Now().UTC(), Payload: payload}
}

// Publisher delivers events. Publishing is best effort: callers log
// failures and never roll back committed state because of them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
