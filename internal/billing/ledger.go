package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// LedgerStore persists payment ledger rows.
type LedgerStore interface {
	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error)
	GetLedgerEntry(ctx context.Context, id int64) (*models.LedgerEntry, error)
	GetLedgerEntryByRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
	MarkLedgerRefunded(ctx context.Context, id int64, at time.Time) error
	ListLedgerEntries(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
}

// Ledger is the append-only PaymentLedger.
type Ledger struct {
	store     LedgerStore
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewLedger builds a Ledger.
func NewLedger(s LedgerStore, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Ledger {
	publisher, logger = defaultDeps(publisher, logger)
	o := buildOptions(opts)
	return &Ledger{store: s, publisher: publisher, logger: logger.Named("ledger"), now: o.now}
}

// Record appends entry and returns its id. Recording a gateway reference
// that is already in the ledger is a no-op returning the existing id.
func (l *Ledger) Record(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	if entry.GatewayPaymentRef == "" {
		return 0, errors.New("ledger: gateway payment reference is required")
	}
	if entry.Amount.IsNegative() {
		return 0, errors.New("ledger: amount cannot be negative")
	}
	if entry.Status == "" {
		entry.Status = models.LedgerSucceeded
	}

	id, err := l.store.InsertLedgerEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			l.logger.Info("ledger entry already recorded",
				zap.String("gateway_payment_ref", entry.GatewayPaymentRef),
				zap.Int64("entry_id", id))
			return id, nil
		}
		return 0, storeError("record ledger entry", err)
	}
	return id, nil
}

// MarkRefunded flips a succeeded entry to refunded. Refunding an entry that is
// already refunded is a no-op; a failed payment cannot be refunded.
func (l *Ledger) MarkRefunded(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	entry, err := l.store.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, storeError("get ledger entry", err)
	}
	return l.markRefunded(ctx, entry)
}

// MarkRefundedByReference refunds the entry for a gateway payment reference,
// as reported by a provider webhook.
func (l *Ledger) MarkRefundedByReference(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	entry, err := l.store.GetLedgerEntryByRef(ctx, ref)
	if err != nil {
		return nil, storeError("get ledger entry by ref", err)
	}
	return l.markRefunded(ctx, entry)
}

func (l *Ledger) markRefunded(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	switch entry.Status {
	case models.LedgerRefunded:
		return entry, nil
	case models.LedgerFailed:
		return nil, fmt.Errorf("refund entry %d with status %s: %w", entry.ID, entry.Status, ErrConflictingState)
	}

	at := l.now()
	if err := l.store.MarkLedgerRefunded(ctx, entry.ID, at); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// Lost a race with another refund; report whatever is stored now.
			current, gerr := l.store.GetLedgerEntry(ctx, entry.ID)
			if gerr == nil && current.Status == models.LedgerRefunded {
				return current, nil
			}
		}
		return nil, storeError("mark ledger refunded", err)
	}

	entry.Status = models.LedgerRefunded
	entry.RefundedAt = &at
	l.logger.Info("ledger entry refunded",
		zap.Int64("entry_id", entry.ID),
		zap.String("gateway_payment_ref", entry.GatewayPaymentRef))
	publish(ctx, l.publisher, l.logger, events.LedgerRefunded, entry)
	return entry, nil
}

// History returns a user's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntries(ctx, userID, limit)
	if err != nil {
		return nil, storeError("list ledger entries", err)
	}
	return entries, nil
}
