package billing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
)

func ledgerEntry(ref string) *models.LedgerEntry {
	return &models.LedgerEntry{
		UserID:            42,
		GatewayPaymentRef: ref,
		Amount:            decimal.RequireFromString("4.99"),
		Currency:          "usd",
		PaymentType:       models.PaymentTypeFeaturedAd,
	}
}

func TestLedgerRecordIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st, nil, nil)

	id, err := l.Record(ctx, ledgerEntry("pi_1"))
	require.NoError(t, err)

	again, err := l.Record(ctx, ledgerEntry("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, st.ledgerCount())

	entry, err := st.GetLedgerEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerSucceeded, entry.Status)
}

func TestLedgerRecordRejectsBadEntries(t *testing.T) {
	l := NewLedger(newMemStore(), nil, nil)

	_, err := l.Record(context.Background(), ledgerEntry(""))
	assert.Error(t, err)

	neg := ledgerEntry("pi_neg")
	neg.Amount = decimal.NewFromInt(-1)
	_, err = l.Record(context.Background(), neg)
	assert.Error(t, err)
}

func TestLedgerRefund(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	pub := &recordingPublisher{}
	l := NewLedger(st, pub, nil)

	id, err := l.Record(ctx, ledgerEntry("pi_2"))
	require.NoError(t, err)

	refunded, err := l.MarkRefunded(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)

	// A second refund, for example a replayed webhook, changes nothing.
	again, err := l.MarkRefundedByReference(ctx, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerRefunded, again.Status)
	assert.Equal(t, []string{events.LedgerRefunded}, pub.types())

	_, err = l.MarkRefunded(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerRefundOfFailedPaymentConflicts(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore(), nil, nil)

	failed := ledgerEntry("pi_3")
	failed.Status = models.LedgerFailed
	id, err := l.Record(ctx, failed)
	require.NoError(t, err)

	_, err = l.MarkRefunded(ctx, id)
	assert.ErrorIs(t, err, ErrConflictingState)
}

func TestLedgerHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore(), nil, nil)
	for _, ref := range []string{"pi_a", "pi_b", "pi_c"} {
		_, err := l.Record(ctx, ledgerEntry(ref))
		require.NoError(t, err)
	}

	history, err := l.History(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "pi_c", history[0].GatewayPaymentRef)

	none, err := l.History(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
