package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/models"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
)

var testStart = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type subscriptionFixture struct {
	st      *memStore
	gateway *payments.FakeGateway
	pub     *recordingPublisher
	clock   *fixedClock
	mgr     *SubscriptionManager
}

func newSubscriptionFixture(opts ...Option) *subscriptionFixture {
	f := &subscriptionFixture{
		st:      newMemStore(),
		gateway: payments.NewFakeGateway(),
		pub:     &recordingPublisher{},
		clock:   newFixedClock(testStart),
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.mgr = NewSubscriptionManager(testCatalog(), f.gateway, f.st, f.pub, nil, opts...)
	return f
}

func TestSubscribeCreatesActiveSubscription(t *testing.T) {
	f := newSubscriptionFixture()

	sub, err := f.mgr.Subscribe(context.Background(), 42, "premium-monthly", "pm_card_visa", "attempt-1")
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, int64(1), sub.PlanID)
	assert.Equal(t, testStart, sub.CurrentPeriodStart)
	assert.Equal(t, testStart.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.GatewayCustomerRef)

	history, err := f.st.ListLedgerEntries(context.Background(), 42, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "9.99", history[0].Amount.StringFixed(2))
	assert.Equal(t, models.PaymentTypeSubscription, history[0].PaymentType)
	require.NotNil(t, history[0].RelatedID)
	assert.Equal(t, sub.ID, *history[0].RelatedID)

	assert.Equal(t, []string{events.SubscriptionCreated}, f.pub.types())
}

func TestSubscribeReplayReturnsSameSubscription(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	first, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "attempt-1")
	require.NoError(t, err)
	second, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "attempt-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.st.ledgerCount())
}

func TestConcurrentSubscribesLeaveOneActive(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.mgr.Subscribe(ctx, 42, "premium-yearly", "pm_card_visa", fmt.Sprintf("attempt-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.st.activeCount(42))
	assert.Equal(t, n, f.st.ledgerCount())
}

func TestSubscribeUnknownPlan(t *testing.T) {
	f := newSubscriptionFixture()

	_, err := f.mgr.Subscribe(context.Background(), 42, "platinum", "pm_card_visa", "k")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Empty(t, f.gateway.Calls())
}

func TestSubscribeDeclinedWritesNothing(t *testing.T) {
	f := newSubscriptionFixture()
	f.gateway.Decline = func(payments.ChargeRequest) string { return "insufficient_funds" }

	_, err := f.mgr.Subscribe(context.Background(), 42, "premium-monthly", "pm_card_visa", "k")
	require.ErrorIs(t, err, ErrPaymentFailed)

	var perr *PaymentError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "insufficient_funds", perr.Reason)
	assert.Equal(t, 0, f.st.ledgerCount())
	assert.Equal(t, 0, f.st.activeCount(42))
}

func TestSubscribeGatewayTimeoutIsPaymentFailure(t *testing.T) {
	f := newSubscriptionFixture(WithGatewayTimeout(20 * time.Millisecond))
	f.gateway.Latency = time.Second

	_, err := f.mgr.Subscribe(context.Background(), 42, "premium-monthly", "pm_card_visa", "k")
	require.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.st.ledgerCount())
}

func TestSubscribeReportsOrphanedCharge(t *testing.T) {
	f := newSubscriptionFixture()
	f.st.createErr = errors.New("connection reset")

	_, err := f.mgr.Subscribe(context.Background(), 42, "premium-monthly", "pm_card_visa", "k")
	require.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, f.pub.types(), events.ChargeOrphaned)
	assert.Len(t, f.gateway.Calls(), 1)
}

func TestRenewExtendsPeriod(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	renewed, err := f.mgr.Renew(ctx, sub.ID, "")
	require.NoError(t, err)

	assert.Equal(t, sub.CurrentPeriodEnd, renewed.CurrentPeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
	assert.Equal(t, 2, f.st.ledgerCount())
	assert.Contains(t, f.pub.types(), events.SubscriptionRenewed)
}

func TestRenewChargesSavedMethodOffSession(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)
	_, err = f.mgr.Renew(ctx, sub.ID, "")
	require.NoError(t, err)

	calls := f.gateway.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "pm_card_visa", calls[0].PaymentMethodRef)
	assert.False(t, calls[0].OffSession)

	assert.True(t, calls[1].OffSession)
	assert.Empty(t, calls[1].PaymentMethodRef)
	require.NotNil(t, sub.GatewayCustomerRef)
	assert.Equal(t, *sub.GatewayCustomerRef, calls[1].CustomerRef)
}

func TestCancelLapsedAfterGracePeriod(t *testing.T) {
	f := newSubscriptionFixture(WithPastDueGrace(72 * time.Hour))
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)
	healthy, err := f.mgr.Subscribe(ctx, 43, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	f.gateway.Decline = func(req payments.ChargeRequest) string {
		if req.UserID == 42 {
			return "card_expired"
		}
		return ""
	}
	_, err = f.mgr.Renew(ctx, sub.ID, "")
	require.ErrorIs(t, err, ErrPaymentFailed)

	// Still inside the grace period.
	n, err := f.mgr.CancelLapsed(ctx, sub.CurrentPeriodEnd.Add(48*time.Hour), 50)
	require.NoError(t, err)
	assert.Zero(t, n)

	later := sub.CurrentPeriodEnd.Add(73 * time.Hour)
	n, err = f.mgr.CancelLapsed(ctx, later, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := f.st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, current.Status)
	require.NotNil(t, current.CanceledAt)
	assert.Equal(t, later, *current.CanceledAt)
	assert.Contains(t, f.pub.types(), events.SubscriptionCanceled)

	other, err := f.st.GetSubscription(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, other.Status)

	n, err = f.mgr.CancelLapsed(ctx, later, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenewReplayDoesNotChargeTwice(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	first, err := f.mgr.Renew(ctx, sub.ID, "cycle-2")
	require.NoError(t, err)
	second, err := f.mgr.Renew(ctx, sub.ID, "cycle-2")
	require.NoError(t, err)

	assert.Equal(t, first.CurrentPeriodEnd, second.CurrentPeriodEnd)
	assert.Equal(t, 2, f.st.ledgerCount())
}

func TestRenewDeclineMarksPastDueThenRecovers(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	f.gateway.Decline = func(payments.ChargeRequest) string { return "card_expired" }
	_, err = f.mgr.Renew(ctx, sub.ID, "")
	require.ErrorIs(t, err, ErrPaymentFailed)

	current, err := f.st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, current.Status)
	assert.Contains(t, f.pub.types(), events.SubscriptionPastDue)

	f.gateway.Decline = nil
	f.clock.Advance(40 * 24 * time.Hour)
	renewed, err := f.mgr.Renew(ctx, sub.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, renewed.Status)
	assert.Equal(t, f.clock.Now(), renewed.CurrentPeriodStart)
}

func TestCancel(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, 7, sub.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	canceled, err := f.mgr.Cancel(ctx, 42, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)

	again, err := f.mgr.Cancel(ctx, 42, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, again.Status)

	_, err = f.mgr.Current(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.Renew(ctx, sub.ID, "")
	assert.ErrorIs(t, err, ErrConflictingState)
}

func TestDueForRenewal(t *testing.T) {
	f := newSubscriptionFixture()
	ctx := context.Background()

	sub, err := f.mgr.Subscribe(ctx, 42, "premium-monthly", "pm_card_visa", "k")
	require.NoError(t, err)

	due, err := f.mgr.DueForRenewal(ctx, testStart.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.mgr.DueForRenewal(ctx, sub.CurrentPeriodEnd, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sub.ID, due[0].ID)
}
