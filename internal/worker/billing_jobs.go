package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/billing"
	"github.com/PortNumber53/classifieds/backend/internal/models"
)

const (
	sweepBatchSize      = 200
	sweepMaxAttempts    = 3
	renewalMaxAttempts  = 5
	payloadSubscription = "subscription_id"
	payloadPeriodEnd    = "period_end"
)

// PromotionSweeper applies due promotion activations and expiries.
type PromotionSweeper interface {
	Sweep(ctx context.Context, now time.Time, limit int) (billing.SweepResult, error)
}

// Renewer charges subscriptions for their next billing period and cancels
// the ones left past_due beyond their grace period.
type Renewer interface {
	DueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	Renew(ctx context.Context, subscriptionID int64, idempotencyKey string) (*models.Subscription, error)
	CancelLapsed(ctx context.Context, now time.Time, limit int) (int, error)
}

// BillingJobs holds the handlers for the billing job types.
type BillingJobs struct {
	worker     *Worker
	promotions PromotionSweeper
	renewals   Renewer
	logger     *zap.Logger
	now        func() time.Time
}

// RegisterBillingJobs wires the promotion sweep, the renewal sweep and the
// per-subscription renewal handler into w.
func RegisterBillingJobs(w *Worker, promotions PromotionSweeper, renewals Renewer, logger *zap.Logger) *BillingJobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	jobs := &BillingJobs{
		worker:     w,
		promotions: promotions,
		renewals:   renewals,
		logger:     logger.Named("billing_jobs"),
		now:        time.Now,
	}
	w.RegisterHandler(models.JobPromotionSweep, jobs.handlePromotionSweep)
	w.RegisterHandler(models.JobRenewalSweep, jobs.handleRenewalSweep)
	w.RegisterHandler(models.JobSubscriptionRenewal, jobs.handleSubscriptionRenewal)
	return jobs
}

func (b *BillingJobs) handlePromotionSweep(ctx context.Context, job *models.Job) error {
	res, err := b.promotions.Sweep(ctx, b.now(), sweepBatchSize)
	if res.Activated > 0 || res.Expired > 0 {
		b.logger.Info("promotion sweep",
			zap.Int64("job_id", job.ID), zap.Int("activated", res.Activated), zap.Int("expired", res.Expired))
	}
	return err
}

// handleRenewalSweep cancels lapsed subscriptions, then fans out one renewal
// job per due subscription. The dedupe key pins each job to the period being
// paid for, so overlapping sweeps never queue the same renewal twice.
func (b *BillingJobs) handleRenewalSweep(ctx context.Context, job *models.Job) error {
	now := b.now()
	var errs []error
	canceled, err := b.renewals.CancelLapsed(ctx, now, sweepBatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("cancel lapsed subscriptions: %w", err))
	}
	if canceled > 0 {
		b.logger.Info("lapsed subscriptions canceled", zap.Int64("job_id", job.ID), zap.Int("canceled", canceled))
	}

	due, err := b.renewals.DueForRenewal(ctx, now, sweepBatchSize)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	queued := 0
	for _, sub := range due {
		periodEnd := sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		key := fmt.Sprintf("renew:%d:%s", sub.ID, periodEnd)
		ok, err := b.worker.Enqueue(ctx, &models.Job{
			JobType:     models.JobSubscriptionRenewal,
			Priority:    models.JobPriorityHigh,
			MaxAttempts: renewalMaxAttempts,
			DedupeKey:   &key,
			Payload: models.JSONB{
				payloadSubscription: sub.ID,
				payloadPeriodEnd:    periodEnd,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue renewal for subscription %d: %w", sub.ID, err))
			continue
		}
		if ok {
			queued++
		}
	}

	if len(due) > 0 {
		b.logger.Info("renewal sweep", zap.Int64("job_id", job.ID), zap.Int("due", len(due)), zap.Int("queued", queued))
	}
	return errors.Join(errs...)
}

// handleSubscriptionRenewal charges one subscription. Declines are final for
// this period: the subscription is already past_due and retrying would only
// hit the card again.
func (b *BillingJobs) handleSubscriptionRenewal(ctx context.Context, job *models.Job) error {
	id, err := job.Payload.Int64(payloadSubscription)
	if err != nil {
		return err
	}
	periodEnd, _ := job.Payload[payloadPeriodEnd].(string)

	sub, err := b.renewals.Renew(ctx, id, periodEnd)
	switch {
	case err == nil:
		b.logger.Info("subscription renewed",
			zap.Int64("subscription_id", sub.ID), zap.Time("period_end", sub.CurrentPeriodEnd))
		return nil
	case errors.Is(err, billing.ErrPaymentFailed):
		b.logger.Warn("renewal payment failed", zap.Int64("subscription_id", id), zap.Error(err))
		return nil
	case errors.Is(err, billing.ErrConflictingState), errors.Is(err, billing.ErrNotFound):
		b.logger.Info("renewal skipped", zap.Int64("subscription_id", id), zap.Error(err))
		return nil
	default:
		return err
	}
}
