package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/classifieds/backend/internal/billing"
	"github.com/PortNumber53/classifieds/backend/internal/models"
)

type memQueue struct {
	mu     sync.Mutex
	nextID int64
	jobs   []*models.Job
	keys   map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{keys: make(map[string]bool)}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.DedupeKey != nil {
		if q.keys[*job.DedupeKey] {
			return false, nil
		}
		q.keys[*job.DedupeKey] = true
	}
	q.nextID++
	job.ID = q.nextID
	job.Status = models.JobStatusPending
	q.jobs = append(q.jobs, job)
	return true, nil
}

func (q *memQueue) ClaimNextJob(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.Status == models.JobStatusPending && (job.RetryAfter == nil || !job.RetryAfter.After(time.Now())) {
			job.Status = models.JobStatusProcessing
			job.Attempts++
			job.WorkerID = &workerID
			return job, nil
		}
	}
	return nil, nil
}

func (q *memQueue) setStatus(id int64, status models.JobStatus, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.ID == id {
			job.Status = status
			if msg != "" {
				job.LastError = &msg
			}
		}
	}
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	q.setStatus(id, models.JobStatusCompleted, "")
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	q.setStatus(id, models.JobStatusFailed, msg)
	return nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, msg string, retryAfter time.Time) error {
	q.mu.Lock()
	for _, job := range q.jobs {
		if job.ID == id {
			job.RetryAfter = &retryAfter
		}
	}
	q.mu.Unlock()
	q.setStatus(id, models.JobStatusPending, msg)
	return nil
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	q.setStatus(id, models.JobStatusPending, "")
	return nil
}

func (q *memQueue) GetStats(context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.JobStats{Total: len(q.jobs)}
	for _, job := range q.jobs {
		switch job.Status {
		case models.JobStatusPending:
			stats.Pending++
		case models.JobStatusProcessing:
			stats.Processing++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (q *memQueue) status(id int64) models.JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.ID == id {
			return job.Status
		}
	}
	return ""
}

func (q *memQueue) ofType(jobType string) []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, job := range q.jobs {
		if job.JobType == jobType {
			out = append(out, job)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestWorkerProcessesQueuedJobs(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)

	var mu sync.Mutex
	seen := map[int64]bool{}
	w.RegisterHandler("noop", func(_ context.Context, job *models.Job) error {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		queued, err := w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1})
		require.NoError(t, err)
		require.True(t, queued)
	}

	w.Start(ctx)
	require.Eventually(t, func() bool {
		stats, _ := w.GetQueueStats(ctx)
		return stats.Completed == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	stats := w.GetStats()
	assert.Equal(t, int64(3), stats.JobsSucceeded)
	assert.Zero(t, stats.JobsFailed)
	// A second stop is a no-op.
	assert.NoError(t, w.Stop(context.Background()))
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)

	var retries int
	w.SetInstrumentation(&Instrumentation{
		OnRetry: func(*models.Job, time.Duration) { retries++ },
	})
	w.RegisterHandler("flaky", func(context.Context, *models.Job) error {
		return errors.New("boom")
	})

	ctx := context.Background()
	_, err := w.Enqueue(ctx, &models.Job{JobType: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	job, err := q.ClaimNextJob(ctx, "test")
	require.NoError(t, err)
	w.processJob(ctx, job)
	assert.Equal(t, models.JobStatusPending, q.status(job.ID))
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom", *job.LastError)

	job.RetryAfter = nil
	job, err = q.ClaimNextJob(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, job)
	w.processJob(ctx, job)
	assert.Equal(t, models.JobStatusFailed, q.status(job.ID))

	assert.Equal(t, 1, retries)
	stats := w.GetStats()
	assert.Equal(t, int64(2), stats.JobsFailed)
	assert.Equal(t, int64(1), stats.JobsRetried)
}

func TestWorkerUnknownJobType(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)

	ctx := context.Background()
	_, err := w.Enqueue(ctx, &models.Job{JobType: "mystery", MaxAttempts: 1})
	require.NoError(t, err)

	job, _ := q.ClaimNextJob(ctx, "test")
	w.processJob(ctx, job)

	assert.Equal(t, models.JobStatusFailed, q.status(job.ID))
	assert.Contains(t, *job.LastError, "no handler registered")
}

func TestWorkerEnqueueDedupes(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)

	var enqueued int
	w.SetInstrumentation(&Instrumentation{OnEnqueue: func(*models.Job) { enqueued++ }})

	key := "same"
	ctx := context.Background()
	first, err := w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1, DedupeKey: &key})
	require.NoError(t, err)
	second, err := w.Enqueue(ctx, &models.Job{JobType: "noop", MaxAttempts: 1, DedupeKey: &key})
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, enqueued)

	_, err = w.Enqueue(ctx, &models.Job{JobType: "", MaxAttempts: 1})
	assert.Error(t, err)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = 10 * time.Second
	w := New(cfg, newMemQueue(), nil)

	for attempt := 1; attempt <= 10; attempt++ {
		delay := w.retryDelay(attempt)
		assert.GreaterOrEqual(t, delay, 800*time.Millisecond, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, 12*time.Second, "attempt %d", attempt)
	}
	assert.GreaterOrEqual(t, w.retryDelay(10), 8*time.Second)
}

type stubSweeper struct {
	calls int
	res   billing.SweepResult
	err   error
}

func (s *stubSweeper) Sweep(context.Context, time.Time, int) (billing.SweepResult, error) {
	s.calls++
	return s.res, s.err
}

type stubRenewer struct {
	due       []models.Subscription
	renewed   map[int64]string
	err       error
	lapsed    int
	lapsedErr error
	lapsedAt  []time.Time
}

func (s *stubRenewer) CancelLapsed(_ context.Context, now time.Time, _ int) (int, error) {
	s.lapsedAt = append(s.lapsedAt, now)
	return s.lapsed, s.lapsedErr
}

func (s *stubRenewer) DueForRenewal(context.Context, time.Time, int) ([]models.Subscription, error) {
	return s.due, nil
}

func (s *stubRenewer) Renew(_ context.Context, id int64, key string) (*models.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.renewed == nil {
		s.renewed = map[int64]string{}
	}
	s.renewed[id] = key
	return &models.Subscription{ID: id, Status: models.SubscriptionActive}, nil
}

func TestPromotionSweepJob(t *testing.T) {
	w := New(testConfig(), newMemQueue(), nil)
	sweeper := &stubSweeper{res: billing.SweepResult{Activated: 2, Expired: 1}}
	jobs := RegisterBillingJobs(w, sweeper, &stubRenewer{}, nil)

	require.NoError(t, jobs.handlePromotionSweep(context.Background(), &models.Job{ID: 1}))
	assert.Equal(t, 1, sweeper.calls)

	sweeper.err = errors.New("db down")
	assert.Error(t, jobs.handlePromotionSweep(context.Background(), &models.Job{ID: 2}))
}

func TestRenewalSweepFansOutOncePerPeriod(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)
	periodEnd := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	renewer := &stubRenewer{due: []models.Subscription{
		{ID: 7, CurrentPeriodEnd: periodEnd},
		{ID: 8, CurrentPeriodEnd: periodEnd},
	}}
	jobs := RegisterBillingJobs(w, &stubSweeper{}, renewer, nil)

	ctx := context.Background()
	require.NoError(t, jobs.handleRenewalSweep(ctx, &models.Job{ID: 1}))
	require.NoError(t, jobs.handleRenewalSweep(ctx, &models.Job{ID: 2}))

	queued := q.ofType(models.JobSubscriptionRenewal)
	require.Len(t, queued, 2)
	assert.Equal(t, "renew:7:2026-02-10T12:00:00Z", *queued[0].DedupeKey)

	require.NoError(t, jobs.handleSubscriptionRenewal(ctx, queued[0]))
	assert.Equal(t, "2026-02-10T12:00:00Z", renewer.renewed[7])
}

func TestRenewalSweepCancelsLapsed(t *testing.T) {
	q := newMemQueue()
	w := New(testConfig(), q, nil)
	periodEnd := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	renewer := &stubRenewer{lapsed: 2, due: []models.Subscription{{ID: 7, CurrentPeriodEnd: periodEnd}}}
	jobs := RegisterBillingJobs(w, &stubSweeper{}, renewer, nil)
	now := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, jobs.handleRenewalSweep(ctx, &models.Job{ID: 1}))
	assert.Equal(t, []time.Time{now}, renewer.lapsedAt)
	assert.Len(t, q.ofType(models.JobSubscriptionRenewal), 1)

	renewer.lapsedErr = errors.New("db down")
	err := jobs.handleRenewalSweep(ctx, &models.Job{ID: 2})
	assert.ErrorContains(t, err, "cancel lapsed subscriptions")
	assert.Len(t, q.ofType(models.JobSubscriptionRenewal), 1)
}

func TestSubscriptionRenewalJobOutcomes(t *testing.T) {
	w := New(testConfig(), newMemQueue(), nil)
	renewer := &stubRenewer{}
	jobs := RegisterBillingJobs(w, &stubSweeper{}, renewer, nil)
	job := &models.Job{ID: 1, Payload: models.JSONB{"subscription_id": float64(9), "period_end": "p"}}

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"declined", fmt.Errorf("renew: %w", billing.ErrPaymentFailed), false},
		{"canceled meanwhile", fmt.Errorf("renew: %w", billing.ErrConflictingState), false},
		{"gone", billing.ErrNotFound, false},
		{"persistence", fmt.Errorf("renew: %w", billing.ErrPersistence), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renewer.err = tt.err
			err := jobs.handleSubscriptionRenewal(context.Background(), job)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	bad := &models.Job{ID: 2, Payload: models.JSONB{}}
	assert.Error(t, jobs.handleSubscriptionRenewal(context.Background(), bad))
}

func TestSchedulerBucketsSweeps(t *testing.T) {
	q := newMemQueue()
	s := NewScheduler(q, time.Minute, nil)
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	s.tick(ctx)
	s.tick(ctx)
	assert.Len(t, q.ofType(models.JobPromotionSweep), 1)
	assert.Len(t, q.ofType(models.JobRenewalSweep), 1)

	now = now.Add(time.Minute)
	s.tick(ctx)
	assert.Len(t, q.ofType(models.JobPromotionSweep), 2)

	queued, err := s.TriggerSweeps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Len(t, q.ofType(models.JobRenewalSweep), 3)
}

func TestSchedulerStartStop(t *testing.T) {
	q := newMemQueue()
	s := NewScheduler(q, time.Hour, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(q.ofType(models.JobPromotionSweep)) == 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}
