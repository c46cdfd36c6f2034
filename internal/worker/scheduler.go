package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/models"
)

// Enqueuer accepts jobs. *Worker implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) (bool, error)
}

// Scheduler queues the promotion and renewal sweeps on a fixed interval.
// Sweep jobs are deduplicated per interval bucket, so several server
// instances running a scheduler still produce one sweep per interval.
type Scheduler struct {
	queue    Enqueuer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler creates a scheduler that ticks every interval.
func NewScheduler(queue Enqueuer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		queue:    queue,
		interval: interval,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start queues an initial round of sweeps and then one per interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the ticker and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.enqueueSweeps(ctx, s.bucket()); err != nil {
		s.logger.Error("queue sweeps failed", zap.Error(err))
	}
}

func (s *Scheduler) bucket() string {
	return strconv.FormatInt(s.now().Truncate(s.interval).Unix(), 10)
}

// TriggerSweeps queues both sweeps immediately, outside the interval
// buckets. It returns how many jobs were queued.
func (s *Scheduler) TriggerSweeps(ctx context.Context) (int, error) {
	return s.enqueueSweeps(ctx, "manual:"+strconv.FormatInt(s.now().UnixNano(), 10))
}

func (s *Scheduler) enqueueSweeps(ctx context.Context, bucket string) (int, error) {
	queued := 0
	for _, jobType := range []string{models.JobPromotionSweep, models.JobRenewalSweep} {
		key := jobType + ":" + bucket
		ok, err := s.queue.Enqueue(ctx, &models.Job{
			JobType:     jobType,
			Priority:    models.JobPriorityNormal,
			MaxAttempts: sweepMaxAttempts,
			DedupeKey:   &key,
		})
		if err != nil {
			return queued, fmt.Errorf("enqueue %s: %w", jobType, err)
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}
