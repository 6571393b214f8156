package worker

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/pkg/distlock"
)

// RetryRunner re-attempts due webhook deliveries.
type RetryRunner interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

// WebhookRetryScheduler polls for pending webhook deliveries whose next
// attempt is due. The distributed lock keeps one sweep running across the
// fleet; the claim lease in the store covers a sweep that outlives it.
type WebhookRetryScheduler struct {
	runner    RetryRunner
	lock      distlock.DistLock
	interval  time.Duration
	batchSize int
}

// NewWebhookRetryScheduler creates a scheduler. lock may be nil.
func NewWebhookRetryScheduler(runner RetryRunner, lock distlock.DistLock, interval time.Duration, batchSize int) *WebhookRetryScheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if lock == nil {
		lock = distlock.NewLocalLock()
	}
	return &WebhookRetryScheduler{runner: runner, lock: lock, interval: interval, batchSize: batchSize}
}

// Start runs the poll loop until ctx is cancelled.
func (s *WebhookRetryScheduler) Start(ctx context.Context) {
	log.Info("webhook retry scheduler starting", "interval", s.interval.String(), "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("webhook retry scheduler stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps due deliveries if the lock is free, draining full batches
// back to back. Returns how many deliveries were attempted.
func (s *WebhookRetryScheduler) RunOnce(ctx context.Context) int {
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		log.Warn("webhook retry lock failed", "error", err)
		return 0
	}
	if !ok {
		log.Debug("webhook retry sweep held elsewhere")
		return 0
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("webhook retry unlock failed", "error", err)
		}
	}()

	total := 0
	for ctx.Err() == nil {
		n, err := s.runner.RetryDue(ctx, s.batchSize)
		total += n
		if err != nil {
			log.Error("webhook retry sweep failed", "error", err)
			break
		}
		if n < s.batchSize {
			break
		}
	}
	if total > 0 {
		log.Info("webhook retry sweep", "attempted", total)
	}
	return total
}
