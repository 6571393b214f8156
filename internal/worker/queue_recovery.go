package worker

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/pkg/distlock"
	"github.com/ignite/sendpipe/internal/queue"
)

const (
	// DefaultRecoveryInterval is how often expired leases are swept.
	DefaultRecoveryInterval = time.Minute

	// DefaultMaxReceives is how many times a job may be handed out before
	// an expired lease dead-letters it.
	DefaultMaxReceives = 5
)

// QueueRecoveryWorker returns send jobs whose worker died mid-flight to the
// ready set and dead-letters those that keep timing out. Only backends that
// implement queue.Recoverer need it; SQS and RabbitMQ enforce visibility
// themselves.
type QueueRecoveryWorker struct {
	recoverer   queue.Recoverer
	lock        distlock.DistLock
	interval    time.Duration
	maxReceives int
}

// NewQueueRecoveryWorker creates a recovery worker. lock may be nil when a
// single process owns the queue.
func NewQueueRecoveryWorker(r queue.Recoverer, lock distlock.DistLock, interval time.Duration, maxReceives int) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if maxReceives <= 0 {
		maxReceives = DefaultMaxReceives
	}
	if lock == nil {
		lock = distlock.NewLocalLock()
	}
	return &QueueRecoveryWorker{recoverer: r, lock: lock, interval: interval, maxReceives: maxReceives}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Info("queue recovery starting", "interval", qr.interval.String(), "max_receives", qr.maxReceives)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue recovery stopping")
			return
		case <-ticker.C:
			qr.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep if this process wins the lock.
func (qr *QueueRecoveryWorker) RunOnce(ctx context.Context) (requeued, deadLettered int64) {
	ok, err := qr.lock.Acquire(ctx)
	if err != nil {
		log.Warn("queue recovery lock failed", "error", err)
		return 0, 0
	}
	if !ok {
		return 0, 0
	}
	defer func() {
		if err := qr.lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("queue recovery unlock failed", "error", err)
		}
	}()

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requeued, deadLettered, err = qr.recoverer.Recover(sweepCtx, qr.maxReceives)
	if err != nil {
		log.Error("queue recovery sweep failed", "error", err)
		return requeued, deadLettered
	}
	if requeued > 0 || deadLettered > 0 {
		log.Info("queue recovery sweep", "requeued", requeued, "dead_lettered", deadLettered)
	}
	return requeued, deadLettered
}
