package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httpretry"
	"github.com/ignite/sendpipe/internal/queue"
	"github.com/ignite/sendpipe/internal/service/campaign"
	"github.com/ignite/sendpipe/internal/service/ledger"
)

// SendLedger is the part of the ledger the dispatcher writes through.
type SendLedger interface {
	Open(ctx context.Context, job domain.SendJob) (*domain.EmailSend, error)
	RecordAccepted(ctx context.Context, id, providerMessageID string) (bool, error)
	RecordFailed(ctx context.Context, id, reason string) (bool, error)
}

// CampaignLookup reads the campaign status gate.
type CampaignLookup interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// SuppressionChecker reports whether a contact must not be mailed.
type SuppressionChecker interface {
	Check(ctx context.Context, contactID string) (domain.ContactStatus, bool, error)
}

// SenderSource resolves a credential id to its sender.
type SenderSource interface {
	Sender(id string) (ESPSender, error)
}

// CompletionTrigger schedules a campaign completion check.
type CompletionTrigger interface {
	Trigger(campaignID string)
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers      int
	MaxAttempts  int
	PauseDelay   time.Duration
	SendTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PauseDelay <= 0 {
		c.PauseDelay = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// DispatcherDeps are the collaborators of a Dispatcher. Campaigns,
// Suppression, Personalizer and Completion may be nil.
type DispatcherDeps struct {
	Queue        queue.Queue
	Ledger       SendLedger
	Senders      SenderSource
	Limiter      Limiter
	Campaigns    CampaignLookup
	Suppression  SuppressionChecker
	Personalizer *Personalizer
	Completion   CompletionTrigger
}

// DispatcherStats are cumulative counters since Start.
type DispatcherStats struct {
	Workers      int          `json:"workers"`
	Running      bool         `json:"running"`
	Sent         int64        `json:"sent"`
	Failed       int64        `json:"failed"`
	Skipped      int64        `json:"skipped"`
	Deferred     int64        `json:"deferred"`
	Retried      int64        `json:"retried"`
	DeadLettered int64        `json:"dead_lettered"`
	Queue        *queue.Stats `json:"queue,omitempty"`
}

// Dispatcher pulls send jobs off the queue and hands them to providers
// through a fixed pool of workers. Every job is acked once the ledger
// reflects its outcome; only infrastructure errors cause redelivery.
type Dispatcher struct {
	deps DispatcherDeps
	cfg  DispatcherConfig

	sent         int64
	failed       int64
	skipped      int64
	deferred     int64
	retried      int64
	deadLettered int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher. Call Start to begin consuming.
func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	if deps.Limiter == nil {
		deps.Limiter = NewLocalLimiter(100, 100)
	}
	return &Dispatcher{deps: deps, cfg: cfg}
}

// Submit records the PENDING send and enqueues the job. Resubmitting a job
// whose send already left PENDING is a no-op.
func (d *Dispatcher) Submit(ctx context.Context, job domain.SendJob) error {
	send, err := d.deps.Ledger.Open(ctx, job)
	if err != nil {
		return err
	}
	if send.Status != domain.SendPending {
		log.Debug("submit skipped, send already processed", "send_id", job.SendID, "status", send.Status)
		return nil
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := d.deps.Queue.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Start launches the workers. Calling Start on a running dispatcher does
// nothing.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())

	log.Info("dispatcher starting", "workers", d.cfg.Workers, "max_attempts", d.cfg.MaxAttempts)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop signals the workers and waits for in-progress jobs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	log.Info("dispatcher stopped",
		"sent", atomic.LoadInt64(&d.sent),
		"failed", atomic.LoadInt64(&d.failed),
		"skipped", atomic.LoadInt64(&d.skipped))
}

// Stats returns the counters plus queue depth when the backend reports it.
func (d *Dispatcher) Stats(ctx context.Context) DispatcherStats {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	st := DispatcherStats{
		Workers:      d.cfg.Workers,
		Running:      running,
		Sent:         atomic.LoadInt64(&d.sent),
		Failed:       atomic.LoadInt64(&d.failed),
		Skipped:      atomic.LoadInt64(&d.skipped),
		Deferred:     atomic.LoadInt64(&d.deferred),
		Retried:      atomic.LoadInt64(&d.retried),
		DeadLettered: atomic.LoadInt64(&d.deadLettered),
	}
	if r, ok := d.deps.Queue.(queue.StatsReporter); ok {
		if qs, err := r.Stats(ctx); err == nil {
			st.Queue = &qs
		} else {
			log.Warn("queue stats unavailable", "error", err)
		}
	}
	return st
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		del, err := d.deps.Queue.Dequeue(d.ctx)
		switch {
		case err == nil:
			d.handle(d.ctx, del)
		case errors.Is(err, queue.ErrClosed):
			log.Info("queue closed, worker exiting", "worker", n)
			return
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, context.Canceled):
			d.idle(d.cfg.PollInterval)
		default:
			log.Error("dequeue failed", "worker", n, "error", err)
			d.idle(time.Second)
		}
	}
}

func (d *Dispatcher) idle(wait time.Duration) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
	case <-t.C:
	}
}

// handle runs one job to a ledger outcome. Queue bookkeeping uses a context
// detached from shutdown so a job in progress is always acked or nacked.
func (d *Dispatcher) handle(ctx context.Context, del *queue.Delivery) {
	qctx := context.WithoutCancel(ctx)

	var job domain.SendJob
	if err := json.Unmarshal(del.Body, &job); err != nil {
		log.Error("undecodable send job", "delivery_id", del.ID, "error", err)
		d.deadLetter(qctx, del, "malformed job: "+err.Error())
		return
	}
	job.Attempt = del.Attempts

	if !d.campaignOpen(ctx, qctx, del, job) {
		return
	}

	send, err := d.deps.Ledger.Open(ctx, job)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidJob) {
			log.Error("invalid send job", "delivery_id", del.ID, "send_id", job.SendID)
			d.deadLetter(qctx, del, err.Error())
			return
		}
		d.retry(qctx, del, job, err)
		return
	}

	// Suppression gate.
	if d.deps.Suppression != nil && job.ContactID != "" && send.Status == domain.SendPending {
		status, blocked, err := d.deps.Suppression.Check(ctx, job.ContactID)
		if err != nil {
			d.retry(qctx, del, job, fmt.Errorf("check suppression: %w", err))
			return
		}
		if blocked {
			d.fail(qctx, del, job, fmt.Sprintf("recipient suppressed: %s", status))
			return
		}
	}

	// A redelivered job whose send already resolved must not reach the
	// provider a second time.
	if send.Status != domain.SendPending {
		log.Debug("send already processed", "send_id", job.SendID, "status", send.Status)
		atomic.AddInt64(&d.skipped, 1)
		d.ack(qctx, del)
		d.triggerCompletion(job)
		return
	}

	sender, err := d.deps.Senders.Sender(job.CredentialID)
	if err != nil {
		d.fail(qctx, del, job, err.Error())
		return
	}

	if err := d.deps.Limiter.Wait(ctx); err != nil {
		// Shutting down; hand the job back untouched.
		if nerr := d.deps.Queue.Nack(qctx, del, 0); nerr != nil {
			log.Error("nack after limiter wait failed", "send_id", job.SendID, "error", nerr)
		}
		return
	}

	if d.deps.Personalizer != nil {
		if err := d.deps.Personalizer.Apply(&job); err != nil {
			d.fail(qctx, del, job, "personalization failed: "+err.Error())
			return
		}
	}

	// The limiter wait can be long; re-read the campaign right before the
	// provider call.
	if !d.campaignOpen(ctx, qctx, del, job) {
		return
	}

	sendCtx, cancel := context.WithTimeout(qctx, d.cfg.SendTimeout)
	result, sendErr := sender.Send(sendCtx, messageFor(job))
	cancel()

	switch {
	case sendErr != nil:
		d.fail(qctx, del, job, sendErr.Error())
	case !result.Success:
		reason := "rejected by provider"
		if result.Error != nil {
			reason = result.Error.Error()
		}
		d.fail(qctx, del, job, reason)
	default:
		ok, err := d.deps.Ledger.RecordAccepted(qctx, job.SendID, result.MessageID)
		if err != nil && !ok {
			d.retry(qctx, del, job, err)
			return
		}
		if err != nil {
			// Row is already SENT; a redelivery would skip the provider anyway.
			log.Warn("send accepted but email.sent event not recorded", "send_id", job.SendID, "error", err)
		}
		atomic.AddInt64(&d.sent, 1)
		d.ack(qctx, del)
		d.triggerCompletion(job)
	}
}

// campaignOpen reports whether the job's campaign still allows sending. When
// it returns false the delivery has already been acked, deferred or retried.
func (d *Dispatcher) campaignOpen(ctx, qctx context.Context, del *queue.Delivery, job domain.SendJob) bool {
	if job.CampaignID == "" || d.deps.Campaigns == nil {
		return true
	}
	c, err := d.deps.Campaigns.Get(ctx, job.CampaignID)
	switch {
	case err == nil && c.Status == domain.CampaignCancelled:
		log.Info("campaign cancelled, skipping send", "send_id", job.SendID, "campaign_id", job.CampaignID)
		atomic.AddInt64(&d.skipped, 1)
		d.ack(qctx, del)
		return false
	case err == nil && c.Status == domain.CampaignPaused:
		atomic.AddInt64(&d.deferred, 1)
		if nerr := d.deps.Queue.Nack(qctx, del, d.cfg.PauseDelay); nerr != nil {
			log.Error("nack paused job failed", "send_id", job.SendID, "error", nerr)
		}
		return false
	case err != nil && !errors.Is(err, campaign.ErrNotFound):
		d.retry(qctx, del, job, fmt.Errorf("load campaign: %w", err))
		return false
	}
	return true
}

func messageFor(job domain.SendJob) *EmailMessage {
	return &EmailMessage{
		ID:          job.SendID,
		CampaignID:  job.CampaignID,
		ContactID:   job.ContactID,
		Email:       job.To,
		FromName:    job.FromName,
		FromEmail:   job.From,
		ReplyTo:     job.ReplyTo,
		Subject:     job.Subject,
		HTMLContent: job.HTML,
		TextContent: job.Text,
		Tags:        job.Tags,
	}
}

// fail marks the send FAILED and acks the job.
func (d *Dispatcher) fail(ctx context.Context, del *queue.Delivery, job domain.SendJob, reason string) {
	if _, err := d.deps.Ledger.RecordFailed(ctx, job.SendID, reason); err != nil {
		d.retry(ctx, del, job, err)
		return
	}
	log.Warn("send failed", "send_id", job.SendID, "to", job.To, "reason", reason)
	atomic.AddInt64(&d.failed, 1)
	d.ack(ctx, del)
	d.triggerCompletion(job)
}

// retry redelivers the job with exponential backoff, dead-lettering it
// once MaxAttempts deliveries have been used.
func (d *Dispatcher) retry(ctx context.Context, del *queue.Delivery, job domain.SendJob, cause error) {
	if del.Attempts >= d.cfg.MaxAttempts {
		log.Error("send job exhausted retries", "send_id", job.SendID, "attempts", del.Attempts, "error", cause)
		d.deadLetter(ctx, del, cause.Error())
		return
	}
	delay := httpretry.ExponentialDelay(del.Attempts, d.cfg.BackoffBase, d.cfg.BackoffMax)
	log.Warn("send job will be retried", "send_id", job.SendID, "attempt", del.Attempts, "delay", delay.String(), "error", cause)
	atomic.AddInt64(&d.retried, 1)
	if err := d.deps.Queue.Nack(ctx, del, delay); err != nil {
		log.Error("nack failed", "send_id", job.SendID, "error", err)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, del *queue.Delivery, reason string) {
	atomic.AddInt64(&d.deadLettered, 1)
	if err := d.deps.Queue.DeadLetter(ctx, del, reason); err != nil {
		log.Error("dead-letter failed", "delivery_id", del.ID, "error", err)
	}
}

func (d *Dispatcher) ack(ctx context.Context, del *queue.Delivery) {
	if err := d.deps.Queue.Ack(ctx, del); err != nil {
		log.Error("ack failed", "delivery_id", del.ID, "error", err)
	}
}

func (d *Dispatcher) triggerCompletion(job domain.SendJob) {
	if job.CampaignID == "" || d.deps.Completion == nil {
		return
	}
	d.deps.Completion.Trigger(job.CampaignID)
}
