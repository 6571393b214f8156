package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/logger"
)

var log = logger.New("webhooks")

// DispatcherConfig tunes delivery and retries. Zero values take defaults.
type DispatcherConfig struct {
	Schedule       Schedule
	MaxAttempts    int
	ClaimLease     time.Duration
	MaxInFlight    int
	MaxPerEndpoint int
}

// Dispatcher fans platform events out to matching webhooks and drives
// their retries. Safe for concurrent use.
type Dispatcher struct {
	hooks      Repository
	deliveries DeliveryRepository
	deliverer  *Deliverer
	inflight   *InFlight

	schedule    Schedule
	maxAttempts int
	lease       time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(hooks Repository, deliveries DeliveryRepository, deliverer *Deliverer, cfg DispatcherConfig) *Dispatcher {
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.MaxPerEndpoint <= 0 {
		cfg.MaxPerEndpoint = 4
	}
	return &Dispatcher{
		hooks:       hooks,
		deliveries:  deliveries,
		deliverer:   deliverer,
		inflight:    NewInFlight(cfg.MaxInFlight, cfg.MaxPerEndpoint),
		schedule:    cfg.Schedule,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.ClaimLease,
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Publish records a delivery for every active webhook of userID subscribed
// to evt and starts the first attempts in the background. Targets over the
// in-flight cap are left due for the retry scheduler.
func (d *Dispatcher) Publish(ctx context.Context, userID string, evt domain.PlatformEvent, data interface{}) error {
	hooks, err := d.hooks.ListActiveForEvent(ctx, userID, evt)
	if err != nil {
		return fmt.Errorf("list webhooks for %s: %w", evt, err)
	}

	var errs []error
	for i := range hooks {
		hook := hooks[i]
		del, err := d.newDelivery(hook.ID, evt, data)
		if err != nil {
			return err
		}

		now := d.now().UTC()
		started := d.inflight.TryAcquire(hook.ID)
		next := now
		if started {
			next = now.Add(d.lease)
		}
		del.NextAttemptAt = &next

		if err := d.deliveries.CreateDelivery(ctx, del); err != nil {
			if started {
				d.inflight.Release(hook.ID)
			}
			errs = append(errs, fmt.Errorf("create delivery for webhook %s: %w", hook.ID, err))
			continue
		}
		if !started {
			log.Debug("in-flight cap reached, deferring delivery", "webhook_id", hook.ID, "delivery_id", del.ID)
			continue
		}

		d.wg.Add(1)
		go func(del domain.WebhookDelivery) {
			defer d.wg.Done()
			defer d.inflight.Release(hook.ID)
			if err := d.attempt(context.Background(), &hook, del); err != nil {
				log.Error("webhook attempt", "delivery_id", del.ID, "error", err)
			}
		}(*del)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) newDelivery(webhookID string, evt domain.PlatformEvent, data interface{}) (*domain.WebhookDelivery, error) {
	now := d.now().UTC()
	envelope := domain.WebhookEnvelope{
		ID:        "evt_" + uuid.New().String(),
		Event:     string(evt),
		CreatedAt: now,
		Data:      data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", evt, err)
	}
	return &domain.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: webhookID,
		EventID:   envelope.ID,
		EventType: string(evt),
		Payload:   payload,
		Status:    domain.DeliveryPending,
		CreatedAt: now,
	}, nil
}

// RetryDue claims due deliveries and attempts them, waiting for the
// attempts of this sweep to finish. Returns the number attempted.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := d.deliveries.ClaimDue(ctx, d.now().UTC(), limit, d.lease)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}

	var wg sync.WaitGroup
	attempted := 0
	for _, del := range due {
		hook, err := d.hooks.GetByID(ctx, del.WebhookID)
		if errors.Is(err, ErrNotFound) || (err == nil && !hook.IsActive) {
			if _, err := d.deliveries.Abandon(ctx, del.ID, "webhook deleted or inactive"); err != nil {
				log.Error("abandon delivery", "delivery_id", del.ID, "error", err)
			}
			continue
		}
		if err != nil {
			log.Error("load webhook for retry", "webhook_id", del.WebhookID, "error", err)
			continue
		}
		if !d.inflight.TryAcquire(hook.ID) {
			// Stays claimed until the lease runs out.
			continue
		}

		attempted++
		wg.Add(1)
		go func(hook *domain.Webhook, del domain.WebhookDelivery) {
			defer wg.Done()
			defer d.inflight.Release(hook.ID)
			if err := d.attempt(ctx, hook, del); err != nil {
				log.Error("webhook retry", "delivery_id", del.ID, "error", err)
			}
		}(hook, del)
	}
	wg.Wait()
	return attempted, nil
}

// attempt sends the stored payload once and records the result, scheduling
// the next try or resolving the delivery.
func (d *Dispatcher) attempt(ctx context.Context, hook *domain.Webhook, del domain.WebhookDelivery) error {
	res := d.deliverer.Deliver(ctx, hook, del.EventID, del.EventType, del.Payload)

	now := d.now().UTC()
	attempts := del.Attempts + 1
	rec := resultFor(res, now)
	switch {
	case res.OK():
		rec.Status = domain.DeliverySuccess
	case attempts >= d.maxAttempts:
		rec.Status = domain.DeliveryFailed
		log.Warn("webhook delivery exhausted", "delivery_id", del.ID, "webhook_id", hook.ID, "attempts", attempts)
	default:
		rec.Status = domain.DeliveryPending
		next := now.Add(d.schedule.Delay(attempts))
		rec.NextAttemptAt = &next
	}

	ok, err := d.deliveries.RecordAttempt(ctx, del.ID, rec)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if !ok {
		log.Debug("delivery already resolved", "delivery_id", del.ID)
	}
	return nil
}

func resultFor(res Attempt, at time.Time) AttemptResult {
	rec := AttemptResult{At: at}
	if res.StatusCode != 0 {
		code := res.StatusCode
		body := res.Body
		rec.ResponseStatus = &code
		rec.ResponseBody = &body
	}
	if res.Err != nil {
		msg := res.Err.Error()
		rec.ErrorMessage = &msg
	} else if !res.OK() {
		msg := fmt.Sprintf("endpoint returned %d", res.StatusCode)
		rec.ErrorMessage = &msg
	}
	return rec
}

// DeliverOnce sends evt to one webhook synchronously, without retries, and
// records the outcome in the delivery log. Used for manual test sends.
func (d *Dispatcher) DeliverOnce(ctx context.Context, hook *domain.Webhook, evt domain.PlatformEvent, data interface{}) (*domain.WebhookDelivery, error) {
	del, err := d.newDelivery(hook.ID, evt, data)
	if err != nil {
		return nil, err
	}
	if err := d.deliveries.CreateDelivery(ctx, del); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	res := d.deliverer.Deliver(ctx, hook, del.EventID, del.EventType, del.Payload)
	rec := resultFor(res, d.now().UTC())
	rec.Status = domain.DeliveryFailed
	if res.OK() {
		rec.Status = domain.DeliverySuccess
	}
	if _, err := d.deliveries.RecordAttempt(ctx, del.ID, rec); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	return d.deliveries.GetDelivery(ctx, del.ID)
}

// Wait blocks until background first attempts started by Publish finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
