package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/webhooks"
)

// WebhookRepo implements webhooks.Repository in memory.
type WebhookRepo struct{ s *Store }

var _ webhooks.Repository = (*WebhookRepo)(nil)

func (r *WebhookRepo) Create(_ context.Context, w *domain.Webhook) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := cloneWebhook(w)
	r.s.webhooks[w.ID] = &cp
	return nil
}

func (r *WebhookRepo) Get(_ context.Context, userID, id string) (*domain.Webhook, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	w, ok := r.s.webhooks[id]
	if !ok || w.UserID != userID {
		return nil, webhooks.ErrNotFound
	}
	cp := cloneWebhook(w)
	return &cp, nil
}

func (r *WebhookRepo) GetByID(_ context.Context, id string) (*domain.Webhook, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	w, ok := r.s.webhooks[id]
	if !ok {
		return nil, webhooks.ErrNotFound
	}
	cp := cloneWebhook(w)
	return &cp, nil
}

func (r *WebhookRepo) ListByUser(_ context.Context, userID string) ([]domain.Webhook, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Webhook
	for _, w := range r.s.webhooks {
		if w.UserID == userID {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *WebhookRepo) ListActiveForEvent(_ context.Context, userID string, evt domain.PlatformEvent) ([]domain.Webhook, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Webhook
	for _, w := range r.s.webhooks {
		if w.UserID == userID && w.IsActive && w.Matches(evt) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *WebhookRepo) Update(_ context.Context, w *domain.Webhook) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.webhooks[w.ID]
	if !ok || cur.UserID != w.UserID {
		return webhooks.ErrNotFound
	}
	cp := cloneWebhook(w)
	r.s.webhooks[w.ID] = &cp
	return nil
}

func (r *WebhookRepo) Delete(_ context.Context, userID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.webhooks[id]
	if !ok || w.UserID != userID {
		return webhooks.ErrNotFound
	}
	delete(r.s.webhooks, id)
	return nil
}

// DeliveryRepo implements webhooks.DeliveryRepository in memory.
type DeliveryRepo struct{ s *Store }

var _ webhooks.DeliveryRepository = (*DeliveryRepo)(nil)

func cloneDelivery(d *domain.WebhookDelivery) domain.WebhookDelivery {
	out := *d
	out.Payload = append([]byte(nil), d.Payload...)
	return out
}

func (r *DeliveryRepo) CreateDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := cloneDelivery(d)
	r.s.deliveries[d.ID] = &cp
	r.s.order = append(r.s.order, d.ID)
	return nil
}

func (r *DeliveryRepo) GetDelivery(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.deliveries[id]
	if !ok {
		return nil, webhooks.ErrDeliveryNotFound
	}
	cp := cloneDelivery(d)
	return &cp, nil
}

func (r *DeliveryRepo) ListDeliveries(_ context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var all []domain.WebhookDelivery
	for i := len(r.s.order) - 1; i >= 0; i-- {
		d := r.s.deliveries[r.s.order[i]]
		if d.WebhookID == webhookID {
			all = append(all, cloneDelivery(d))
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *DeliveryRepo) RecordAttempt(_ context.Context, id string, res webhooks.AttemptResult) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok || d.Status != domain.DeliveryPending {
		return false, nil
	}
	at := res.At
	d.Attempts++
	d.LastAttemptAt = &at
	d.Status = res.Status
	d.ResponseStatus = res.ResponseStatus
	d.ResponseBody = res.ResponseBody
	d.ErrorMessage = res.ErrorMessage
	d.NextAttemptAt = res.NextAttemptAt
	return true, nil
}

func (r *DeliveryRepo) Abandon(_ context.Context, id, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok || d.Status != domain.DeliveryPending {
		return false, nil
	}
	d.Status = domain.DeliveryFailed
	d.ErrorMessage = &reason
	d.NextAttemptAt = nil
	return true, nil
}

func (r *DeliveryRepo) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]domain.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.WebhookDelivery
	for _, id := range r.s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		d := r.s.deliveries[id]
		if d.Status != domain.DeliveryPending || d.NextAttemptAt == nil || d.NextAttemptAt.After(now) {
			continue
		}
		next := now.Add(lease)
		d.NextAttemptAt = &next
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}
