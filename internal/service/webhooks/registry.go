package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sendpipe/internal/domain"
)

// CreateInput holds the fields for registering a webhook.
type CreateInput struct {
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Events []string `json:"events"`
}

// UpdateInput holds the mutable fields of a webhook. Nil fields are not
// applied.
type UpdateInput struct {
	Name     *string  `json:"name"`
	URL      *string  `json:"url"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"is_active"`
}

// Registry manages webhook subscriptions.
type Registry struct {
	repo         Repository
	deliveries   DeliveryRepository
	deliverer    *Deliverer
	dispatcher   *Dispatcher
	requireHTTPS bool
	now          func() time.Time
}

// NewRegistry creates a registry. requireHTTPS rejects plain http URLs.
func NewRegistry(repo Repository, deliveries DeliveryRepository, deliverer *Deliverer, dispatcher *Dispatcher, requireHTTPS bool) *Registry {
	return &Registry{
		repo:         repo,
		deliveries:   deliveries,
		deliverer:    deliverer,
		dispatcher:   dispatcher,
		requireHTTPS: requireHTTPS,
		now:          time.Now,
	}
}

// Create validates the input, proves the endpoint answers a webhook.test
// delivery and persists the webhook. The returned webhook carries its
// secret; later reads mask it.
func (r *Registry) Create(ctx context.Context, userID string, in CreateInput) (*domain.Webhook, error) {
	u, err := r.validateURL(in.URL)
	if err != nil {
		return nil, err
	}
	events, err := validateEvents(in.Events)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = u.Host
	}
	hook := &domain.Webhook{
		ID:        uuid.New().String(),
		UserID:    userID,
		URL:       u.String(),
		Name:      name,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.probe(ctx, hook); err != nil {
		return nil, err
	}
	if err := r.repo.Create(ctx, hook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	log.Info("webhook registered", "webhook_id", hook.ID, "user_id", userID, "events", strings.Join(events, ","))
	return hook, nil
}

// probe performs the registration-time test delivery. Nothing is recorded:
// the webhook doesn't exist yet.
func (r *Registry) probe(ctx context.Context, hook *domain.Webhook) error {
	env := domain.WebhookEnvelope{
		ID:        "evt_" + uuid.New().String(),
		Event:     string(domain.EventWebhookTest),
		CreatedAt: r.now().UTC(),
		Data:      testData(hook),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode test envelope: %w", err)
	}
	res := r.deliverer.Deliver(ctx, hook, env.ID, env.Event, payload)
	if res.OK() {
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("%w: %v", ErrTestDeliveryFailed, res.Err)
	}
	return fmt.Errorf("%w: endpoint returned %d", ErrTestDeliveryFailed, res.StatusCode)
}

func testData(hook *domain.Webhook) map[string]interface{} {
	return map[string]interface{}{
		"message":    "This is a test webhook delivery",
		"webhook_id": hook.ID,
	}
}

// List returns the user's webhooks with secrets masked.
func (r *Registry) List(ctx context.Context, userID string) ([]domain.Webhook, error) {
	hooks, err := r.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Webhook, len(hooks))
	for i, h := range hooks {
		out[i] = h.Masked()
	}
	return out, nil
}

// Get returns one webhook with its secret masked.
func (r *Registry) Get(ctx context.Context, userID, id string) (*domain.Webhook, error) {
	hook, err := r.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	masked := hook.Masked()
	return &masked, nil
}

// Update applies the non-nil fields and returns the masked result.
func (r *Registry) Update(ctx context.Context, userID, id string, in UpdateInput) (*domain.Webhook, error) {
	hook, err := r.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "must not be empty"}
		}
		hook.Name = name
	}
	if in.URL != nil {
		u, err := r.validateURL(*in.URL)
		if err != nil {
			return nil, err
		}
		hook.URL = u.String()
	}
	if in.Events != nil {
		events, err := validateEvents(in.Events)
		if err != nil {
			return nil, err
		}
		hook.Events = events
	}
	if in.IsActive != nil {
		hook.IsActive = *in.IsActive
	}
	hook.UpdatedAt = r.now().UTC()

	if err := r.repo.Update(ctx, hook); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	masked := hook.Masked()
	return &masked, nil
}

// RotateSecret replaces the signing secret. The old secret stops working
// immediately, including for pending retries. The new secret is returned
// unmasked, once.
func (r *Registry) RotateSecret(ctx context.Context, userID, id string) (*domain.Webhook, error) {
	hook, err := r.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	hook.Secret = secret
	hook.UpdatedAt = r.now().UTC()
	if err := r.repo.Update(ctx, hook); err != nil {
		return nil, fmt.Errorf("rotate secret: %w", err)
	}
	log.Info("webhook secret rotated", "webhook_id", id, "user_id", userID)
	return hook, nil
}

// Delete removes a webhook. Its pending deliveries fail on their next
// retry.
func (r *Registry) Delete(ctx context.Context, userID, id string) error {
	return r.repo.Delete(ctx, userID, id)
}

// SendTest sends one webhook.test delivery, without retries, and returns
// the recorded delivery.
func (r *Registry) SendTest(ctx context.Context, userID, id string) (*domain.WebhookDelivery, error) {
	hook, err := r.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return r.dispatcher.DeliverOnce(ctx, hook, domain.EventWebhookTest, testData(hook))
}

// Deliveries returns the webhook's delivery history, newest first.
func (r *Registry) Deliveries(ctx context.Context, userID, id string, limit, offset int) ([]domain.WebhookDelivery, int, error) {
	if _, err := r.repo.Get(ctx, userID, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.deliveries.ListDeliveries(ctx, id, limit, offset)
}

func (r *Registry) validateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ValidationError{Field: "url", Message: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "must be an absolute URL"}
	}
	switch u.Scheme {
	case "https":
	case "http":
		if r.requireHTTPS {
			return nil, &ValidationError{Field: "url", Message: "must use https"}
		}
	default:
		return nil, &ValidationError{Field: "url", Message: "must use http or https"}
	}
	return u, nil
}

func validateEvents(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event is required"}
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		e := strings.TrimSpace(raw)
		if e != domain.EventWildcard {
			if _, ok := domain.ParsePlatformEvent(e); !ok {
				return nil, &ValidationError{Field: "events", Message: fmt.Sprintf("unknown event %q", raw)}
			}
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
