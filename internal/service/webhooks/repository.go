package webhooks

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Repository defines the data access contract for webhook subscriptions.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new webhook.
	Create(ctx context.Context, w *domain.Webhook) error

	// Get returns a webhook owned by userID. Returns ErrNotFound if it
	// doesn't exist or belongs to another user.
	Get(ctx context.Context, userID, id string) (*domain.Webhook, error)

	// GetByID returns a webhook regardless of owner. Used by the retry path.
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)

	// ListByUser returns the user's webhooks, newest first.
	ListByUser(ctx context.Context, userID string) ([]domain.Webhook, error)

	// ListActiveForEvent returns the user's active webhooks subscribed to
	// evt directly or through the wildcard.
	ListActiveForEvent(ctx context.Context, userID string, evt domain.PlatformEvent) ([]domain.Webhook, error)

	// Update persists name, url, events, secret and is_active.
	Update(ctx context.Context, w *domain.Webhook) error

	// Delete removes a webhook. Returns ErrNotFound if it doesn't exist.
	// Delivery rows are kept for the audit trail.
	Delete(ctx context.Context, userID, id string) error
}

// DeliveryRepository defines the data access contract for the delivery log.
type DeliveryRepository interface {
	// CreateDelivery inserts a pending delivery.
	CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error

	// GetDelivery returns one delivery. Returns ErrNotFound if it doesn't
	// exist.
	GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)

	// ListDeliveries returns a webhook's deliveries, newest first, plus the
	// total count.
	ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, int, error)

	// RecordAttempt stores the result of one attempt on a pending delivery
	// and increments attempts. Returns false if the delivery was no longer
	// pending.
	RecordAttempt(ctx context.Context, id string, r AttemptResult) (bool, error)

	// Abandon fails a pending delivery without an attempt, e.g. because its
	// webhook is gone.
	Abandon(ctx context.Context, id, reason string) (bool, error)

	// ClaimDue returns up to limit pending deliveries whose next attempt is
	// due and pushes their next_attempt_at forward by lease, so concurrent
	// schedulers don't claim the same rows.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.WebhookDelivery, error)
}

// AttemptResult is what one POST to a user endpoint produced.
type AttemptResult struct {
	At             time.Time
	Status         domain.DeliveryStatus
	ResponseStatus *int
	ResponseBody   *string
	ErrorMessage   *string
	NextAttemptAt  *time.Time
}
