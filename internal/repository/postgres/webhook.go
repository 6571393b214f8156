package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/webhooks"
)

// WebhookRepo implements webhooks.Repository. Event subscriptions are a
// TEXT[] column.
type WebhookRepo struct{ db *sql.DB }

var _ webhooks.Repository = (*WebhookRepo)(nil)

// NewWebhookRepo creates a Postgres-backed webhook repository.
func NewWebhookRepo(db *sql.DB) *WebhookRepo { return &WebhookRepo{db: db} }

const webhookColumns = `id, user_id, url, name, events, secret, is_active, created_at, updated_at`

func scanWebhook(row scanner) (*domain.Webhook, error) {
	w := &domain.Webhook{}
	var events pq.StringArray
	if err := row.Scan(&w.ID, &w.UserID, &w.URL, &w.Name, &events, &w.Secret, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Events = []string(events)
	return w, nil
}

func (r *WebhookRepo) Create(ctx context.Context, w *domain.Webhook) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, user_id, url, name, events, secret, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.UserID, w.URL, w.Name, pq.Array(w.Events), w.Secret, w.IsActive, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, userID, id string) (*domain.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (r *WebhookRepo) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (r *WebhookRepo) ListByUser(ctx context.Context, userID string) ([]domain.Webhook, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *WebhookRepo) ListActiveForEvent(ctx context.Context, userID string, evt domain.PlatformEvent) ([]domain.Webhook, error) {
	return r.list(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE user_id = $1 AND is_active
		  AND ($2 = ANY(events) OR '*' = ANY(events))
		ORDER BY id
	`, userID, string(evt))
}

func (r *WebhookRepo) list(ctx context.Context, q string, args ...any) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *WebhookRepo) Update(ctx context.Context, w *domain.Webhook) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET url = $3, name = $4, events = $5, secret = $6, is_active = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2
	`, w.ID, w.UserID, w.URL, w.Name, pq.Array(w.Events), w.Secret, w.IsActive, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return webhooks.ErrNotFound
	}
	return nil
}

func (r *WebhookRepo) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return webhooks.ErrNotFound
	}
	return nil
}

// DeliveryRepo implements webhooks.DeliveryRepository.
type DeliveryRepo struct{ db *sql.DB }

var _ webhooks.DeliveryRepository = (*DeliveryRepo)(nil)

// NewDeliveryRepo creates a Postgres-backed delivery log.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

const deliveryColumns = `id, webhook_id, event_id, event_type, payload, status, attempts,
	last_attempt_at, next_attempt_at, response_status, response_body, error_message, created_at`

func scanDelivery(row scanner) (*domain.WebhookDelivery, error) {
	d := &domain.WebhookDelivery{}
	var payload []byte
	err := row.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &payload, &d.Status, &d.Attempts,
		&d.LastAttemptAt, &d.NextAttemptAt, &d.ResponseStatus, &d.ResponseBody, &d.ErrorMessage, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return d, nil
}

func (r *DeliveryRepo) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`, d.ID, d.WebhookID, d.EventID, d.EventType, string(d.Payload), d.Status, d.Attempts, d.NextAttemptAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (r *DeliveryRepo) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	d, err := scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook delivery: %w", err)
	}
	return d, nil
}

func (r *DeliveryRepo) ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_id = $1`, webhookID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, webhookID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func collectDeliveries(rows *sql.Rows) ([]domain.WebhookDelivery, error) {
	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DeliveryRepo) RecordAttempt(ctx context.Context, id string, a webhooks.AttemptResult) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1,
		    last_attempt_at = $2,
		    status = $3,
		    response_status = $4,
		    response_body = $5,
		    error_message = $6,
		    next_attempt_at = $7
		WHERE id = $1 AND status = 'pending'
	`, id, a.At, a.Status, a.ResponseStatus, a.ResponseBody, a.ErrorMessage, a.NextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("record webhook attempt: %w", err)
	}
	return affected(res)
}

func (r *DeliveryRepo) Abandon(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', error_message = $2, next_attempt_at = NULL
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("abandon webhook delivery: %w", err)
	}
	return affected(res)
}

// ClaimDue leases due rows in one statement. SKIP LOCKED lets concurrent
// sweeps split the backlog instead of queueing behind each other.
func (r *DeliveryRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE webhook_deliveries
		SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}
