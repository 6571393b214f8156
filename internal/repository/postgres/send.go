package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/ledger"
)

// SendRepo implements ledger.Repository. Every status change is a single
// conditional UPDATE whose WHERE clause carries the transition guard.
type SendRepo struct{ db *sql.DB }

var _ ledger.Repository = (*SendRepo)(nil)

// NewSendRepo creates a Postgres-backed send ledger repository.
func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

const sendColumns = `id, campaign_id, contact_id, user_id, email, credential_id,
	provider_message_id, status, sent_at, delivered_at, opened_at, clicked_at,
	bounced_at, complained_at, bounce_reason, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSend(row scanner) (*domain.EmailSend, error) {
	s := &domain.EmailSend{}
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.ContactID, &s.UserID, &s.Email, &s.CredentialID,
		&s.ProviderMessageID, &s.Status, &s.SentAt, &s.DeliveredAt, &s.OpenedAt, &s.ClickedAt,
		&s.BouncedAt, &s.ComplainedAt, &s.BounceReason, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SendRepo) Create(ctx context.Context, s *domain.EmailSend) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_sends (id, campaign_id, contact_id, user_id, email, credential_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.CampaignID, s.ContactID, s.UserID, s.Email, s.CredentialID, s.Status, s.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert send: %w", err)
	}
	return affected(res)
}

func (r *SendRepo) Get(ctx context.Context, id string) (*domain.EmailSend, error) {
	s, err := scanSend(r.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM email_sends WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send: %w", err)
	}
	return s, nil
}

func (r *SendRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailSend, error) {
	s, err := scanSend(r.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM email_sends WHERE provider_message_id = $1`, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send by provider id: %w", err)
	}
	return s, nil
}

func (r *SendRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'SENT', provider_message_id = $2, sent_at = COALESCE(sent_at, $3), updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, id, providerMessageID, at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return affected(res)
}

func (r *SendRepo) MarkFailed(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'FAILED', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, id, message, at)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return affected(res)
}

// Apply renders m as one UPDATE. m.Stamp is a fixed column name.
func (r *SendRepo) Apply(ctx context.Context, id string, m ledger.Mutation) (bool, error) {
	var (
		res sql.Result
		err error
	)
	col := string(m.Stamp)
	if m.IsOverlay() {
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE email_sends SET %[1]s = $2, updated_at = $2
			WHERE id = $1 AND %[1]s IS NULL
		`, col), id, m.At)
	} else {
		from := make([]string, len(m.From))
		for i, s := range m.From {
			from[i] = string(s)
		}
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE email_sends
			SET status = $2,
			    %[1]s = COALESCE(%[1]s, $3),
			    bounce_reason = COALESCE(bounce_reason, NULLIF($4, '')),
			    updated_at = $3
			WHERE id = $1 AND status = ANY($5)
		`, col), id, m.SetStatus, m.At, m.BounceReason, pq.Array(from))
	}
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", col, err)
	}
	return affected(res)
}

func (r *SendRepo) AppendEvent(ctx context.Context, e *domain.EmailEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events (id, email_send_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, e.ID, e.EmailSendID, e.EventType, string(e.EventData), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email event: %w", err)
	}
	return nil
}

func (r *SendRepo) ListEvents(ctx context.Context, sendID string) ([]domain.EmailEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email_send_id, event_type, event_data, created_at
		FROM email_events
		WHERE email_send_id = $1
		ORDER BY created_at, id
	`, sendID)
	if err != nil {
		return nil, fmt.Errorf("list email events: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailEvent
	for rows.Next() {
		var e domain.EmailEvent
		var data []byte
		if err := rows.Scan(&e.ID, &e.EmailSendID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email event: %w", err)
		}
		e.EventData = data
		out = append(out, e)
	}
	return out, rows.Err()
}
