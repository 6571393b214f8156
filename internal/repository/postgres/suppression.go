package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/suppression"
)

// ContactRepo implements suppression.Repository against the contacts
// projection.
type ContactRepo struct{ db *sql.DB }

var _ suppression.Repository = (*ContactRepo)(nil)

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, status, updated_at
		FROM contacts
		WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Email, &c.Status, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) SuppressContact(ctx context.Context, id string, status domain.ContactStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, status, at)
	if err != nil {
		return false, fmt.Errorf("suppress contact: %w", err)
	}
	return affected(res)
}
