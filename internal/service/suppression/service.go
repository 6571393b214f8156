package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Service implements contact suppression. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Check returns the contact's status and whether sending to it is blocked.
// Unknown contacts are not suppressed: transactional sends may address
// recipients outside any list.
func (s *Service) Check(ctx context.Context, contactID string) (domain.ContactStatus, bool, error) {
	if contactID == "" {
		return "", false, nil
	}
	c, err := s.repo.GetContact(ctx, contactID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get contact: %w", err)
	}
	return c.Status, c.IsSuppressed(), nil
}

// Suppress records a bounce or complaint against the contact. Idempotent: an
// already suppressed contact is left untouched.
func (s *Service) Suppress(ctx context.Context, contactID string, status domain.ContactStatus) (bool, error) {
	switch status {
	case domain.ContactBounced, domain.ContactComplained, domain.ContactUnsubscribed:
	default:
		return false, ErrInvalidStatus
	}
	if contactID == "" {
		return false, nil
	}
	ok, err := s.repo.SuppressContact(ctx, contactID, status, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("suppress contact: %w", err)
	}
	return ok, nil
}
