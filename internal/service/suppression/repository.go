package suppression

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Repository defines the data access contract for contact deliverability
// state.
type Repository interface {
	// GetContact returns a contact. Returns ErrNotFound if it doesn't exist.
	GetContact(ctx context.Context, id string) (*domain.Contact, error)

	// SuppressContact moves an active contact to status. A contact that is
	// already suppressed keeps its existing status, so repeated calls are
	// no-ops. Returns whether the row changed.
	SuppressContact(ctx context.Context, id string, status domain.ContactStatus, at time.Time) (bool, error)
}
