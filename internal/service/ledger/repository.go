package ledger

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Repository defines the data access contract for sends and their events.
// Implementations must be safe for concurrent use and must apply each
// write as one atomic conditional update.
type Repository interface {
	// Create inserts a PENDING send. Returns false without error when a
	// send with the same id already exists.
	Create(ctx context.Context, s *domain.EmailSend) (bool, error)

	// Get returns a single send. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.EmailSend, error)

	// GetByProviderMessageID resolves a provider callback to its send.
	// Returns ErrNotFound if no send carries the id.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailSend, error)

	// MarkSent moves a PENDING send to SENT, recording the provider id.
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error)

	// MarkFailed moves a PENDING send to FAILED.
	MarkFailed(ctx context.Context, id, message string, at time.Time) (bool, error)

	// Apply performs m against the send and reports whether it changed.
	Apply(ctx context.Context, id string, m Mutation) (bool, error)

	// AppendEvent inserts an audit row.
	AppendEvent(ctx context.Context, e *domain.EmailEvent) error

	// ListEvents returns a send's audit rows, oldest first.
	ListEvents(ctx context.Context, sendID string) ([]domain.EmailEvent, error)
}
