package campaign

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Repository defines the data access contract for campaign completion.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// CountPendingSends returns the number of the campaign's sends still in
	// PENDING.
	CountPendingSends(ctx context.Context, id string) (int, error)

	// MarkCompleted moves a sending campaign to sent and stamps completed_at.
	// Returns true only for the call whose update changed the row.
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
}
