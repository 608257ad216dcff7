package incident

import (
	"context"
	"time"
)

// Store is the persistence interface for normalized incidents. A Store is
// bound to one feed source; rows belonging to other sources are never read
// or modified through it.
type Store interface {
	// Upsert creates or overwrites the row keyed by inc.ID, refreshes
	// updated_at and marks it active.
	Upsert(ctx context.Context, inc *Incident) error

	// ClearMissing marks cleared every active row whose ID is not in seen and
	// whose updated_at is older than grace. An empty seen set clears nothing.
	ClearMissing(ctx context.Context, seen []string, grace time.Duration) (int, error)

	Get(ctx context.Context, id string) (*Record, bool, error)

	// List returns rows with the given status, or every row when status is empty.
	List(ctx context.Context, status Status) ([]Record, error)
}
