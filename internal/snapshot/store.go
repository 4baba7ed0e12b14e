// Package snapshot persists whole-graph state per tenant. Persistence is
// a collaborator of the engine, not part of it: the engine only requires
// that graph state be saveable and loadable as a whole. Implementations
// include PostgreSQL, Redis, and in-memory (for testing).
package snapshot

import (
	"context"
	"errors"

	"github.com/loopmarket/loop-engine/internal/graph"
)

// ErrNotFound is returned when no snapshot exists for the tenant.
var ErrNotFound = errors.New("snapshot: no snapshot for tenant")

// Store saves and restores one tenant's graph state as a whole.
type Store interface {
	// Save persists the snapshot, replacing any previous one.
	Save(ctx context.Context, snap *graph.Snapshot) error

	// Load retrieves the latest snapshot for the tenant.
	Load(ctx context.Context, tenantID string) (*graph.Snapshot, error)

	// Tenants lists tenant ids that have a stored snapshot.
	Tenants(ctx context.Context) ([]string, error)

	// Delete drops the tenant's snapshot.
	Delete(ctx context.Context, tenantID string) error
}
