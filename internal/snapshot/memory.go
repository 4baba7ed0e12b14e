package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loopmarket/loop-engine/internal/graph"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, snap *graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", snap.TenantID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.TenantID] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, tenantID string) (*graph.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", tenantID, err)
	}
	return &snap, nil
}

func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, tenantID)
	return nil
}
