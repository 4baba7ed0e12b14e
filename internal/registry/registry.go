// Package registry holds the currently valid, scored loops for one
// tenant. Loops are keyed by their canonical signature so the same cycle
// discovered twice — or from a different starting wallet — is one entry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loopmarket/loop-engine/internal/model"
)

// ErrTenantMismatch is the tenant-isolation guard: inserting a loop
// discovered under a different tenant is a programmer error and aborts
// the operation rather than silently re-scoping it.
var ErrTenantMismatch = errors.New("registry: loop belongs to a different tenant")

// Registry is one tenant's active loop set. Safe for concurrent reads
// while the owning delta engine worker mutates it.
type Registry struct {
	tenantID string

	mu     sync.RWMutex
	loops  map[string]*model.TradeLoop          // signature → loop
	byItem map[string]map[string]struct{}       // item id → signatures
	byWall map[string]map[string]struct{}       // wallet id → signatures
}

// New creates an empty registry for one tenant.
func New(tenantID string) *Registry {
	return &Registry{
		tenantID: tenantID,
		loops:    make(map[string]*model.TradeLoop),
		byItem:   make(map[string]map[string]struct{}),
		byWall:   make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or refreshes a scored loop, returning true when the
// signature was not previously present.
func (r *Registry) Upsert(loop model.TradeLoop) (bool, error) {
	if loop.TenantID != r.tenantID {
		return false, fmt.Errorf("%w: got %s, registry holds %s",
			ErrTenantMismatch, loop.TenantID, r.tenantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loop.State = model.LoopActive
	prev, existed := r.loops[loop.Signature]
	if existed {
		// A refresh keeps the original identity and discovery time so
		// repeated discovery over unchanged state is a no-op to readers.
		loop.ID = prev.ID
		loop.DiscoveredAt = prev.DiscoveredAt
		r.unindexLocked(loop.Signature)
	}
	stored := loop
	r.loops[loop.Signature] = &stored
	for _, st := range stored.Steps {
		r.indexLocked(r.byItem, st.ItemID, stored.Signature)
		r.indexLocked(r.byWall, st.From, stored.Signature)
	}
	return !existed, nil
}

// InvalidateByItem removes every loop that hands over the item, returning
// the removed loops. Called whenever the item moves or disappears.
func (r *Registry) InvalidateByItem(itemID string) []model.TradeLoop {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []model.TradeLoop
	for sig := range r.byItem[itemID] {
		if loop, ok := r.loops[sig]; ok {
			removed = append(removed, *loop)
			r.removeLocked(sig)
		}
	}
	sortLoops(removed)
	return removed
}

// Remove deletes one loop by signature, reporting whether it was present.
func (r *Registry) Remove(signature string) (model.TradeLoop, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loop, ok := r.loops[signature]
	if !ok {
		return model.TradeLoop{}, false
	}
	out := *loop
	r.removeLocked(signature)
	return out, true
}

// Get returns the loop with the given signature.
func (r *Registry) Get(signature string) (model.TradeLoop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loop, ok := r.loops[signature]
	if !ok {
		return model.TradeLoop{}, false
	}
	return *loop, true
}

// ActiveCount returns the number of active loops.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loops)
}

// All returns every active loop, ordered by descending quality then
// signature, so repeated calls over unchanged state agree exactly.
func (r *Registry) All() []model.TradeLoop {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.TradeLoop, 0, len(r.loops))
	for _, loop := range r.loops {
		out = append(out, *loop)
	}
	sortLoops(out)
	return out
}

// Signatures returns the set of active signatures.
func (r *Registry) Signatures() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{}, len(r.loops))
	for sig := range r.loops {
		out[sig] = struct{}{}
	}
	return out
}

// LoopsInvolving returns the active loops in which the wallet gives an
// item, in the same order as All.
func (r *Registry) LoopsInvolving(walletID string) []model.TradeLoop {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.TradeLoop
	for sig := range r.byWall[walletID] {
		if loop, ok := r.loops[sig]; ok {
			out = append(out, *loop)
		}
	}
	sortLoops(out)
	return out
}

func (r *Registry) indexLocked(idx map[string]map[string]struct{}, key, sig string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[sig] = struct{}{}
}

func (r *Registry) unindexLocked(sig string) {
	loop := r.loops[sig]
	for _, st := range loop.Steps {
		if set := r.byItem[st.ItemID]; set != nil {
			delete(set, sig)
			if len(set) == 0 {
				delete(r.byItem, st.ItemID)
			}
		}
		if set := r.byWall[st.From]; set != nil {
			delete(set, sig)
			if len(set) == 0 {
				delete(r.byWall, st.From)
			}
		}
	}
}

func (r *Registry) removeLocked(sig string) {
	r.unindexLocked(sig)
	delete(r.loops, sig)
}

func sortLoops(loops []model.TradeLoop) {
	sort.Slice(loops, func(i, j int) bool {
		if !loops[i].Quality.Equal(loops[j].Quality) {
			return loops[i].Quality.GreaterThan(loops[j].Quality)
		}
		return loops[i].Signature < loops[j].Signature
	})
}
