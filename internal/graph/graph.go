// Package graph implements the per-tenant ownership/want graph. It is pure
// data plus a mutation API: every mutation touches exactly one entity or
// edge and reports the set of wallets whose reachability could have
// changed, which the delta engine uses to bound recomputation.
package graph

import (
	"errors"
	"fmt"

	"github.com/loopmarket/loop-engine/internal/model"
)

var (
	// ErrItemExists is returned when adding an item id already present.
	ErrItemExists = errors.New("graph: item already exists")

	// ErrItemNotFound is returned for mutations referencing an unknown item.
	ErrItemNotFound = errors.New("graph: item not found")

	// ErrWalletRequired is returned when a mutation omits the wallet id.
	ErrWalletRequired = errors.New("graph: wallet id is required")

	// ErrUnknownWantTarget is returned when a want references an item or
	// collection the graph has never seen.
	ErrUnknownWantTarget = errors.New("graph: want target does not exist")

	// ErrWantExists is returned when adding a duplicate want edge.
	ErrWantExists = errors.New("graph: want edge already exists")

	// ErrWantNotFound is returned when removing a want edge that is not present.
	ErrWantNotFound = errors.New("graph: want edge not found")

	// ErrSelfWant is returned when a wallet wants an item it already owns.
	ErrSelfWant = errors.New("graph: wallet cannot want its own item")
)

// Item is a tradeable asset with exactly one owner at any time.
type Item struct {
	ID           string
	OwnerID      string
	CollectionID string // optional
	Valuation    *model.Valuation
}

// wallet is the internal node record. Wants are stored as sets for O(1)
// membership checks during traversal.
type wallet struct {
	id        string
	owned     map[string]struct{}
	wantItems map[string]struct{}
	wantColls map[string]struct{}
}

func newWallet(id string) *wallet {
	return &wallet{
		id:        id,
		owned:     make(map[string]struct{}),
		wantItems: make(map[string]struct{}),
		wantColls: make(map[string]struct{}),
	}
}

// Graph is one tenant's ownership/want graph. It is not safe for concurrent
// mutation; the delta engine serializes all access per tenant.
type Graph struct {
	tenantID string

	wallets map[string]*wallet
	items   map[string]*Item

	// Derived indexes, maintained by mutations.
	collections map[string]map[string]struct{} // collection id → member item ids
	itemWanters map[string]map[string]struct{} // item id → wallets wanting it
	collWanters map[string]map[string]struct{} // collection id → wallets wanting it
}

// New creates an empty graph for one tenant.
func New(tenantID string) *Graph {
	return &Graph{
		tenantID:    tenantID,
		wallets:     make(map[string]*wallet),
		items:       make(map[string]*Item),
		collections: make(map[string]map[string]struct{}),
		itemWanters: make(map[string]map[string]struct{}),
		collWanters: make(map[string]map[string]struct{}),
	}
}

// TenantID returns the tenant this graph belongs to.
func (g *Graph) TenantID() string { return g.tenantID }

func (g *Graph) walletOrCreate(id string) *wallet {
	w, ok := g.wallets[id]
	if !ok {
		w = newWallet(id)
		g.wallets[id] = w
	}
	return w
}

// AddItem registers a new item under an owner wallet, creating the wallet
// if needed. Returns the wallets whose reachability could have changed:
// the owner plus everyone already wanting the item or its collection.
func (g *Graph) AddItem(itemID, ownerID, collectionID string, val *model.Valuation) ([]string, error) {
	if ownerID == "" {
		return nil, ErrWalletRequired
	}
	if itemID == "" {
		return nil, fmt.Errorf("%w: empty item id", ErrItemNotFound)
	}
	if _, ok := g.items[itemID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrItemExists, itemID)
	}

	owner := g.walletOrCreate(ownerID)
	owner.owned[itemID] = struct{}{}

	g.items[itemID] = &Item{
		ID:           itemID,
		OwnerID:      ownerID,
		CollectionID: collectionID,
		Valuation:    val,
	}
	if collectionID != "" {
		members, ok := g.collections[collectionID]
		if !ok {
			members = make(map[string]struct{})
			g.collections[collectionID] = members
		}
		members[itemID] = struct{}{}
	}

	affected := newWalletSet(ownerID)
	affected.addAll(g.itemWanters[itemID])
	if collectionID != "" {
		affected.addAll(g.collWanters[collectionID])
	}
	return affected.slice(), nil
}

// RemoveItem deletes an item, all want edges targeting it, and — when it
// was the last member of its collection — all want edges targeting that
// collection. Returns the owner plus every wallet that wanted the item or
// its collection.
func (g *Graph) RemoveItem(itemID string) ([]string, error) {
	it, ok := g.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	affected := newWalletSet(it.OwnerID)
	affected.addAll(g.itemWanters[itemID])

	if owner, ok := g.wallets[it.OwnerID]; ok {
		delete(owner.owned, itemID)
	}
	delete(g.items, itemID)

	// Drop specific wants on the removed item.
	for wid := range g.itemWanters[itemID] {
		if w, ok := g.wallets[wid]; ok {
			delete(w.wantItems, itemID)
		}
	}
	delete(g.itemWanters, itemID)

	if it.CollectionID != "" {
		affected.addAll(g.collWanters[it.CollectionID])
		members := g.collections[it.CollectionID]
		delete(members, itemID)
		if len(members) == 0 {
			// Last member gone: collection wants can never be satisfied.
			delete(g.collections, it.CollectionID)
			for wid := range g.collWanters[it.CollectionID] {
				if w, ok := g.wallets[wid]; ok {
					delete(w.wantColls, it.CollectionID)
				}
			}
			delete(g.collWanters, it.CollectionID)
		}
	}
	return affected.slice(), nil
}

// AddWant records that the wallet would accept the target in trade.
// The target must already exist; wanting an owned item is rejected.
func (g *Graph) AddWant(walletID string, target model.WantTarget) ([]string, error) {
	if walletID == "" {
		return nil, ErrWalletRequired
	}

	switch target.Kind {
	case model.WantItem:
		it, ok := g.items[target.ID]
		if !ok {
			return nil, fmt.Errorf("%w: item %s", ErrUnknownWantTarget, target.ID)
		}
		if it.OwnerID == walletID {
			return nil, fmt.Errorf("%w: %s owns %s", ErrSelfWant, walletID, target.ID)
		}
		w := g.walletOrCreate(walletID)
		if _, dup := w.wantItems[target.ID]; dup {
			return nil, fmt.Errorf("%w: %s → item %s", ErrWantExists, walletID, target.ID)
		}
		w.wantItems[target.ID] = struct{}{}
		wanters, ok := g.itemWanters[target.ID]
		if !ok {
			wanters = make(map[string]struct{})
			g.itemWanters[target.ID] = wanters
		}
		wanters[walletID] = struct{}{}

		return newWalletSet(walletID, it.OwnerID).slice(), nil

	case model.WantCollection:
		members, ok := g.collections[target.ID]
		if !ok {
			return nil, fmt.Errorf("%w: collection %s", ErrUnknownWantTarget, target.ID)
		}
		w := g.walletOrCreate(walletID)
		if _, dup := w.wantColls[target.ID]; dup {
			return nil, fmt.Errorf("%w: %s → collection %s", ErrWantExists, walletID, target.ID)
		}
		w.wantColls[target.ID] = struct{}{}
		wanters, ok := g.collWanters[target.ID]
		if !ok {
			wanters = make(map[string]struct{})
			g.collWanters[target.ID] = wanters
		}
		wanters[walletID] = struct{}{}

		affected := newWalletSet(walletID)
		for itemID := range members {
			affected.add(g.items[itemID].OwnerID)
		}
		return affected.slice(), nil

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownWantTarget, target.Kind)
	}
}

// RemoveWant deletes a want edge. Removing a want never invalidates an
// existing loop's ownership consistency, but the caller still owns
// re-running discovery on the returned region.
func (g *Graph) RemoveWant(walletID string, target model.WantTarget) ([]string, error) {
	w, ok := g.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s → %s %s", ErrWantNotFound, walletID, target.Kind, target.ID)
	}

	switch target.Kind {
	case model.WantItem:
		if _, ok := w.wantItems[target.ID]; !ok {
			return nil, fmt.Errorf("%w: %s → item %s", ErrWantNotFound, walletID, target.ID)
		}
		delete(w.wantItems, target.ID)
		delete(g.itemWanters[target.ID], walletID)

		affected := newWalletSet(walletID)
		if it, ok := g.items[target.ID]; ok {
			affected.add(it.OwnerID)
		}
		return affected.slice(), nil

	case model.WantCollection:
		if _, ok := w.wantColls[target.ID]; !ok {
			return nil, fmt.Errorf("%w: %s → collection %s", ErrWantNotFound, walletID, target.ID)
		}
		delete(w.wantColls, target.ID)
		delete(g.collWanters[target.ID], walletID)

		affected := newWalletSet(walletID)
		for itemID := range g.collections[target.ID] {
			affected.add(g.items[itemID].OwnerID)
		}
		return affected.slice(), nil

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownWantTarget, target.Kind)
	}
}

// TransferOwnership moves an item to a new owner wallet, creating the
// wallet if needed. A want the new owner held on that item is dropped
// (a wallet never wants what it owns). Returns old owner, new owner, and
// all wanters of the item or its collection.
func (g *Graph) TransferOwnership(itemID, newOwnerID string) ([]string, error) {
	if newOwnerID == "" {
		return nil, ErrWalletRequired
	}
	it, ok := g.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	affected := newWalletSet(it.OwnerID, newOwnerID)
	affected.addAll(g.itemWanters[itemID])
	if it.CollectionID != "" {
		affected.addAll(g.collWanters[it.CollectionID])
	}

	if prev, ok := g.wallets[it.OwnerID]; ok {
		delete(prev.owned, itemID)
	}
	next := g.walletOrCreate(newOwnerID)
	next.owned[itemID] = struct{}{}
	it.OwnerID = newOwnerID

	if _, wanted := next.wantItems[itemID]; wanted {
		delete(next.wantItems, itemID)
		delete(g.itemWanters[itemID], newOwnerID)
	}
	return affected.slice(), nil
}

// ItemByID returns a copy of the item record.
func (g *Graph) ItemByID(itemID string) (Item, bool) {
	it, ok := g.items[itemID]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Demand returns how many wallets currently want the item, directly or via
// its collection. Used as the scorer's liquidity proxy.
func (g *Graph) Demand(itemID string) int {
	it, ok := g.items[itemID]
	if !ok {
		return 0
	}
	n := len(g.itemWanters[itemID])
	if it.CollectionID != "" {
		n += len(g.collWanters[it.CollectionID])
	}
	return n
}

// WalletIDs returns every wallet id in the graph.
func (g *Graph) WalletIDs() []string {
	out := make([]string, 0, len(g.wallets))
	for id := range g.wallets {
		out = append(out, id)
	}
	return out
}

// WalletExists reports whether the wallet is known to the graph.
func (g *Graph) WalletExists(walletID string) bool {
	_, ok := g.wallets[walletID]
	return ok
}

// WantedItemsFrom returns the items owned by the candidate that the wallet
// wants, directly or through a collection wildcard. This is the lazy
// expansion point for collection wants: membership is resolved against
// current ownership at call time, never from a stored list.
func (g *Graph) WantedItemsFrom(walletID, candidateID string) []Item {
	w, ok := g.wallets[walletID]
	if !ok || walletID == candidateID {
		return nil
	}
	cand, ok := g.wallets[candidateID]
	if !ok {
		return nil
	}

	var out []Item
	for itemID := range cand.owned {
		it := g.items[itemID]
		if _, direct := w.wantItems[itemID]; direct {
			out = append(out, *it)
			continue
		}
		if it.CollectionID != "" {
			if _, wild := w.wantColls[it.CollectionID]; wild {
				out = append(out, *it)
			}
		}
	}
	return out
}

// NeighborsOf returns wallets reachable by one want-hop: every wallet that
// currently owns something the query wallet wants.
func (g *Graph) NeighborsOf(walletID string) []string {
	w, ok := g.wallets[walletID]
	if !ok {
		return nil
	}

	set := newWalletSet()
	for itemID := range w.wantItems {
		if it, ok := g.items[itemID]; ok && it.OwnerID != walletID {
			set.add(it.OwnerID)
		}
	}
	for collID := range w.wantColls {
		for itemID := range g.collections[collID] {
			if it := g.items[itemID]; it.OwnerID != walletID {
				set.add(it.OwnerID)
			}
		}
	}
	return set.slice()
}

// WantersOfOwned returns wallets that want something the query wallet owns
// — the reverse of NeighborsOf, needed for the undirected partition walk.
func (g *Graph) WantersOfOwned(walletID string) []string {
	w, ok := g.wallets[walletID]
	if !ok {
		return nil
	}

	set := newWalletSet()
	for itemID := range w.owned {
		for wid := range g.itemWanters[itemID] {
			if wid != walletID {
				set.add(wid)
			}
		}
		if collID := g.items[itemID].CollectionID; collID != "" {
			for wid := range g.collWanters[collID] {
				if wid != walletID {
					set.add(wid)
				}
			}
		}
	}
	return set.slice()
}

// walletSet is a small insertion-dedup helper for affected-wallet results.
type walletSet struct {
	seen map[string]struct{}
	ids  []string
}

func newWalletSet(ids ...string) *walletSet {
	s := &walletSet{seen: make(map[string]struct{})}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s *walletSet) add(id string) {
	if id == "" {
		return
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *walletSet) addAll(ids map[string]struct{}) {
	for id := range ids {
		s.add(id)
	}
}

func (s *walletSet) slice() []string { return s.ids }
