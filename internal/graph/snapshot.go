package graph

import (
	"sort"

	"github.com/loopmarket/loop-engine/internal/model"
)

// Snapshot is the whole-graph serialized form consumed by the snapshot
// store collaborator. It carries only primary state — items and want
// edges — since every index is derivable.
type Snapshot struct {
	TenantID string         `json:"tenant_id"`
	Items    []ItemRecord   `json:"items"`
	Wallets  []WalletRecord `json:"wallets"`
}

// ItemRecord is the serialized form of one item.
type ItemRecord struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	CollectionID string           `json:"collection_id,omitempty"`
	Valuation    *model.Valuation `json:"valuation,omitempty"`
}

// WalletRecord is the serialized form of one wallet's want edges.
// Ownership is carried on the item side.
type WalletRecord struct {
	ID    string             `json:"id"`
	Wants []model.WantTarget `json:"wants,omitempty"`
}

// Snapshot captures the graph's current state. Records are emitted in
// sorted order so identical graphs produce identical snapshots.
func (g *Graph) Snapshot() *Snapshot {
	snap := &Snapshot{TenantID: g.tenantID}

	for _, it := range g.items {
		snap.Items = append(snap.Items, ItemRecord{
			ID:           it.ID,
			OwnerID:      it.OwnerID,
			CollectionID: it.CollectionID,
			Valuation:    it.Valuation,
		})
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })

	for _, w := range g.wallets {
		rec := WalletRecord{ID: w.id}
		for itemID := range w.wantItems {
			rec.Wants = append(rec.Wants, model.Item(itemID))
		}
		for collID := range w.wantColls {
			rec.Wants = append(rec.Wants, model.Collection(collID))
		}
		sort.Slice(rec.Wants, func(i, j int) bool {
			a, b := rec.Wants[i], rec.Wants[j]
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			return a.ID < b.ID
		})
		snap.Wallets = append(snap.Wallets, rec)
	}
	sort.Slice(snap.Wallets, func(i, j int) bool { return snap.Wallets[i].ID < snap.Wallets[j].ID })

	return snap
}

// FromSnapshot rebuilds a graph, re-deriving all indexes. Want edges whose
// target no longer resolves are dropped rather than failing the restore.
func FromSnapshot(snap *Snapshot) *Graph {
	g := New(snap.TenantID)
	for _, rec := range snap.Items {
		g.AddItem(rec.ID, rec.OwnerID, rec.CollectionID, rec.Valuation)
	}
	for _, rec := range snap.Wallets {
		g.walletOrCreate(rec.ID)
		for _, want := range rec.Wants {
			g.AddWant(rec.ID, want)
		}
	}
	return g
}
