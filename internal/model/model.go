// Package model defines the core domain types shared across the loop engine.
// All item valuations use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WantKind discriminates the two forms a want target can take.
type WantKind string

const (
	// WantItem targets one specific item id.
	WantItem WantKind = "item"
	// WantCollection is a wildcard satisfied by any currently-owned
	// member of the collection.
	WantCollection WantKind = "collection"
)

// WantTarget is what a wallet would accept in trade: either a specific
// item or any item from a collection.
type WantTarget struct {
	Kind WantKind `json:"kind"`
	ID   string   `json:"id"` // item id or collection id, per Kind
}

// Item returns a specific-item want target.
func Item(itemID string) WantTarget {
	return WantTarget{Kind: WantItem, ID: itemID}
}

// Collection returns a collection-wildcard want target.
func Collection(collectionID string) WantTarget {
	return WantTarget{Kind: WantCollection, ID: collectionID}
}

// Valuation is an external price estimate for an item.
type Valuation struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Confidence decimal.Decimal `json:"confidence"` // [0,1]
}

// TradeStep is one hand-off inside a trade loop: From gives ItemID to To.
// Valuation and Demand are captured at discovery time so a loop is fully
// self-describing and scoring stays a pure function of the loop.
type TradeStep struct {
	From         string     `json:"from"`
	To           string     `json:"to"`
	ItemID       string     `json:"item_id"`
	CollectionID string     `json:"collection_id,omitempty"`
	Valuation    *Valuation `json:"valuation,omitempty"`
	Demand       int        `json:"demand"` // wallets currently wanting the item
}

// LoopState tracks a loop through its lifecycle.
type LoopState string

const (
	LoopCandidate   LoopState = "candidate"
	LoopScored      LoopState = "scored"
	LoopActive      LoopState = "active"
	LoopStateInvalidated LoopState = "invalidated"
	LoopExecuted    LoopState = "executed"
	LoopExpired     LoopState = "expired"
)

// TradeLoop is a closed cycle of trade steps. Step i's receiving wallet is
// step i+1's giving wallet, cyclically; each wallet gives exactly one item
// and receives exactly one it wants.
type TradeLoop struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Signature    string          `json:"signature"`
	Steps        []TradeStep     `json:"steps"`
	Participants int             `json:"participants"`
	Efficiency   decimal.Decimal `json:"efficiency"`
	Quality      decimal.Decimal `json:"quality"`
	State        LoopState       `json:"state"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// Wallets returns the giving wallet of each step, in step order.
func (l *TradeLoop) Wallets() []string {
	out := make([]string, len(l.Steps))
	for i, s := range l.Steps {
		out[i] = s.From
	}
	return out
}

// Involves reports whether the wallet participates in the loop.
func (l *TradeLoop) Involves(walletID string) bool {
	for _, s := range l.Steps {
		if s.From == walletID {
			return true
		}
	}
	return false
}

// MutationKind enumerates the ingestion events the engine consumes.
type MutationKind string

const (
	MutationItemAdded            MutationKind = "item_added"
	MutationItemRemoved          MutationKind = "item_removed"
	MutationWantAdded            MutationKind = "want_added"
	MutationWantRemoved          MutationKind = "want_removed"
	MutationOwnershipTransferred MutationKind = "ownership_transferred"
)

// MutationEvent is one ingestion-layer event. Fields beyond Kind and
// TenantID are populated per kind:
//
//	item_added:            ItemID, WalletID (owner), CollectionID?, Valuation?
//	item_removed:          ItemID
//	want_added/removed:    WalletID, Want
//	ownership_transferred: ItemID, WalletID (new owner)
type MutationEvent struct {
	ID           string       `json:"id"`
	Kind         MutationKind `json:"kind"`
	TenantID     string       `json:"tenant_id"`
	ItemID       string       `json:"item_id,omitempty"`
	WalletID     string       `json:"wallet_id,omitempty"`
	CollectionID string       `json:"collection_id,omitempty"`
	Valuation    *Valuation   `json:"valuation,omitempty"`
	Want         *WantTarget  `json:"want,omitempty"`
}

// LoopEventType distinguishes outbound loop notifications.
type LoopEventType string

const (
	LoopDiscovered  LoopEventType = "trade_loop_discovered"
	LoopInvalidated LoopEventType = "trade_loop_invalidated"
)

// InvalidationReason explains why a loop left the registry.
type InvalidationReason string

const (
	ReasonItemMoved   InvalidationReason = "item_moved"
	ReasonItemRemoved InvalidationReason = "item_removed"
	ReasonExecuted    InvalidationReason = "executed"
	ReasonExpired     InvalidationReason = "expired"
	ReasonRecompute   InvalidationReason = "recompute"
)

// LoopEvent is an outbound notification consumed by subscribers.
// Loop is set on discovery; Signature and Reason on invalidation.
type LoopEvent struct {
	Type      LoopEventType      `json:"type"`
	TenantID  string             `json:"tenant_id"`
	Loop      *TradeLoop         `json:"loop,omitempty"`
	Signature string             `json:"signature,omitempty"`
	Reason    InvalidationReason `json:"reason,omitempty"`
	Trigger   string             `json:"trigger,omitempty"`
}
