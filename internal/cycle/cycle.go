// Package cycle enumerates elementary trade circuits inside one partition.
//
// The search runs in two stages: Tarjan's algorithm first splits the
// partition's directed want-graph into strongly connected components, so
// the circuit search never enters a component that cannot close a cycle;
// then a blocked-vertex depth-first search rooted at each component vertex
// enumerates every elementary circuit of length 2..MaxLength, with each
// circuit found exactly once at its lowest-ordered vertex.
//
// Collection wildcards are expanded lazily at traversal time: "does B own
// something A wants" resolves against current ownership, and when several
// items satisfy the same hop, each choice becomes its own candidate loop.
package cycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loopmarket/loop-engine/internal/graph"
	"github.com/loopmarket/loop-engine/internal/model"
	"github.com/loopmarket/loop-engine/internal/partition"
)

// DefaultMaxLength bounds cycles to ten participants unless configured.
const DefaultMaxLength = 10

// Config bounds the search. Zero values fall back to defaults.
type Config struct {
	// MaxLength is the maximum number of participants in a loop.
	MaxLength int
}

func (c Config) maxLength() int {
	if c.MaxLength <= 0 {
		return DefaultMaxLength
	}
	return c.MaxLength
}

// Result is the outcome of one partition search. Partial reports that the
// deadline expired before the search finished; the loops found up to that
// point are still complete, valid circuits.
type Result struct {
	Loops   []model.TradeLoop
	Partial bool
}

// edge is one directed want-hop with its candidate items, rebuilt per
// search pass against a fixed graph snapshot.
type edge struct {
	to    int
	items []graph.Item
}

type finder struct {
	g        *graph.Graph
	wallets  []string
	index    map[string]int
	adj      [][]edge
	maxLen   int
	deadline time.Time
	hasDL    bool

	blocked []bool
	path    []int          // open vertices, in visit order
	hops    [][]graph.Item // candidate items for each traversed edge

	loops   []model.TradeLoop
	now     time.Time
	expired bool
}

// Find enumerates all elementary circuits of length 2..cfg.MaxLength in
// the partition. The context deadline is a soft budget: on expiry the
// search stops and returns whatever complete circuits it already has,
// with Result.Partial set. That is a degraded result, not an error.
func Find(ctx context.Context, g *graph.Graph, p partition.Partition, cfg Config) Result {
	f := &finder{
		g:       g,
		wallets: p.Wallets,
		index:   make(map[string]int, len(p.Wallets)),
		maxLen:  cfg.maxLength(),
		now:     time.Now().UTC(),
	}
	if dl, ok := ctx.Deadline(); ok {
		f.deadline = dl
		f.hasDL = true
	}

	for i, w := range p.Wallets {
		f.index[w] = i
	}
	f.buildAdjacency()
	f.blocked = make([]bool, len(f.wallets))

	for _, comp := range f.stronglyConnected() {
		if len(comp) < 2 {
			continue // single vertex, cannot close a cycle
		}
		inComp := make([]bool, len(f.wallets))
		for _, v := range comp {
			inComp[v] = true
		}
		// Rooting each circuit at its lowest-ordered vertex keeps every
		// circuit unique across starts.
		for _, start := range comp {
			if f.checkDeadline() {
				break
			}
			f.search(start, start, inComp)
		}
		if f.expired {
			break
		}
	}
	return Result{Loops: f.loops, Partial: f.expired}
}

func (f *finder) buildAdjacency() {
	f.adj = make([][]edge, len(f.wallets))
	for i, w := range f.wallets {
		for _, nb := range f.g.NeighborsOf(w) {
			j, ok := f.index[nb]
			if !ok {
				continue
			}
			items := f.g.WantedItemsFrom(w, nb)
			if len(items) == 0 {
				continue
			}
			f.adj[i] = append(f.adj[i], edge{to: j, items: items})
		}
	}
}

// checkDeadline is consulted at every recursion step so a runaway search
// on a dense partition cannot blow the time budget.
func (f *finder) checkDeadline() bool {
	if f.expired {
		return true
	}
	if f.hasDL && !time.Now().Before(f.deadline) {
		f.expired = true
	}
	return f.expired
}

// search walks forward from v, blocking every vertex on the open path.
// Only vertices ordered above the root are eligible, and paths are cut
// once MaxLength vertices are open without closing back to the root.
func (f *finder) search(root, v int, inComp []bool) {
	if f.checkDeadline() {
		return
	}
	f.blocked[v] = true
	f.path = append(f.path, v)

	for _, e := range f.adj[v] {
		if f.expired {
			break
		}
		if e.to == root && len(f.path) >= 2 {
			f.emit(e.items)
			continue
		}
		if e.to <= root || !inComp[e.to] || f.blocked[e.to] {
			continue
		}
		if len(f.path) >= f.maxLen {
			continue
		}
		f.hops = append(f.hops, e.items)
		f.search(root, e.to, inComp)
		f.hops = f.hops[:len(f.hops)-1]
	}

	f.path = f.path[:len(f.path)-1]
	f.blocked[v] = false
}

// emit expands the item choices along the closed path into candidate
// loops: one loop per combination of candidate items across hops.
func (f *finder) emit(closing []graph.Item) {
	hops := make([][]graph.Item, 0, len(f.path))
	hops = append(hops, f.hops...)
	hops = append(hops, closing)

	pick := make([]graph.Item, len(hops))
	var expand func(i int)
	expand = func(i int) {
		if f.checkDeadline() {
			return
		}
		if i == len(hops) {
			f.loops = append(f.loops, f.buildLoop(pick))
			return
		}
		for _, it := range hops[i] {
			pick[i] = it
			expand(i + 1)
		}
	}
	expand(0)
}

// buildLoop converts a closed want-path into giving order. The want edge
// path[i] → path[i+1] means path[i] wants pick[i], owned by path[i+1], so
// each item flows against its edge: steps run around the cycle in reverse.
func (f *finder) buildLoop(pick []graph.Item) model.TradeLoop {
	n := len(f.path)
	steps := make([]model.TradeStep, n)
	for j := 0; j < n; j++ {
		hop := n - 1 - j
		owner := f.path[(hop+1)%n]
		wanter := f.path[hop]
		it := pick[hop]

		var val *model.Valuation
		if it.Valuation != nil {
			v := *it.Valuation
			val = &v
		}
		steps[j] = model.TradeStep{
			From:         f.wallets[owner],
			To:           f.wallets[wanter],
			ItemID:       it.ID,
			CollectionID: it.CollectionID,
			Valuation:    val,
			Demand:       f.g.Demand(it.ID),
		}
	}

	loop := model.TradeLoop{
		ID:           uuid.New().String(),
		TenantID:     f.g.TenantID(),
		Signature:    model.LoopSignature(steps),
		Steps:        steps,
		Participants: n,
		State:        model.LoopCandidate,
		DiscoveredAt: f.now,
	}
	return loop
}
