// Package partition groups wallets into independent communities before
// cycle search. Two wallets land in one partition when either wants
// something the other owns, directly or through a collection wildcard.
// Cycles cannot span partitions, so searching per partition loses nothing.
package partition

import (
	"sort"

	"github.com/loopmarket/loop-engine/internal/graph"
)

// Partition is one connected component of the undirected want-or-own
// projection. Ephemeral: recomputed per discovery pass, never persisted.
type Partition struct {
	Wallets []string
}

// Size returns the number of wallets in the partition.
func (p Partition) Size() int { return len(p.Wallets) }

// Contains reports whether the wallet belongs to this partition.
func (p Partition) Contains(walletID string) bool {
	for _, w := range p.Wallets {
		if w == walletID {
			return true
		}
	}
	return false
}

// All partitions the entire graph. Singleton components — wallets with no
// want edges in or out — are dropped: they cannot participate in any loop.
func All(g *graph.Graph) []Partition {
	return expand(g, g.WalletIDs())
}

// Touching returns the partitions containing any of the given root
// wallets. Used by the delta engine to scope recomputation to the region
// a mutation could have affected.
func Touching(g *graph.Graph, roots []string) []Partition {
	return expand(g, roots)
}

func expand(g *graph.Graph, roots []string) []Partition {
	visited := make(map[string]bool)
	var parts []Partition

	for _, root := range roots {
		if visited[root] || !g.WalletExists(root) {
			continue
		}

		// Iterative BFS over the undirected projection.
		var members []string
		queue := []string{root}
		visited[root] = true
		for len(queue) > 0 {
			w := queue[0]
			queue = queue[1:]
			members = append(members, w)

			for _, next := range g.NeighborsOf(w) {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
			for _, next := range g.WantersOfOwned(w) {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}

		if len(members) < 2 {
			continue // isolated wallet, skip before search
		}
		sort.Strings(members)
		parts = append(parts, Partition{Wallets: members})
	}
	return parts
}
