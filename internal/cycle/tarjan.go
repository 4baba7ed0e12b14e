package cycle

// stronglyConnected computes the strongly connected components of the
// partition's adjacency with Tarjan's algorithm. The walk is iterative:
// partitions can run to thousands of vertices and the component pass has
// no natural depth bound, unlike the circuit search.
func (f *finder) stronglyConnected() [][]int {
	n := len(f.adj)
	const unvisited = -1

	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}

	var (
		stack   []int
		comps   [][]int
		counter int
	)

	type frame struct {
		v    int
		edge int // next adjacency slot to visit
	}

	for start := 0; start < n; start++ {
		if index[start] != unvisited {
			continue
		}
		work := []frame{{v: start}}
		for len(work) > 0 {
			fr := &work[len(work)-1]
			v := fr.v

			if fr.edge == 0 {
				index[v] = counter
				lowlink[v] = counter
				counter++
				stack = append(stack, v)
				onStack[v] = true
			}

			advanced := false
			for fr.edge < len(f.adj[v]) {
				w := f.adj[v][fr.edge].to
				fr.edge++
				if index[w] == unvisited {
					work = append(work, frame{v: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
			if advanced {
				continue
			}

			// v is finished: pop a component if v is a root.
			if lowlink[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				comps = append(comps, comp)
			}

			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].v
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
		}
	}
	return comps
}
