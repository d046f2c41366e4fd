package deps

// StronglyConnectedComponents runs Tarjan's algorithm over the graph and
// returns its strongly connected components. Components are returned in
// completion order; members within a component follow discovery order.
func StronglyConnectedComponents(g *Graph) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlinks := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Edges(v) {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlinks[w] < lowlinks[v] {
					lowlinks[v] = lowlinks[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlinks[v] {
					lowlinks[v] = indices[w]
				}
			}
		}

		if lowlinks[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			components = append(components, component)
		}
	}

	for _, v := range g.Nodes() {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return components
}

// Cycles returns only the components of size two or more: the actual
// dependency cycles.
func Cycles(g *Graph) [][]string {
	var cycles [][]string
	for _, scc := range StronglyConnectedComponents(g) {
		if len(scc) > 1 {
			cycles = append(cycles, scc)
		}
	}
	return cycles
}

// CycleForKey returns the cycle containing the given change reference, or
// nil. A change belongs to at most one strongly connected component.
func CycleForKey(g *Graph, key string) []string {
	for _, cycle := range Cycles(g) {
		for _, member := range cycle {
			if member == key {
				return cycle
			}
		}
	}
	return nil
}
