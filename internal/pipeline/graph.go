package pipeline

// depGraph is the indicator dependency graph. Nodes are definition indices;
// deps[i] lists the indicators that indicator i reads.
type depGraph struct {
	names []string
	deps  [][]int
}

const (
	unvisited = iota
	visiting
	done
)

// findCycle returns the first dependency cycle found, as a name path that
// starts and ends with the same indicator, or nil.
func (g *depGraph) findCycle() []string {
	state := make([]int, len(g.names))
	var stack []int

	var visit func(n int) []string
	visit = func(n int) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			switch state[d] {
			case visiting:
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == d {
						for _, s := range stack[i:] {
							cycle = append(cycle, g.names[s])
						}
						break
					}
				}
				return append(cycle, g.names[d])
			case unvisited:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range g.names {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// order returns a topological order with dependencies first. Ties are broken
// by definition order so the evaluation sequence is stable. The graph must be
// acyclic.
func (g *depGraph) order() []int {
	indegree := make([]int, len(g.names))
	dependents := make([][]int, len(g.names))
	for n, ds := range g.deps {
		indegree[n] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], n)
		}
	}

	out := make([]int, 0, len(g.names))
	emitted := make([]bool, len(g.names))
	for len(out) < len(g.names) {
		progressed := false
		for n := range g.names {
			if emitted[n] || indegree[n] > 0 {
				continue
			}
			emitted[n] = true
			out = append(out, n)
			for _, m := range dependents[n] {
				indegree[m]--
			}
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return out
}
