package genapi

import "slices"

// detectCycles walks the dependency graph with a DFS and reports the first
// value-dependency cycle found. The graph must be acyclic: evaluation
// recurses along deps and invalidation walks dependents, and neither may
// loop.
func detectCycles(nodes []*node) error {
	visited := make([]bool, len(nodes))
	recStack := make([]bool, len(nodes))

	var dfs func(id int, path []int) *CycleError
	dfs = func(id int, path []int) *CycleError {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range nodes[id].dependents {
			if !visited[dep] {
				if err := dfs(dep, path); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycle := append(slices.Clone(path), dep)
				names := make([]string, len(cycle))
				for i, nid := range cycle {
					names[i] = nodes[nid].name
				}
				return &CycleError{Path: names}
			}
		}

		recStack[id] = false
		return nil
	}

	for id := range nodes {
		if !visited[id] {
			if err := dfs(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeInvalidationSets precomputes, for every node, the set of nodes whose
// cached values a write must drop: the node itself plus everything reachable
// through dependents. Writes then invalidate in a single pass over this set
// instead of re-walking the graph.
func computeInvalidationSets(nodes []*node) {
	for id, n := range nodes {
		reachable := make(map[int]struct{})
		markReachable(nodes, id, reachable)

		set := make([]int, 0, len(reachable))
		for nid := range reachable {
			set = append(set, nid)
		}
		slices.Sort(set)
		n.invalidates = set
	}
}

func markReachable(nodes []*node, id int, reachable map[int]struct{}) {
	if _, ok := reachable[id]; ok {
		return
	}
	reachable[id] = struct{}{}
	for _, dep := range nodes[id].dependents {
		markReachable(nodes, dep, reachable)
	}
}

// computeVolatility marks every node whose value can change behind the node
// map's back: nodes on a non-cacheable register, and anything that
// transitively depends on one. Caching such a value would serve stale reads
// no invalidation ever clears. Requires an acyclic graph.
func computeVolatility(nodes []*node) {
	memo := make([]int8, len(nodes))
	const (
		stable   int8 = 1
		volatile int8 = 2
	)

	var walk func(id int) bool
	walk = func(id int) bool {
		if memo[id] != 0 {
			return memo[id] == volatile
		}
		n := nodes[id]
		v := n.reg != nil && !n.reg.cacheable
		for _, dep := range n.deps {
			if walk(dep) {
				v = true
			}
		}
		if v {
			memo[id] = volatile
		} else {
			memo[id] = stable
		}
		n.volatile = v
		return v
	}
	for id := range nodes {
		walk(id)
	}
}
