// Package reaches materializes fuzzer reachability facts: bounded
// breadth-first walks over call edges that record the minimum call
// depth at which each function becomes reachable from an entry point.
package reaches

// Compute walks adj breadth-first from start and returns the minimum
// number of call hops to every node reachable within maxDepth hops.
// The start node is absent from the result unless the graph cycles
// back to it, in which case it carries the positive depth of that
// cycle; a depth of zero is never recorded.
func Compute[Node comparable](adj map[Node][]Node, start Node, maxDepth int) map[Node]int {
	depths := make(map[Node]int)
	frontier := []Node{start}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		next := make([]Node, 0, len(frontier))

		for _, node := range frontier {
			for _, callee := range adj[node] {
				if _, seen := depths[callee]; seen {
					continue
				}

				depths[callee] = depth
				next = append(next, callee)
			}
		}

		frontier = next
	}

	return depths
}
