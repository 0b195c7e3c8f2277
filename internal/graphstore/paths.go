package graphstore

import (
	"context"
	"encoding/json"
	"sort"
)

// defaultSubtreeDepth is used by Subtree when the caller passes no
// positive depth.
const defaultSubtreeDepth = 2

// memGraph is the in-memory adjacency view of one snapshot's CALLS
// edges, shared by path queries through the loaded-graph cache. Loaded
// graphs are immutable.
type memGraph struct {
	out map[FunctionKey][]memEdge
	in  map[FunctionKey][]memEdge
}

// memEdge is one directed half of a CALLS edge.
type memEdge struct {
	peer       FunctionKey
	callType   string
	confidence float64
}

// loadGraph returns the adjacency view of a snapshot, loading and
// caching it on first use.
func (s *Store) loadGraph(ctx context.Context, id string) (*memGraph, error) {
	if g, ok := s.graphs.get(id); ok {
		return g, nil
	}

	g := &memGraph{
		out: make(map[FunctionKey][]memEdge),
		in:  make(map[FunctionKey][]memEdge),
	}

	prefix := kindPrefix(id, kindCalls)

	err := s.scan(ctx, prefix, false, func(key, val []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) != 5 {
			return nil
		}

		var attr edgeAttr

		if umErr := json.Unmarshal(val, &attr); umErr != nil {
			return umErr
		}

		caller := FunctionKey{Name: fields[0], FilePath: fields[1]}
		callee := FunctionKey{Name: fields[2], FilePath: fields[3]}

		g.out[caller] = append(g.out[caller], memEdge{peer: callee, callType: fields[4], confidence: attr.Confidence})
		g.in[callee] = append(g.in[callee], memEdge{peer: caller, callType: fields[4], confidence: attr.Confidence})

		return nil
	})
	if err != nil {
		return nil, storeErr("load graph "+id, err)
	}

	for _, adj := range []map[FunctionKey][]memEdge{g.out, g.in} {
		for key := range adj {
			sortEdges(adj[key])
		}
	}

	s.graphs.put(id, g)

	return g, nil
}

// sortEdges orders an adjacency list by peer then call type, keeping
// traversal order deterministic.
func sortEdges(edges []memEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].peer.Name != edges[j].peer.Name {
			return edges[i].peer.Name < edges[j].peer.Name
		}

		if edges[i].peer.FilePath != edges[j].peer.FilePath {
			return edges[i].peer.FilePath < edges[j].peer.FilePath
		}

		return edges[i].callType < edges[j].callType
	})
}

// neighbors returns the distinct peers of a sorted adjacency list;
// multiedges between the same pair collapse to one neighbor.
func neighbors(edges []memEdge) []FunctionKey {
	out := make([]FunctionKey, 0, len(edges))

	for _, edge := range edges {
		if len(out) > 0 && out[len(out)-1] == edge.peer {
			continue
		}

		out = append(out, edge.peer)
	}

	return out
}

// bfsDistances walks breadth-first from start, returning hop counts for
// every node reachable within maxDepth hops (negative = unbounded).
func bfsDistances(adj map[FunctionKey][]memEdge, start FunctionKey, maxDepth int) map[FunctionKey]int {
	dist := map[FunctionKey]int{start: 0}
	frontier := []FunctionKey{start}

	for depth := 1; len(frontier) > 0 && (maxDepth < 0 || depth <= maxDepth); depth++ {
		var next []FunctionKey

		for _, node := range frontier {
			for _, peer := range neighbors(adj[node]) {
				if _, seen := dist[peer]; seen {
					continue
				}

				dist[peer] = depth
				next = append(next, peer)
			}
		}

		frontier = next
	}

	return dist
}

// CallAdjacency returns the deduplicated outgoing CALLS adjacency of a
// snapshot, keyed by caller. Used to materialize reachability once the
// function, edge, and fuzzer imports have committed.
func (s *Store) CallAdjacency(ctx context.Context, id string) (map[FunctionKey][]FunctionKey, error) {
	g, err := s.loadGraph(ctx, id)
	if err != nil {
		return nil, err
	}

	adj := make(map[FunctionKey][]FunctionKey, len(g.out))
	for key, edges := range g.out {
		adj[key] = neighbors(edges)
	}

	return adj, nil
}

// ShortestPaths returns every CALLS path of minimum length from one
// function to another, each path as the node sequence including both
// endpoints. maxDepth bounds the search and maxResults the number of
// returned paths; non-positive values disable either bound. A nil
// result with a nil error means the target is unreachable.
func (s *Store) ShortestPaths(ctx context.Context, id string, from, to FunctionKey, maxDepth, maxResults int) ([][]FunctionKey, error) {
	fromKey, err := s.resolveFunction(ctx, id, from.Name, from.FilePath)
	if err != nil {
		return nil, err
	}

	toKey, err := s.resolveCallTarget(ctx, id, to.Name, to.FilePath)
	if err != nil {
		return nil, err
	}

	g, err := s.loadGraph(ctx, id)
	if err != nil {
		return nil, err
	}

	bound := maxDepth
	if bound <= 0 {
		bound = -1
	}

	dist := bfsDistances(g.out, fromKey, bound)

	length, ok := dist[toKey]
	if !ok {
		return nil, nil
	}

	var paths [][]FunctionKey

	path := make([]FunctionKey, length+1)
	path[length] = toKey

	var backtrack func(node FunctionKey, hops int) bool
	backtrack = func(node FunctionKey, hops int) bool {
		if hops == 0 {
			paths = append(paths, append([]FunctionKey(nil), path...))

			return maxResults <= 0 || len(paths) < maxResults
		}

		for _, prev := range neighbors(g.in[node]) {
			if d, seen := dist[prev]; !seen || d != hops-1 {
				continue
			}

			path[hops-1] = prev

			if !backtrack(prev, hops-1) {
				return false
			}
		}

		return true
	}

	backtrack(toKey, length)

	return paths, nil
}

// AllPaths returns every simple CALLS path from one function to
// another in ascending length order, bounded by maxDepth hops and
// maxResults paths (non-positive = unbounded). When from equals to,
// cycles through the graph back to the function are included after the
// trivial single-node path.
func (s *Store) AllPaths(ctx context.Context, id string, from, to FunctionKey, maxDepth, maxResults int) ([][]FunctionKey, error) {
	fromKey, err := s.resolveFunction(ctx, id, from.Name, from.FilePath)
	if err != nil {
		return nil, err
	}

	toKey, err := s.resolveCallTarget(ctx, id, to.Name, to.FilePath)
	if err != nil {
		return nil, err
	}

	g, err := s.loadGraph(ctx, id)
	if err != nil {
		return nil, err
	}

	revDist := bfsDistances(g.in, toKey, -1)

	minLen, ok := revDist[fromKey]
	if !ok {
		return nil, nil
	}

	longest := len(revDist)
	if maxDepth >= 0 && maxDepth < longest {
		longest = maxDepth
	}

	var results [][]FunctionKey

	atLimit := func() bool {
		return maxResults > 0 && len(results) >= maxResults
	}

	path := []FunctionKey{fromKey}
	onPath := map[FunctionKey]bool{fromKey: true}

	var walk func(node FunctionKey, remaining int) bool
	walk = func(node FunctionKey, remaining int) bool {
		if remaining == 0 {
			if node == toKey {
				results = append(results, append([]FunctionKey(nil), path...))
			}

			return !atLimit()
		}

		for _, peer := range neighbors(g.out[node]) {
			if peer == toKey && remaining != 1 {
				continue
			}

			if peer != toKey && onPath[peer] {
				continue
			}

			rd, reachesTarget := revDist[peer]
			if !reachesTarget || rd > remaining-1 {
				continue
			}

			path = append(path, peer)
			wasOn := onPath[peer]
			onPath[peer] = true

			deeper := walk(peer, remaining-1)

			onPath[peer] = wasOn
			path = path[:len(path)-1]

			if !deeper {
				return false
			}
		}

		return true
	}

	for length := minLen; length <= longest; length++ {
		if length == 0 {
			results = append(results, []FunctionKey{fromKey})

			if atLimit() {
				break
			}

			continue
		}

		if !walk(fromKey, length) {
			break
		}
	}

	return results, nil
}

// Subtree returns the outgoing neighborhood of one function up to depth
// hops: nodes in breadth-first order plus every CALLS edge discovered
// while expanding them.
func (s *Store) Subtree(ctx context.Context, id, name, filePath string, depth int) (*Subgraph, error) {
	root, err := s.resolveFunction(ctx, id, name, filePath)
	if err != nil {
		return nil, err
	}

	g, err := s.loadGraph(ctx, id)
	if err != nil {
		return nil, err
	}

	if depth <= 0 {
		depth = defaultSubtreeDepth
	}

	sub := &Subgraph{
		Root:  root,
		Nodes: []SubgraphNode{{Name: root.Name, FilePath: root.FilePath}},
		Edges: []SubgraphEdge{},
	}

	seen := map[FunctionKey]struct{}{root: {}}
	frontier := []FunctionKey{root}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []FunctionKey

		for _, node := range frontier {
			for _, edge := range g.out[node] {
				sub.Edges = append(sub.Edges, SubgraphEdge{
					From:       node,
					To:         edge.peer,
					CallType:   edge.callType,
					Confidence: edge.confidence,
				})

				if _, ok := seen[edge.peer]; ok {
					continue
				}

				seen[edge.peer] = struct{}{}
				sub.Nodes = append(sub.Nodes, SubgraphNode{
					Name:     edge.peer.Name,
					FilePath: edge.peer.FilePath,
					External: edge.peer.FilePath == "",
				})
				next = append(next, edge.peer)
			}
		}

		frontier = next
	}

	return sub, nil
}
