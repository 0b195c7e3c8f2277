package svf

import (
	"os"
	"regexp"
	"strings"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
)

// intrinsicPrefix marks compiler intrinsics the call graph should not
// carry as callees.
const intrinsicPrefix = "llvm."

var (
	nodeRe = regexp.MustCompile(`^\s*(Node0x[0-9a-fA-F]+) \[.*fun: ([^\\}"]+)`)
	edgeRe = regexp.MustCompile(`^\s*(Node0x[0-9a-fA-F]+) -> (Node0x[0-9a-fA-F]+)\[(.*)\];`)
)

type callgraph struct {
	// functions are unique IR names in emission order.
	functions []string
	edges     []backend.Edge
}

type edgeKey struct {
	caller   string
	callee   string
	callType string
}

// parseCallgraph reads an analyzer dot file into functions and edges.
// Solid edges are statically resolved calls; dotted edges were resolved
// through pointer analysis. Intrinsics and parallel duplicates are
// dropped. Nodes are collected before edges are resolved because the
// writer interleaves a node's out-edges with later node declarations.
func parseCallgraph(path string) (*callgraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	funByNode := make(map[string]string)
	graph := &callgraph{}
	seenFun := make(map[string]struct{})

	for _, line := range lines {
		m := nodeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		name := strings.TrimSpace(m[2])
		if name == "" || strings.HasPrefix(name, intrinsicPrefix) {
			continue
		}

		funByNode[m[1]] = name

		if _, ok := seenFun[name]; !ok {
			seenFun[name] = struct{}{}
			graph.functions = append(graph.functions, name)
		}
	}

	seenEdge := make(map[edgeKey]struct{})

	for _, line := range lines {
		m := edgeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		caller, okCaller := funByNode[m[1]]
		callee, okCallee := funByNode[m[2]]

		if !okCaller || !okCallee {
			continue
		}

		edge := backend.Edge{
			Caller:     caller,
			Callee:     callee,
			CallType:   backend.CallDirect,
			Confidence: directConfidence,
		}

		if strings.Contains(m[3], "dotted") {
			edge.CallType = backend.CallFptr
			edge.Confidence = fptrConfidence
		}

		key := edgeKey{caller: caller, callee: callee, callType: edge.CallType}
		if _, ok := seenEdge[key]; ok {
			continue
		}

		seenEdge[key] = struct{}{}
		graph.edges = append(graph.edges, edge)
	}

	return graph, nil
}
