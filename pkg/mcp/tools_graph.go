package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
)

// CallPathsInput is the input schema for the call_paths tool.
type CallPathsInput struct {
	SnapshotID string `json:"snapshot_id"           jsonschema:"id of a completed snapshot"`
	From       string `json:"from"                  jsonschema:"caller function name (a fuzzer's entry function works)"`
	FromFile   string `json:"from_file,omitempty"   jsonschema:"caller's defining file when the name is ambiguous"`
	To         string `json:"to"                    jsonschema:"callee function name"`
	ToFile     string `json:"to_file,omitempty"     jsonschema:"callee's defining file when the name is ambiguous"`
	All        bool   `json:"all,omitempty"         jsonschema:"return every simple path instead of only shortest ones"`
	MaxDepth   int    `json:"max_depth,omitempty"   jsonschema:"bound on path length in hops (0 or -1 for unbounded)"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum paths to return (default 20, -1 for all)"`
}

// CallPaths is the call_paths result payload. Paths are ordered by
// length ascending; an empty listing means the target is unreachable.
type CallPaths struct {
	Paths [][]graphstore.FunctionKey `json:"paths"`
	Count int                        `json:"count"`
}

// handleCallPaths serves call_paths.
func (s *Server) handleCallPaths(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input CallPathsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.From == "" || input.To == "" {
		return errorResult(ErrEmptyFunction)
	}

	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	from := graphstore.FunctionKey{Name: input.From, FilePath: input.FromFile}
	to := graphstore.FunctionKey{Name: input.To, FilePath: input.ToFile}

	maxDepth := queryBound(input.MaxDepth, 0)
	maxResults := queryBound(input.MaxResults, DefaultPathResults)

	find := s.store.ShortestPaths
	if input.All {
		find = s.store.AllPaths
	}

	paths, err := find(ctx, input.SnapshotID, from, to, maxDepth, maxResults)
	if err != nil {
		return errorResult(err)
	}

	if paths == nil {
		paths = [][]graphstore.FunctionKey{}
	}

	return jsonResult(CallPaths{Paths: paths, Count: len(paths)})
}

// FuzzerReachableInput is the input schema for the fuzzer_reachable tool.
type FuzzerReachableInput struct {
	SnapshotID string `json:"snapshot_id"         jsonschema:"id of a completed snapshot"`
	Fuzzer     string `json:"fuzzer"              jsonschema:"fuzzer name as listed by snapshot_list"`
	Depth      int    `json:"depth,omitempty"     jsonschema:"only functions at exactly this call depth"`
	MaxDepth   int    `json:"max_depth,omitempty" jsonschema:"only functions at or below this call depth"`
}

// ReachableFunctions is the fuzzer_reachable result payload.
type ReachableFunctions struct {
	Fuzzer    string                       `json:"fuzzer"`
	Functions []graphstore.ReachedFunction `json:"functions"`
	Count     int                          `json:"count"`
}

// handleFuzzerReachable serves fuzzer_reachable. The fuzzer is resolved
// first so a misspelled name errors instead of listing nothing.
func (s *Server) handleFuzzerReachable(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input FuzzerReachableInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Fuzzer == "" {
		return errorResult(ErrEmptyFuzzer)
	}

	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	if _, err := s.store.GetFuzzerMetadata(ctx, input.SnapshotID, input.Fuzzer); err != nil {
		return errorResult(err)
	}

	reached, err := s.store.ReachableByFuzzer(ctx, input.SnapshotID, input.Fuzzer, input.Depth, input.MaxDepth)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(ReachableFunctions{
		Fuzzer:    input.Fuzzer,
		Functions: reached,
		Count:     len(reached),
	})
}

// UnreachedFunctionsInput is the input schema for the
// unreached_functions tool.
type UnreachedFunctionsInput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"id of a completed snapshot"`
}

// UnreachedListing is the unreached_functions result payload: defined
// functions no fuzzer reaches.
type UnreachedListing struct {
	Functions []graphstore.FunctionInfo `json:"functions"`
	Count     int                       `json:"count"`
}

// handleUnreachedFunctions serves unreached_functions.
func (s *Server) handleUnreachedFunctions(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input UnreachedFunctionsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	unreached, err := s.store.UnreachedFunctions(ctx, input.SnapshotID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(UnreachedListing{Functions: unreached, Count: len(unreached)})
}
