package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
)

// FunctionLookupInput is the input schema for the function_lookup tool.
type FunctionLookupInput struct {
	SnapshotID  string `json:"snapshot_id"            jsonschema:"id of a completed snapshot"`
	Function    string `json:"function"               jsonschema:"function name to look up"`
	FilePath    string `json:"file_path,omitempty"    jsonschema:"defining file when the name is ambiguous across translation units"`
	IncludeBody bool   `json:"include_body,omitempty" jsonschema:"include the verbatim function body"`
}

// FunctionDetail is the function_lookup result payload.
type FunctionDetail struct {
	Function graphstore.FunctionRecord `json:"function"`
	Source   string                    `json:"source,omitempty"`
	Callers  []graphstore.CallSite     `json:"callers"`
	Callees  []graphstore.CallSite     `json:"callees"`
}

// handleFunctionLookup serves function_lookup.
func (s *Server) handleFunctionLookup(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input FunctionLookupInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Function == "" {
		return errorResult(ErrEmptyFunction)
	}

	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	fn, err := s.store.GetFunctionMetadata(ctx, input.SnapshotID, input.Function, input.FilePath)
	if err != nil {
		return errorResult(err)
	}

	callers, err := s.store.GetCallers(ctx, input.SnapshotID, fn.Name, fn.FilePath)
	if err != nil {
		return errorResult(err)
	}

	callees, err := s.store.GetCallees(ctx, input.SnapshotID, fn.Name, fn.FilePath)
	if err != nil {
		return errorResult(err)
	}

	detail := FunctionDetail{Function: *fn, Callers: callers, Callees: callees}
	if input.IncludeBody {
		detail.Source = fn.Content
	}

	return jsonResult(detail)
}

// FunctionSearchInput is the input schema for the function_search tool.
type FunctionSearchInput struct {
	SnapshotID string `json:"snapshot_id"     jsonschema:"id of a completed snapshot"`
	Pattern    string `json:"pattern"         jsonschema:"glob pattern matched against function names (e.g. png_* or *decode*)"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum matches to return (default 100, -1 for all)"`
}

// FunctionMatches is the function_search result payload. Total counts
// every match even when the listing is truncated.
type FunctionMatches struct {
	Functions []graphstore.FunctionInfo `json:"functions"`
	Total     int                       `json:"total"`
	Truncated bool                      `json:"truncated,omitempty"`
}

// handleFunctionSearch serves function_search.
func (s *Server) handleFunctionSearch(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input FunctionSearchInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Pattern == "" {
		return errorResult(ErrEmptyPattern)
	}

	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	matches, err := s.store.SearchFunctions(ctx, input.SnapshotID, input.Pattern)
	if err != nil {
		return errorResult(err)
	}

	out := FunctionMatches{Functions: matches, Total: len(matches)}

	limit := queryBound(input.Limit, DefaultSearchLimit)
	if limit > 0 && len(out.Functions) > limit {
		out.Functions = out.Functions[:limit]
		out.Truncated = true
	}

	return jsonResult(out)
}
