package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
)

// Tool name constants.
const (
	ToolNameSnapshotList       = "snapshot_list"
	ToolNameSnapshotStats      = "snapshot_stats"
	ToolNameFunctionLookup     = "function_lookup"
	ToolNameFunctionSearch     = "function_search"
	ToolNameCallPaths          = "call_paths"
	ToolNameFuzzerReachable    = "fuzzer_reachable"
	ToolNameUnreachedFunctions = "unreached_functions"
)

// Result size defaults, applied when the caller leaves the bound unset.
const (
	// DefaultSearchLimit caps function_search matches.
	DefaultSearchLimit = 100

	// DefaultPathResults caps call_paths paths.
	DefaultPathResults = 20
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptySnapshotID indicates the snapshot_id parameter is empty.
	ErrEmptySnapshotID = errors.New("snapshot_id parameter is required and must not be empty")
	// ErrEmptyFunction indicates a required function name parameter is empty.
	ErrEmptyFunction = errors.New("function name parameter is required and must not be empty")
	// ErrEmptyPattern indicates the pattern parameter is empty.
	ErrEmptyPattern = errors.New("pattern parameter is required and must not be empty")
	// ErrEmptyFuzzer indicates the fuzzer parameter is empty.
	ErrEmptyFuzzer = errors.New("fuzzer parameter is required and must not be empty")
	// ErrSnapshotNotReady indicates the snapshot exists but is not queryable.
	ErrSnapshotNotReady = errors.New("snapshot is not queryable")
)

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

// completedSnapshot resolves a snapshot id to its catalog row and
// rejects anything not completed: a building snapshot is not queryable
// yet and a failed one never will be. A served query bumps the row's
// access stats so eviction sees MCP readers.
func (s *Server) completedSnapshot(ctx context.Context, id string) (*catalog.SnapshotRecord, error) {
	if id == "" {
		return nil, ErrEmptySnapshotID
	}

	rec, err := s.cat.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case catalog.StatusCompleted:
	case catalog.StatusBuilding:
		return nil, fmt.Errorf("%w: %s is still building", ErrSnapshotNotReady, id)
	default:
		return nil, fmt.Errorf("%w: %s failed: %s", ErrSnapshotNotReady, id, rec.Error)
	}

	if touchErr := s.cat.Touch(ctx, id); touchErr != nil {
		s.log.WarnContext(ctx, "access bump failed",
			slog.String("snapshot", id),
			slog.String("error", touchErr.Error()))
	}

	return rec, nil
}

// queryBound maps a tool bound onto store semantics: negative lifts
// the bound, zero picks the default, positives pass through. The store
// reads non-positive bounds as unbounded.
func queryBound(v, def int) int {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	default:
		return v
	}
}
