package mcp

import (
	"context"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
)

// SnapshotListInput is the input schema for the snapshot_list tool.
type SnapshotListInput struct {
	Repo   string `json:"repo,omitempty"   jsonschema:"only snapshots whose repository URL or name contains this substring"`
	Status string `json:"status,omitempty" jsonschema:"only snapshots with this status (building completed failed)"`
}

// SnapshotListing is the snapshot_list result payload.
type SnapshotListing struct {
	Snapshots []catalog.SnapshotRecord `json:"snapshots"`
	Count     int                      `json:"count"`
}

// handleSnapshotList serves snapshot_list. Unlike the graph tools it
// reads only the catalog, so building and failed rows are visible.
func (s *Server) handleSnapshotList(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input SnapshotListInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	rows, err := s.cat.List(ctx)
	if err != nil {
		return errorResult(err)
	}

	kept := make([]catalog.SnapshotRecord, 0, len(rows))

	for _, rec := range rows {
		if input.Status != "" && rec.Status != input.Status {
			continue
		}

		if input.Repo != "" &&
			!strings.Contains(rec.RepoURL, input.Repo) &&
			!strings.Contains(rec.RepoName, input.Repo) {
			continue
		}

		kept = append(kept, rec)
	}

	return jsonResult(SnapshotListing{Snapshots: kept, Count: len(kept)})
}

// SnapshotStatsInput is the input schema for the snapshot_stats tool.
type SnapshotStatsInput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"id of a completed snapshot"`
}

// handleSnapshotStats serves snapshot_stats.
func (s *Server) handleSnapshotStats(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input SnapshotStatsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if _, err := s.completedSnapshot(ctx, input.SnapshotID); err != nil {
		return errorResult(err)
	}

	stats, err := s.store.GetStatistics(ctx, input.SnapshotID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(stats)
}
