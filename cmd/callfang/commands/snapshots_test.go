package commands

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
)

func TestSnapshotsList_RendersAllRows(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "list")
	require.NoError(t, err)

	assert.Contains(t, out, ids.completed)
	assert.Contains(t, out, ids.building)
	assert.Contains(t, out, ids.failed)
	assert.Contains(t, out, "libfz")
	assert.Contains(t, out, "3 SNAPSHOTS")
}

func TestSnapshotsList_Filters(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "list", "--status", catalog.StatusCompleted)
	require.NoError(t, err)
	assert.Contains(t, out, ids.completed)
	assert.NotContains(t, out, ids.failed)
	assert.Contains(t, out, "1 SNAPSHOTS")

	out, err = runCLI(configPath, "snapshots", "list", "--repo", "zlib")
	require.NoError(t, err)
	assert.Contains(t, out, ids.failed)
	assert.NotContains(t, out, ids.completed)
}

func TestSnapshotsList_JSON(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "list", "--status", catalog.StatusFailed, "--format", "json")
	require.NoError(t, err)

	var rows []catalog.SnapshotRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, ids.failed, rows[0].ID)
	assert.Equal(t, "linker exploded", rows[0].Error)
}

func TestSnapshotsList_RejectsBadFormat(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)

	_, err := runCLI(configPath, "snapshots", "list", "--format", "xml")
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestSnapshotsShow_CompletedIncludesGraphStatistics(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "show", ids.completed)
	require.NoError(t, err)

	assert.Contains(t, out, "https://github.com/acme/libfz (libfz)")
	assert.Contains(t, out, "version:    v1.2.0")
	assert.Contains(t, out, "6 functions, 1 externals, 3 calls, 3 reach facts")
	assert.Contains(t, out, "fz_parse")
}

func TestSnapshotsShow_FailedRowSkipsStatistics(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "show", ids.failed)
	require.NoError(t, err)

	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "linker exploded")
	assert.NotContains(t, out, "graph:")
}

func TestSnapshotsShow_JSON(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "show", ids.completed, "--format", "json")
	require.NoError(t, err)

	var payload struct {
		Record     catalog.SnapshotRecord `json:"record"`
		Statistics *graphstore.Statistics `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))

	assert.Equal(t, ids.completed, payload.Record.ID)
	require.NotNil(t, payload.Statistics)
	assert.Equal(t, 6, payload.Statistics.FunctionCount)
	assert.Equal(t, 3, payload.Statistics.CallCount)
}

func TestSnapshotsShow_UnknownID(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	seedCatalog(t, configPath)

	_, err := runCLI(configPath, "snapshots", "show", "no-such-snapshot")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestSnapshotsDelete_EvictsGraphAndRow(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	out, err := runCLI(configPath, "snapshots", "delete", ids.completed)
	require.NoError(t, err)
	assert.Contains(t, out, "evicted "+ids.completed)

	_, err = runCLI(configPath, "snapshots", "show", ids.completed)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	env := openStore(t, configPath)
	defer env.close(t)

	has, err := env.store.HasSnapshot(context.Background(), ids.completed)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSnapshotsDelete_RefusesBuildingWithoutForce(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	_, err := runCLI(configPath, "snapshots", "delete", ids.building)
	require.ErrorIs(t, err, ErrDeleteBuilding)

	out, err := runCLI(configPath, "snapshots", "delete", ids.building, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "evicted "+ids.building)
}

func TestSnapshotsLogs_ListAndRead(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	ids := seedCatalog(t, configPath)

	env := openStore(t, configPath)
	sink := logsink.New(env.cfg.Logs.Dir)
	require.NoError(t, sink.Append(ids.completed, "build", "clang invoked"))
	require.NoError(t, sink.Append(ids.completed, "analysis", "wpa finished"))
	env.close(t)

	out, err := runCLI(configPath, "snapshots", "logs", ids.completed)
	require.NoError(t, err)
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "analysis")

	out, err = runCLI(configPath, "snapshots", "logs", ids.completed, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "clang invoked")
}

func TestSnapshotsGC_RemovesStrayGraph(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t)
	seedCatalog(t, configPath)

	// A graph without a catalog row is a stray, left behind by a crash
	// between graph commit and row update.
	env := openStore(t, configPath)
	seedGraph(t, env.store, "stray-graph")
	env.close(t)

	out, err := runCLI(configPath, "snapshots", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "sweep done in")

	env = openStore(t, configPath)
	defer env.close(t)

	has, err := env.store.HasSnapshot(context.Background(), "stray-graph")
	require.NoError(t, err)
	assert.False(t, has)
}
