package graphstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
)

func TestDiffSnapshots_AddedRemovedChanged(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "v1", "https://github.com/acme/zlib", "v1.2.0", "svf"))
	require.NoError(t, st.CreateSnapshot(ctx, "v2", "https://github.com/acme/zlib", "v1.3.0", "svf"))

	_, err := st.ImportFunctions(ctx, "v1", []graphstore.FunctionRecord{
		{Name: "parse_header", FilePath: "src/parse.c", StartLine: 10, EndLine: 42, Content: "int parse_header(void) { return 0; }\n"},
		{Name: "checksum", FilePath: "src/crc.c", StartLine: 5, EndLine: 9, Content: "u32 checksum(u32 c) { return c; }\n"},
		{Name: "legacy_init", FilePath: "src/init.c", StartLine: 1, EndLine: 8, Content: "void legacy_init(void) {}\n"},
		{Name: "span_only", FilePath: "src/misc.c", StartLine: 1, EndLine: 10},
		{Name: "memcpy"},
	})
	require.NoError(t, err)

	_, err = st.ImportFunctions(ctx, "v2", []graphstore.FunctionRecord{
		{Name: "parse_header", FilePath: "src/parse.c", StartLine: 12, EndLine: 44, Content: "int parse_header(void) { return 0; }\n"},
		{Name: "checksum", FilePath: "src/crc.c", StartLine: 5, EndLine: 14, Content: "u32 checksum(u32 c) { return crc_table[c]; }\n"},
		{Name: "new_helper", FilePath: "src/parse.c", StartLine: 50, EndLine: 60, Content: "static int new_helper(void) { return 1; }\n"},
		{Name: "span_only", FilePath: "src/misc.c", StartLine: 1, EndLine: 14},
		{Name: "memcpy"},
		{Name: "LLVMFuzzerTestOneInput", FilePath: "fuzz/fz.c", StartLine: 1, EndLine: 5, IsEntryPoint: true},
	})
	require.NoError(t, err)

	diff, err := st.DiffSnapshots(ctx, "v1", "v2")
	require.NoError(t, err)

	assert.Equal(t, "v1", diff.OldID)
	assert.Equal(t, "v2", diff.NewID)

	// Externals and the harness entry do not count as added.
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "new_helper", diff.Added[0].Name)
	assert.Equal(t, "src/parse.c", diff.Added[0].FilePath)

	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "legacy_init", diff.Removed[0].Name)

	// parse_header shifted lines but kept its body, so only checksum and
	// the bodyless span_only count as changed. Ordering is by file path.
	require.Len(t, diff.Changed, 2)

	checksum := diff.Changed[0]
	assert.Equal(t, "checksum", checksum.Name)
	assert.Equal(t, "src/crc.c", checksum.FilePath)
	assert.Equal(t, 5, checksum.OldStartLine)
	assert.Equal(t, 9, checksum.OldEndLine)
	assert.Equal(t, 14, checksum.NewEndLine)
	assert.Contains(t, checksum.OldContent, "return c;")
	assert.Contains(t, checksum.NewContent, "crc_table")

	spanOnly := diff.Changed[1]
	assert.Equal(t, "span_only", spanOnly.Name)
	assert.Empty(t, spanOnly.OldContent)
	assert.Empty(t, spanOnly.NewContent)
}

func TestDiffSnapshots_IdenticalSnapshotsAreQuiet(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	records := []graphstore.FunctionRecord{
		{Name: "parse_header", FilePath: "src/parse.c", StartLine: 10, EndLine: 42, Content: "int parse_header(void) { return 0; }\n"},
	}

	require.NoError(t, st.CreateSnapshot(ctx, "a", "https://github.com/acme/zlib", "v1.2.0", "svf"))
	require.NoError(t, st.CreateSnapshot(ctx, "b", "https://github.com/acme/zlib", "v1.2.0", "phasar"))

	_, err := st.ImportFunctions(ctx, "a", records)
	require.NoError(t, err)
	_, err = st.ImportFunctions(ctx, "b", records)
	require.NoError(t, err)

	diff, err := st.DiffSnapshots(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Changed)
}

func TestDiffSnapshots_MissingSnapshot(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "v1", "https://github.com/acme/zlib", "v1.2.0", "svf"))

	_, err := st.DiffSnapshots(ctx, "v1", "ghost")
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	_, err = st.DiffSnapshots(ctx, "ghost", "v1")
	require.ErrorIs(t, err, graphstore.ErrNotFound)
}
