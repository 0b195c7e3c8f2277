package graphstore_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/config"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/storage"
)

func newStore(t *testing.T) *graphstore.Store {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.Open(config.StoreConfig{InMemory: true}, log)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return graphstore.New(db, log)
}

func TestStore_FunctionRoundTrip(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "https://github.com/acme/zlib", "abc123", "svf"))

	bigBody := strings.Repeat("    state->mode = TYPE; /* fall through to TYPE below */\n", 400)

	records := []graphstore.FunctionRecord{
		{
			Name:       "parse_header",
			FilePath:   "src/parse.c",
			StartLine:  10,
			EndLine:    42,
			Content:    "int parse_header(void) {\n  return 0;\n}\n",
			Language:   "c",
			ReturnType: "int",
			Parameters: []string{"void"},
			Complexity: 3,
		},
		{Name: "inflate", FilePath: "src/inflate.c", StartLine: 120, EndLine: 900, Content: bigBody, Language: "c"},
		{Name: "read_buf", FilePath: "src/inflate.c", StartLine: 60, EndLine: 80, Language: "c"},
		{Name: "memcpy"},
	}

	count, err := st.ImportFunctions(ctx, "s1", records)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	got, err := st.GetFunctionMetadata(ctx, "s1", "parse_header", "")
	require.NoError(t, err)
	assert.Equal(t, "src/parse.c", got.FilePath)
	assert.Equal(t, 10, got.StartLine)
	assert.Equal(t, 42, got.EndLine)
	assert.Equal(t, "int", got.ReturnType)
	assert.Equal(t, []string{"void"}, got.Parameters)
	assert.Equal(t, 3, got.Complexity)
	assert.Equal(t, "int parse_header(void) {\n  return 0;\n}\n", got.Content)

	big, err := st.GetFunctionMetadata(ctx, "s1", "inflate", "src/inflate.c")
	require.NoError(t, err)
	assert.Equal(t, bigBody, big.Content)

	bodyless, err := st.GetFunctionMetadata(ctx, "s1", "read_buf", "")
	require.NoError(t, err)
	assert.Empty(t, bodyless.Content)

	_, err = st.GetFunctionMetadata(ctx, "s1", "absent_fn", "")
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	_, err = st.GetFunctionMetadata(ctx, "s1", "parse_header", "src/wrong.c")
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	externals, err := st.ListExternalFunctionNames(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"memcpy"}, externals)

	// Re-importing the same records must not duplicate anything.
	count, err = st.ImportFunctions(ctx, "s1", records)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	infos, err := st.ListFunctionInfoByFile(ctx, "s1", "src/inflate.c")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "read_buf", infos[0].Name)
	assert.Equal(t, "inflate", infos[1].Name)
}

func TestStore_ImportFunctionsRejectsBadRecords(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{{FilePath: "src/a.c"}})
	require.ErrorIs(t, err, graphstore.ErrStore)

	_, err = st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{{Name: "f", FilePath: "/abs/a.c"}})
	require.ErrorIs(t, err, graphstore.ErrStore)
}

func TestStore_AmbiguousFunctionName(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "parse_header", FilePath: "src/a/parse.c", StartLine: 10, EndLine: 20},
		{Name: "parse_header", FilePath: "src/b/parse.c", StartLine: 30, EndLine: 44},
		{Name: "check_magic", FilePath: "src/a/parse.c", StartLine: 50, EndLine: 60},
	})
	require.NoError(t, err)

	_, err = st.GetFunctionMetadata(ctx, "s1", "parse_header", "")
	require.ErrorIs(t, err, graphstore.ErrAmbiguousFunction)
	assert.Contains(t, err.Error(), "src/a/parse.c")
	assert.Contains(t, err.Error(), "src/b/parse.c")

	got, err := st.GetFunctionMetadata(ctx, "s1", "parse_header", "src/b/parse.c")
	require.NoError(t, err)
	assert.Equal(t, 30, got.StartLine)

	unique, err := st.GetFunctionMetadata(ctx, "s1", "check_magic", "")
	require.NoError(t, err)
	assert.Equal(t, "src/a/parse.c", unique.FilePath)
}

func TestStore_SearchFunctions(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "png_read_info", FilePath: "src/pngread.c"},
		{Name: "png_read_row", FilePath: "src/pngread.c"},
		{Name: "png_write_row", FilePath: "src/pngwrite.c"},
		{Name: "do_things", FilePath: "src/misc.c"},
	})
	require.NoError(t, err)

	reads, err := st.SearchFunctions(ctx, "s1", "png_read*")
	require.NoError(t, err)
	require.Len(t, reads, 2)
	assert.Equal(t, "png_read_info", reads[0].Name)
	assert.Equal(t, "png_read_row", reads[1].Name)

	rows, err := st.SearchFunctions(ctx, "s1", "*_row")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "png_read_row", rows[0].Name)
	assert.Equal(t, "png_write_row", rows[1].Name)

	none, err := st.SearchFunctions(ctx, "s1", "zlib_*")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = st.SearchFunctions(ctx, "s1", "[")
	require.ErrorIs(t, err, graphstore.ErrStore)
}

func TestStore_EdgesCallersAndCallees(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "dispatch", FilePath: "src/dispatch.c"},
		{Name: "inflate", FilePath: "src/inflate.c"},
		{Name: "deflate", FilePath: "src/deflate.c"},
	})
	require.NoError(t, err)

	count, err := st.ImportEdges(ctx, "s1", []graphstore.CallEdge{
		{CallerName: "dispatch", CallerPath: "src/dispatch.c", CalleeName: "inflate", CalleePath: "src/inflate.c", CallType: graphstore.CallDirect, Confidence: 0.95, Backend: "svf"},
		{CallerName: "dispatch", CallerPath: "src/dispatch.c", CalleeName: "inflate", CalleePath: "src/inflate.c", CallType: graphstore.CallFptr, Confidence: 0.4, Backend: "svf"},
		{CallerName: "dispatch", CallerPath: "src/dispatch.c", CalleeName: "deflate", CalleePath: "src/deflate.c", CallType: graphstore.CallDirect, Confidence: 0.95, Backend: "svf"},
		{CallerName: "inflate", CalleeName: "memcpy", CallType: graphstore.CallDirect, Confidence: 0.9, Backend: "svf"},
		{CallerName: "ghost", CalleeName: "inflate", CalleePath: "src/inflate.c", CallType: graphstore.CallDirect, Confidence: 1, Backend: "svf"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, count, "the ghost-caller edge must be skipped")

	callees, err := st.GetCallees(ctx, "s1", "dispatch", "")
	require.NoError(t, err)
	require.Len(t, callees, 3)
	assert.Equal(t, "deflate", callees[0].Name)
	assert.Equal(t, graphstore.CallDirect, callees[0].CallType)
	assert.Equal(t, "inflate", callees[1].Name)
	assert.Equal(t, graphstore.CallDirect, callees[1].CallType)
	assert.Equal(t, graphstore.CallFptr, callees[2].CallType)
	assert.InDelta(t, 0.4, callees[2].Confidence, 1e-9)

	inflateCallees, err := st.GetCallees(ctx, "s1", "inflate", "")
	require.NoError(t, err)
	require.Len(t, inflateCallees, 1)
	assert.Equal(t, "memcpy", inflateCallees[0].Name)
	assert.True(t, inflateCallees[0].External)

	callers, err := st.GetCallers(ctx, "s1", "inflate", "")
	require.NoError(t, err)
	require.Len(t, callers, 2)
	assert.Equal(t, "dispatch", callers[0].Name)
	assert.Equal(t, graphstore.CallDirect, callers[0].CallType)
	assert.Equal(t, graphstore.CallFptr, callers[1].CallType)

	memcpyCallers, err := st.GetCallers(ctx, "s1", "memcpy", "")
	require.NoError(t, err)
	require.Len(t, memcpyCallers, 1)
	assert.Equal(t, "inflate", memcpyCallers[0].Name)

	memcpyCallees, err := st.GetCallees(ctx, "s1", "memcpy", "")
	require.NoError(t, err)
	assert.Empty(t, memcpyCallees)

	externals, err := st.ListExternalFunctionNames(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"memcpy"}, externals)

	_, err = st.ImportEdges(ctx, "s1", []graphstore.CallEdge{
		{CallerName: "dispatch", CalleeName: "inflate", CallType: "virtual", Confidence: 1},
	})
	require.ErrorIs(t, err, graphstore.ErrStore)

	_, err = st.ImportEdges(ctx, "s1", []graphstore.CallEdge{
		{CallerName: "dispatch", CalleeName: "inflate", CallType: graphstore.CallDirect, Confidence: 1.5},
	})
	require.ErrorIs(t, err, graphstore.ErrStore)
}

func TestStore_EdgeFanOutByName(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "parse_header", FilePath: "src/a/parse.c"},
		{Name: "parse_header", FilePath: "src/b/parse.c"},
		{Name: "handle", FilePath: "src/handle.c"},
	})
	require.NoError(t, err)

	// A name-only callee fans out to every function of that name.
	count, err := st.ImportEdges(ctx, "s1", []graphstore.CallEdge{
		{CallerName: "handle", CalleeName: "parse_header", CallType: graphstore.CallDirect, Confidence: 0.8, Backend: "svf"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	callees, err := st.GetCallees(ctx, "s1", "handle", "")
	require.NoError(t, err)
	require.Len(t, callees, 2)
	assert.Equal(t, "src/a/parse.c", callees[0].FilePath)
	assert.Equal(t, "src/b/parse.c", callees[1].FilePath)
}

func TestStore_ImportFuzzers(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "inflate", FilePath: "src/inflate.c"},
		{Name: "deflate", FilePath: "src/deflate.c"},
	})
	require.NoError(t, err)

	harnessSrc := "extern \"C\" int LLVMFuzzerTestOneInput(const uint8_t *d, size_t n) {\n  return run(d, n);\n}\n"
	helperSrc := "#pragma once\nint run(const uint8_t *d, size_t n);\n"

	count, err := st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{
		{
			Name:          "fz_inflate",
			EntryFunction: "LLVMFuzzerTestOneInput",
			Files: []graphstore.FuzzerFile{
				{Path: "fuzz/fz_inflate.cc", Source: harnessSrc},
				{Path: "fuzz/common.h", Source: helperSrc},
			},
			Focus:          "inflate",
			Language:       "c++",
			LibraryTargets: []string{"inflate", "not_in_graph"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	listed, err := st.ListFuzzerInfo(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "fz_inflate", listed[0].Name)
	assert.Equal(t, "fuzz/fz_inflate.cc", listed[0].EntryFile)
	require.Len(t, listed[0].Files, 2)
	assert.Empty(t, listed[0].Files[0].Source, "listing must not carry harness sources")

	meta, err := st.GetFuzzerMetadata(ctx, "s1", "fz_inflate")
	require.NoError(t, err)
	assert.Equal(t, harnessSrc, meta.Files[0].Source)
	assert.Equal(t, helperSrc, meta.Files[1].Source)

	_, err = st.GetFuzzerMetadata(ctx, "s1", "fz_absent")
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	entry, err := st.GetFunctionMetadata(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/fz_inflate.cc")
	require.NoError(t, err)
	assert.True(t, entry.IsEntryPoint)
	assert.InDelta(t, 1.0, entry.Confidence, 1e-9)

	callees, err := st.GetCallees(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/fz_inflate.cc")
	require.NoError(t, err)
	require.Len(t, callees, 1)
	assert.Equal(t, "inflate", callees[0].Name)
	assert.Equal(t, graphstore.HarnessBackend, callees[0].Backend)

	callers, err := st.GetCallers(ctx, "s1", "inflate", "")
	require.NoError(t, err)
	require.Len(t, callers, 1)
	assert.Equal(t, "LLVMFuzzerTestOneInput", callers[0].Name)

	_, err = st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{{Name: "fz_broken", EntryFunction: "LLVMFuzzerTestOneInput"}})
	require.ErrorIs(t, err, graphstore.ErrStore)

	_, err = st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{
		{Name: "fz_broken", Files: []graphstore.FuzzerFile{{Path: "fuzz/x.c"}}},
	})
	require.ErrorIs(t, err, graphstore.ErrStore)
}

func TestStore_SameNamedEntriesStayDistinct(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "unpack", FilePath: "src/unpack.c"},
		{Name: "render", FilePath: "src/render.c"},
	})
	require.NoError(t, err)

	// Two harnesses define the same canonical entry symbol in separate
	// translation units. Each must land as its own function node.
	_, err = st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{
		{
			Name:           "fz_a",
			EntryFunction:  "LLVMFuzzerTestOneInput",
			Files:          []graphstore.FuzzerFile{{Path: "fuzz/a.c", Source: "..."}},
			LibraryTargets: []string{"unpack"},
		},
		{
			Name:           "fz_b",
			EntryFunction:  "LLVMFuzzerTestOneInput",
			Files:          []graphstore.FuzzerFile{{Path: "fuzz/b.c", Source: "..."}},
			LibraryTargets: []string{"render"},
		},
	})
	require.NoError(t, err)

	entryA, err := st.GetFunctionMetadata(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/a.c")
	require.NoError(t, err)
	assert.True(t, entryA.IsEntryPoint)
	assert.Equal(t, "fuzz/a.c", entryA.FilePath)

	entryB, err := st.GetFunctionMetadata(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/b.c")
	require.NoError(t, err)
	assert.True(t, entryB.IsEntryPoint)
	assert.Equal(t, "fuzz/b.c", entryB.FilePath)

	_, err = st.GetFunctionMetadata(ctx, "s1", "LLVMFuzzerTestOneInput", "")
	require.ErrorIs(t, err, graphstore.ErrAmbiguousFunction)

	calleesA, err := st.GetCallees(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/a.c")
	require.NoError(t, err)
	require.Len(t, calleesA, 1)
	assert.Equal(t, "unpack", calleesA[0].Name)

	calleesB, err := st.GetCallees(ctx, "s1", "LLVMFuzzerTestOneInput", "fuzz/b.c")
	require.NoError(t, err)
	require.Len(t, calleesB, 1)
	assert.Equal(t, "render", calleesB[0].Name)

	_, err = st.ImportReaches(ctx, "s1", []graphstore.ReachRecord{
		{FuzzerName: "fz_a", FunctionName: "unpack", FunctionFilePath: "src/unpack.c", Depth: 1},
		{FuzzerName: "fz_b", FunctionName: "render", FunctionFilePath: "src/render.c", Depth: 1},
	})
	require.NoError(t, err)

	reachedA, err := st.ReachableByFuzzer(ctx, "s1", "fz_a", 0, 0)
	require.NoError(t, err)
	require.Len(t, reachedA, 1)
	assert.Equal(t, "unpack", reachedA[0].Name)

	reachedB, err := st.ReachableByFuzzer(ctx, "s1", "fz_b", 0, 0)
	require.NoError(t, err)
	require.Len(t, reachedB, 1)
	assert.Equal(t, "render", reachedB[0].Name)
}

func TestStore_ReachesLifecycle(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "repo", "v1", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "unpack", FilePath: "src/unpack.c", StartLine: 10},
		{Name: "decode_block", FilePath: "src/decode.c", StartLine: 20},
		{Name: "emit", FilePath: "src/emit.c", StartLine: 30},
		{Name: "dead_code", FilePath: "src/legacy.c", StartLine: 40},
	})
	require.NoError(t, err)

	_, err = st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{
		{
			Name:           "fz_unpack",
			EntryFunction:  "LLVMFuzzerTestOneInput",
			Files:          []graphstore.FuzzerFile{{Path: "fuzz/fz_unpack.c", Source: "..."}},
			LibraryTargets: []string{"unpack"},
		},
	})
	require.NoError(t, err)

	count, err := st.ImportReaches(ctx, "s1", []graphstore.ReachRecord{
		{FuzzerName: "fz_unpack", FunctionName: "unpack", FunctionFilePath: "src/unpack.c", Depth: 1},
		{FuzzerName: "fz_unpack", FunctionName: "decode_block", FunctionFilePath: "src/decode.c", Depth: 2},
		{FuzzerName: "fz_unpack", FunctionName: "emit", FunctionFilePath: "src/emit.c", Depth: 3},
		{FuzzerName: "fz_unpack", FunctionName: "never_imported", Depth: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count, "the unresolved target must be skipped")

	_, err = st.ImportReaches(ctx, "s1", []graphstore.ReachRecord{
		{FuzzerName: "fz_unpack", FunctionName: "unpack", FunctionFilePath: "src/unpack.c", Depth: 0},
	})
	require.ErrorIs(t, err, graphstore.ErrStore)

	all, err := st.ReachableByFuzzer(ctx, "s1", "fz_unpack", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "unpack", all[0].Name)
	assert.Equal(t, 1, all[0].Depth)
	assert.Equal(t, "decode_block", all[1].Name)
	assert.Equal(t, "emit", all[2].Name)

	atTwo, err := st.ReachableByFuzzer(ctx, "s1", "fz_unpack", 2, 0)
	require.NoError(t, err)
	require.Len(t, atTwo, 1)
	assert.Equal(t, "decode_block", atTwo[0].Name)

	capped, err := st.ReachableByFuzzer(ctx, "s1", "fz_unpack", 0, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)

	_, err = st.ReachableByFuzzer(ctx, "s1", "fz_ghost", 0, 0)
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	unreached, err := st.UnreachedFunctions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, unreached, 1)
	assert.Equal(t, "dead_code", unreached[0].Name)
}

func TestStore_StatisticsAndDelete(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSnapshot(ctx, "s1", "https://github.com/acme/zlib", "abc123", "svf"))
	require.NoError(t, st.CreateSnapshot(ctx, "s2", "https://github.com/acme/png", "def456", "svf"))

	_, err := st.ImportFunctions(ctx, "s1", []graphstore.FunctionRecord{
		{Name: "inflate", FilePath: "src/inflate.c"},
		{Name: "read_buf", FilePath: "src/read.c"},
	})
	require.NoError(t, err)

	_, err = st.ImportEdges(ctx, "s1", []graphstore.CallEdge{
		{CallerName: "read_buf", CalleeName: "inflate", CallType: graphstore.CallDirect, Confidence: 1, Backend: "svf"},
		{CallerName: "inflate", CalleeName: "memcpy", CallType: graphstore.CallDirect, Confidence: 0.9, Backend: "svf"},
	})
	require.NoError(t, err)

	_, err = st.ImportFuzzers(ctx, "s1", []graphstore.FuzzerInfo{
		{
			Name:           "fz_inflate",
			EntryFunction:  "LLVMFuzzerTestOneInput",
			Files:          []graphstore.FuzzerFile{{Path: "fuzz/fz_inflate.c", Source: "..."}},
			LibraryTargets: []string{"inflate"},
		},
	})
	require.NoError(t, err)

	_, err = st.ImportReaches(ctx, "s1", []graphstore.ReachRecord{
		{FuzzerName: "fz_inflate", FunctionName: "inflate", FunctionFilePath: "src/inflate.c", Depth: 1},
	})
	require.NoError(t, err)

	_, err = st.ImportFunctions(ctx, "s2", []graphstore.FunctionRecord{
		{Name: "png_read_info", FilePath: "src/pngread.c"},
	})
	require.NoError(t, err)

	stats, err := st.GetStatistics(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", stats.SnapshotID)
	assert.Equal(t, "https://github.com/acme/zlib", stats.RepoURL)
	assert.Equal(t, "abc123", stats.Version)
	assert.Equal(t, "svf", stats.Backend)
	assert.False(t, stats.CreatedAt.IsZero())
	assert.Equal(t, 3, stats.FunctionCount, "two library functions plus the entry function")
	assert.Equal(t, 1, stats.ExternalCount)
	assert.Equal(t, 1, stats.FuzzerCount)
	assert.Equal(t, 3, stats.CallCount)
	assert.Equal(t, 1, stats.ReachCount)
	assert.Equal(t, map[int]int{1: 1}, stats.DepthHistogram)
	assert.Equal(t, map[string]int{"fz_inflate": 1}, stats.ReachedPerFuzzer)

	preview, err := st.RawScan(ctx, "s/s1/", 2)
	require.NoError(t, err)
	assert.Len(t, preview, 2)

	ids, err := st.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)

	size, err := st.SnapshotSize(ctx, "s1")
	require.NoError(t, err)
	assert.Positive(t, size)

	require.NoError(t, st.DeleteSnapshot(ctx, "s1"))

	_, err = st.GetStatistics(ctx, "s1")
	require.ErrorIs(t, err, graphstore.ErrNotFound)

	leftovers, err := st.RawScan(ctx, "s/s1/", 0)
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	ids, err = st.ListSnapshotIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)

	survivor, err := st.GetStatistics(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, survivor.FunctionCount)

	_, err = st.GetStatistics(ctx, "s_absent")
	require.ErrorIs(t, err, graphstore.ErrNotFound)
}
