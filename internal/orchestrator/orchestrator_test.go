package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/bitcode"
	"github.com/Sumatoshi-tech/callfang/internal/buildcmd"
	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/config"
	"github.com/Sumatoshi-tech/callfang/internal/gitinfo"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/harness"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
	"github.com/Sumatoshi-tech/callfang/internal/orchestrator"
	"github.com/Sumatoshi-tech/callfang/internal/storage"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

const libSource = `#include <string.h>

static int check_magic(const char *buf) {
	return strncmp(buf, "FZ", 2) == 0;
}

int parse_header(const char *buf, int n) {
	if (n < 2) {
		return -1;
	}
	return check_magic(buf);
}
`

const harnessSource = `#include <stdint.h>
#include <stddef.h>

int parse_header(const char *buf, int n);

int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
	if (size == 0) {
		return 0;
	}
	return parse_header((const char *)data, (int)size);
}
`

// moduleTemplate is the disassembly the fake builder emits; its debug
// records point back into the test project so metadata extraction runs
// for real.
const moduleTemplate = `; ModuleID = 'library.bc'
source_filename = "llvm-link"

define dso_local i32 @parse_header(i8* %%buf, i32 %%n) #0 !dbg !10 {
entry:
  ret i32 0
}

define internal i32 @check_magic(i8* %%buf) #0 !dbg !20 {
entry:
  ret i32 0
}

!10 = distinct !DISubprogram(name: "parse_header", scope: !2, file: !2, line: 7, unit: !0)
!20 = distinct !DISubprogram(name: "check_magic", scope: !2, file: !2, line: 3, unit: !0)
!2 = !DIFile(filename: "src/lib.c", directory: %q)
`

// writeProject lays out a small C library with one declared fuzzer and a
// plain Makefile.
func writeProject(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "fuzz"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "lib.c"), []byte(libSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fuzz", "fz_parse.c"), []byte(harnessSource), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Makefile"), []byte("all:\n\tcc -c src/lib.c\n"), 0o644))

	return root
}

func projectTicket(root string) *ticket.Ticket {
	return &ticket.Ticket{
		RepoURL: "https://github.com/acme/libfz",
		Version: "v1.2.0",
		Path:    root,
		FuzzerSources: map[string][]string{
			"fz_parse": {"fuzz/fz_parse.c"},
		},
	}
}

// fakeBuilder satisfies orchestrator.BitcodeBuilder without a compiler
// toolchain: it fabricates library.bc and a disassembly whose debug
// records reference the project tree.
type fakeBuilder struct {
	err error
}

func (f *fakeBuilder) Build(_ context.Context, req bitcode.Request) (*bitcode.Result, error) {
	if f.err != nil {
		return nil, f.err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}

	bcPath := filepath.Join(req.WorkDir, bitcode.LibraryBC)
	llPath := filepath.Join(req.WorkDir, bitcode.LibraryLL)

	if err := os.WriteFile(bcPath, []byte("BC\xc0\xde"), 0o644); err != nil {
		return nil, err
	}

	module := fmt.Sprintf(moduleTemplate, req.ProjectDir)
	if err := os.WriteFile(llPath, []byte(module), 0o644); err != nil {
		return nil, err
	}

	fmt.Fprintln(req.Output, "fake native build ok")

	return &bitcode.Result{BCPath: bcPath, LLPath: llPath, Linked: 1}, nil
}

// fakeBackend reports the functions joined from debug metadata plus one
// external, and a two-edge direct call chain.
type fakeBackend struct {
	missing []string
	err     error
}

func (f *fakeBackend) Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:         "svf",
		Languages:    []string{"c", "c++"},
		Capabilities: []string{backend.CapFunctionExtraction, backend.CapDirectCalls},
	}
}

func (f *fakeBackend) CheckPrerequisites(_ context.Context) []string {
	return f.missing
}

func (f *fakeBackend) Analyze(_ context.Context, req backend.Request) (*backend.Result, error) {
	if f.err != nil {
		return nil, f.err
	}

	functions := make([]backend.Function, 0, len(req.Metas)+1)
	for _, m := range req.Metas {
		functions = append(functions, backend.Function{
			Name:      m.OriginalName,
			IRName:    m.IRName,
			FilePath:  m.FilePath,
			StartLine: m.StartLine,
			EndLine:   m.EndLine,
			Content:   m.Content,
			IsDefined: true,
		})
	}

	functions = append(functions, backend.Function{Name: "strncmp", IRName: "strncmp"})

	edges := []backend.Edge{
		{Caller: "parse_header", Callee: "check_magic", CallType: backend.CallDirect, Confidence: 1},
		{Caller: "check_magic", Callee: "strncmp", CallType: backend.CallDirect, Confidence: 1},
	}

	fmt.Fprintln(req.Output, "fake analysis ok")

	return &backend.Result{
		Functions: functions,
		Edges:     edges,
		Language:  req.Language,
		Backend:   "svf",
		Duration:  time.Millisecond,
	}, nil
}

type env struct {
	orc          *orchestrator.Orchestrator
	cat          *catalog.Catalog
	store        *graphstore.Store
	logs         *logsink.Sink
	workspaceDir string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, builder orchestrator.BitcodeBuilder, be backend.Backend) *env {
	t.Helper()

	log := testLogger()

	db, err := storage.Open(config.StoreConfig{InMemory: true}, log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	cfg := &config.Config{
		Logs:      config.LogsConfig{Dir: t.TempDir()},
		Workspace: config.WorkspaceConfig{Dir: t.TempDir()},
		Admission: config.AdmissionConfig{
			StaleDeadlineSec: 1800,
			PollIntervalSec:  1,
			WaitDeadlineSec:  30,
		},
		Analysis: config.AnalysisConfig{Backend: "svf", ReachesMaxDepth: 50},
	}

	registry, err := backend.NewRegistry(be)
	require.NoError(t, err)

	parser, err := harness.New(log)
	require.NoError(t, err)

	cat := catalog.New(db, cfg.Admission, log)
	store := graphstore.New(db, log)
	logs := logsink.New(cfg.Logs.Dir)

	orc := orchestrator.New(cfg, cat, store, logs, registry, builder, parser, log)

	return &env{orc: orc, cat: cat, store: store, logs: logs, workspaceDir: cfg.Workspace.Dir}
}

func TestAnalyze_BuildsAndServesCacheHit(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	ctx := context.Background()
	tk := projectTicket(writeProject(t))

	out, err := env.orc.Analyze(ctx, tk)
	require.NoError(t, err)

	assert.False(t, out.Cached)
	assert.Equal(t, tk.RepoURL, out.RepoURL)
	assert.Equal(t, tk.Version, out.Version)
	assert.Equal(t, "svf", out.Backend)
	assert.Equal(t, 3, out.FunctionCount, "two library functions plus the entry function")
	assert.Equal(t, 3, out.EdgeCount, "two analyzer edges plus the harness bridge")
	assert.Equal(t, []string{"fz_parse"}, out.FuzzerNames)

	rec, err := env.cat.Get(ctx, out.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, rec.Status)
	assert.Equal(t, 5, rec.NodeCount, "functions, external, and fuzzer")
	assert.Equal(t, 3, rec.EdgeCount)
	assert.Equal(t, "c", rec.Language)
	assert.Positive(t, rec.SizeBytes)

	reached, err := env.store.ReachableByFuzzer(ctx, out.SnapshotID, "fz_parse", 0, 0)
	require.NoError(t, err)
	require.Len(t, reached, 3)
	assert.Equal(t, graphstore.ReachedFunction{Name: "parse_header", FilePath: "src/lib.c", Depth: 1}, reached[0])
	assert.Equal(t, graphstore.ReachedFunction{Name: "check_magic", FilePath: "src/lib.c", Depth: 2}, reached[1])
	assert.Equal(t, graphstore.ReachedFunction{Name: "strncmp", FilePath: "", Depth: 3}, reached[2])

	written, err := env.logs.Written(out.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, logsink.Phases, written, "every phase leaves a log stream")

	report, err := env.orc.LoadReport(out.SnapshotID)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.Equal(t, "c", report.Language)
	assert.Equal(t, "make", report.BuildSystem)
	assert.Equal(t, []string{"make -j$(nproc)"}, report.Commands)

	for _, p := range report.Phases {
		if p.Phase == logsink.PhaseAIRefine {
			assert.Equal(t, "skipped", p.Status)

			continue
		}

		assert.Equal(t, "completed", p.Status, p.Phase)
	}

	again, err := env.orc.Analyze(ctx, tk)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, out.SnapshotID, again.SnapshotID)
	assert.Equal(t, out.FunctionCount, again.FunctionCount)
	assert.Equal(t, out.EdgeCount, again.EdgeCount)

	rec, err = env.cat.Get(ctx, out.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AccessCount, "one cache hit after the build")
}

func TestAnalyze_WorkspaceRemoved(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	tk := projectTicket(writeProject(t))

	_, err := env.orc.Analyze(context.Background(), tk)
	require.NoError(t, err)

	entries, err := os.ReadDir(env.workspaceDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-build scratch space is removed on exit")
}

func TestAnalyze_InvalidTicket(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})

	_, err := env.orc.Analyze(context.Background(), &ticket.Ticket{
		RepoURL: "https://github.com/acme/libfz",
		Version: "v1.0.0",
	})
	require.ErrorIs(t, err, ticket.ErrInvalidTicket)

	rows, err := env.cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows, "validation failures insert no row")
}

func TestAnalyze_UnknownBackend(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	tk := projectTicket(writeProject(t))
	tk.Backend = "ghidra"

	_, err := env.orc.Analyze(context.Background(), tk)
	require.ErrorIs(t, err, backend.ErrUnknownBackend)

	rows, err := env.cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAnalyze_MissingPrerequisites(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{missing: []string{"wpa"}})
	ctx := context.Background()

	_, err := env.orc.Analyze(ctx, projectTicket(writeProject(t)))
	require.ErrorIs(t, err, backend.ErrAnalysisFailed)
	assert.Contains(t, err.Error(), "wpa")

	rows, err := env.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, catalog.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "missing prerequisites")
}

func TestAnalyze_BuildFailureThenRebuildUnderFreshID(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{err: fmt.Errorf("%w: cc exited 1", bitcode.ErrBuildFailed)}, &fakeBackend{})
	ctx := context.Background()
	tk := projectTicket(writeProject(t))

	_, err := env.orc.Analyze(ctx, tk)
	require.ErrorIs(t, err, bitcode.ErrBuildFailed)

	rows, err := env.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, catalog.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "cc exited 1")

	failedID := rows[0].ID

	report, err := env.orc.LoadReport(failedID)
	require.NoError(t, err)
	assert.False(t, report.Succeeded)

	env.orc.Builder = &fakeBuilder{}

	out, err := env.orc.Analyze(ctx, tk)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.NotEqual(t, failedID, out.SnapshotID, "rebuild after failure gets a fresh id")

	_, err = env.cat.Get(ctx, failedID)
	require.ErrorIs(t, err, catalog.ErrNotFound, "failed row replaced on re-admission")
}

func TestAnalyze_PeerFailureSurfaces(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	ctx := context.Background()
	tk := projectTicket(writeProject(t))

	key := catalog.Key{
		RepoURL:  tk.RepoURL,
		RepoName: tk.RepoName(),
		Version:  tk.Version,
		Backend:  "svf",
	}

	outcome, rec, err := env.cat.AcquireOrWait(ctx, key)
	require.NoError(t, err)
	require.Equal(t, catalog.OutcomeOwn, outcome)

	go func() {
		time.Sleep(300 * time.Millisecond)

		_ = env.cat.MarkFailed(ctx, rec.ID, errors.New("analyzer out of memory"))
	}()

	out, err := env.orc.Analyze(ctx, tk)
	require.ErrorIs(t, err, orchestrator.ErrPeerBuildFailed)
	assert.Contains(t, err.Error(), "analyzer out of memory")
	assert.Nil(t, out)
}

func TestAnalyze_BranchVersionRejectedBeforeAdmission(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	dir, _ := initRepo(t)

	tk := projectTicket(dir)
	tk.Version = "master"

	_, err := env.orc.Analyze(context.Background(), tk)
	require.ErrorIs(t, err, gitinfo.ErrVersionIsBranch)

	rows, err := env.cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAnalyze_EvictsUnderDiskPressureBeforeAdmission(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	ctx := context.Background()

	old := projectTicket(writeProject(t))
	old.RepoURL = "https://github.com/acme/oldlib"

	oldOut, err := env.orc.Analyze(ctx, old)
	require.NoError(t, err)

	sw := catalog.NewSweeper(env.cat, env.store, env.logs, t.TempDir(), config.EvictionConfig{
		DiskHighWaterPct: 80,
		DiskLowWaterPct:  70,
	}, testLogger())

	// Over the high-water mark on the first probe, relieved after one
	// eviction.
	pressured := true
	sw.SetUsageFunc(func(string) (float64, error) {
		if pressured {
			pressured = false

			return 90, nil
		}

		return 50, nil
	})
	env.orc.Sweeper = sw

	out, err := env.orc.Analyze(ctx, projectTicket(writeProject(t)))
	require.NoError(t, err)
	assert.False(t, out.Cached, "the evicted snapshot must not serve the new request")

	_, err = env.cat.Get(ctx, oldOut.SnapshotID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	has, err := env.store.HasSnapshot(ctx, oldOut.SnapshotID)
	require.NoError(t, err)
	assert.False(t, has, "eviction removes the graph, not just the row")
}

func TestAnalyze_NoBuildStrategy(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	ctx := context.Background()

	dir, hash := initRepo(t)
	tk := projectTicket(dir)
	tk.Version = hash

	_, err := env.orc.Analyze(ctx, tk)
	require.ErrorIs(t, err, buildcmd.ErrNoStrategy)

	rows, err := env.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, catalog.StatusFailed, rows[0].Status)
}

func TestAnalyzeAll_IndependentResults(t *testing.T) {
	t.Parallel()

	env := newEnv(t, &fakeBuilder{}, &fakeBackend{})
	root := writeProject(t)

	good := projectTicket(root)
	bad := &ticket.Ticket{RepoURL: "https://github.com/acme/empty", Version: "v1"}

	results := env.orc.AnalyzeAll(context.Background(), []*ticket.Ticket{good, bad}, 2)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Output.FunctionCount)

	require.ErrorIs(t, results[1].Err, ticket.ErrInvalidTicket)
	assert.Nil(t, results[1].Output)
}

// initRepo creates an on-disk repository with one commit on master and
// the harness layout minus any build marker.
func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fuzz"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzz", "fz_parse.c"), []byte(harnessSource), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)

	_, err = wt.Add("fuzz")
	require.NoError(t, err)

	sig := &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()}

	hash, err := wt.Commit("initial", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	return dir, hash.String()
}
