package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/bitcode"
	"github.com/Sumatoshi-tech/callfang/internal/buildcmd"
	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/harness"
	"github.com/Sumatoshi-tech/callfang/internal/irmeta"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
	"github.com/Sumatoshi-tech/callfang/internal/probe"
	"github.com/Sumatoshi-tech/callfang/internal/reaches"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

// workspacePerm is the mode for per-build scratch directories.
const workspacePerm = 0o755

// buildState is the mutable context one build threads through its phases.
type buildState struct {
	id     string
	report *BuildReport
}

// runBuild owns the OutcomeOwn path: it executes the phases, persists
// the build report on every exit, and transitions the catalog row. Any
// phase error marks the row failed and is returned to the caller
// unchanged.
func (o *Orchestrator) runBuild(
	ctx context.Context,
	tk *ticket.Ticket,
	be backend.Backend,
	rec *catalog.SnapshotRecord,
) (*AnalysisOutput, error) {
	start := time.Now()

	if o.Metrics != nil {
		done := o.Metrics.TrackBuild(ctx)
		defer done()
	}

	o.log.InfoContext(ctx, "build started",
		slog.String("snapshot", rec.ID),
		slog.String("repo", rec.RepoName),
		slog.String("version", rec.Version))

	st := &buildState{id: rec.ID, report: newBuildReport(rec, tk, start.UTC())}

	out, err := o.executeBuild(ctx, tk, be, rec, st, start)

	st.report.FinishedAt = time.Now().UTC()
	st.report.Succeeded = err == nil
	o.saveReport(ctx, rec.ID, st.report)

	if err != nil {
		if markErr := o.Catalog.MarkFailed(ctx, rec.ID, err); markErr != nil {
			o.log.ErrorContext(ctx, "build failure not recorded",
				slog.String("snapshot", rec.ID),
				slog.String("error", markErr.Error()))
		}

		return nil, err
	}

	o.log.InfoContext(ctx, "build completed",
		slog.String("snapshot", rec.ID),
		slog.Duration("took", time.Since(start)))

	return out, nil
}

// executeBuild runs the phase sequence inside a per-build workspace that
// is removed on every exit path.
func (o *Orchestrator) executeBuild(
	ctx context.Context,
	tk *ticket.Ticket,
	be backend.Backend,
	rec *catalog.SnapshotRecord,
	st *buildState,
	start time.Time,
) (*AnalysisOutput, error) {
	if err := checkPrerequisites(ctx, be); err != nil {
		progress := st.report.phase(logsink.PhaseSVF)
		progress.Status = StatusFailed
		progress.Error = err.Error()
		o.emitProgress(ctx, st.id, progress)

		return nil, err
	}

	workspace := filepath.Join(o.cfg.Workspace.Dir, rec.ID)
	if err := os.MkdirAll(workspace, workspacePerm); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			o.log.WarnContext(ctx, "workspace not removed",
				slog.String("dir", workspace),
				slog.String("error", rmErr.Error()))
		}
	}()

	var (
		co   *Checkout
		info *probe.ProjectInfo
	)

	err := o.runPhase(ctx, st, logsink.PhaseProbe, func(ctx context.Context) (string, error) {
		var phaseErr error

		co, phaseErr = o.materializer().Materialize(ctx, tk, workspace)
		if phaseErr != nil {
			return "", phaseErr
		}

		info, phaseErr = probe.Probe(co.Dir, tk.DiffFiles)
		if phaseErr != nil {
			return "", phaseErr
		}

		if tk.Language != "" {
			info.Language = tk.Language
		}

		return fmt.Sprintf("%s; language=%s build_system=%s sources=%d",
			co.describe(), info.Language, info.BuildSystem, len(info.SourceFiles)), nil
	})
	if err != nil {
		return nil, err
	}

	st.report.Language = info.Language
	st.report.BuildSystem = info.BuildSystem

	var cmd buildcmd.BuildCommand

	err = o.runPhase(ctx, st, logsink.PhaseBuildCmd, func(_ context.Context) (string, error) {
		var phaseErr error

		cmd, phaseErr = buildcmd.Resolve(tk, info)
		if phaseErr != nil {
			return "", phaseErr
		}

		return fmt.Sprintf("%d commands, source=%s confidence=%.1f",
			len(cmd.Commands), cmd.Source, cmd.Confidence), nil
	})
	if err != nil {
		return nil, err
	}

	st.report.Commands = cmd.Commands

	var (
		bcRes *bitcode.Result
		metas []irmeta.FunctionMeta
	)

	err = o.runPhase(ctx, st, logsink.PhaseBitcode, func(ctx context.Context) (string, error) {
		out := o.phaseWriter(ctx, st.id, logsink.PhaseBitcode)
		defer out.Close()

		var phaseErr error

		bcRes, phaseErr = o.Builder.Build(ctx, bitcode.Request{
			ProjectDir:    co.Dir,
			WorkDir:       filepath.Join(workspace, "bitcode"),
			Commands:      cmd.Commands,
			FuzzerSources: tk.AllFuzzerSources(),
			Output:        out,
		})
		if phaseErr != nil {
			return "", phaseErr
		}

		metas, phaseErr = irmeta.Extract(bcRes.LLPath, co.Dir)
		if phaseErr != nil {
			return "", phaseErr
		}

		return fmt.Sprintf("linked=%d excluded=%d metas=%d",
			bcRes.Linked, len(bcRes.Excluded), len(metas)), nil
	})
	if err != nil {
		return nil, err
	}

	var res *backend.Result

	err = o.runPhase(ctx, st, logsink.PhaseSVF, func(ctx context.Context) (string, error) {
		analysisDir := filepath.Join(workspace, "analysis")
		if mkErr := os.MkdirAll(analysisDir, workspacePerm); mkErr != nil {
			return "", fmt.Errorf("%w: create analysis dir: %v", backend.ErrAnalysisFailed, mkErr)
		}

		out := o.phaseWriter(ctx, st.id, logsink.PhaseSVF)
		defer out.Close()

		var phaseErr error

		res, phaseErr = be.Analyze(ctx, backend.Request{
			BCPath:   bcRes.BCPath,
			Language: info.Language,
			WorkDir:  analysisDir,
			Metas:    metas,
			Output:   out,
		})
		if phaseErr != nil {
			return "", phaseErr
		}

		return fmt.Sprintf("functions=%d edges=%d", len(res.Functions), len(res.Edges)), nil
	})
	if err != nil {
		return nil, err
	}

	st.report.Warnings = append(st.report.Warnings, res.Warnings...)

	var bridges map[string][]string

	err = o.runPhase(ctx, st, logsink.PhaseFuzzerParse, func(ctx context.Context) (string, error) {
		var phaseErr error

		bridges, phaseErr = o.Parser.LibraryCalls(ctx, harness.Request{
			ProjectDir:       co.Dir,
			Fuzzers:          tk.FuzzerSources,
			LibraryFunctions: definedNames(res.Functions),
			Language:         info.Language,
		})
		if phaseErr != nil {
			return "", phaseErr
		}

		return fmt.Sprintf("fuzzers=%d targets=%d", len(bridges), targetCount(bridges)), nil
	})
	if err != nil {
		return nil, err
	}

	res = o.runRefine(ctx, st, res)

	var stats *graphstore.Statistics

	err = o.runPhase(ctx, st, logsink.PhaseImport, func(ctx context.Context) (string, error) {
		var phaseErr error

		stats, phaseErr = o.importGraph(ctx, tk, rec, info.Language, co, res, bridges, start)
		if phaseErr != nil {
			return "", phaseErr
		}

		return fmt.Sprintf("functions=%d externals=%d fuzzers=%d calls=%d reaches=%d",
			stats.FunctionCount, stats.ExternalCount, stats.FuzzerCount,
			stats.CallCount, stats.ReachCount), nil
	})
	if err != nil {
		return nil, err
	}

	st.report.Functions = stats.FunctionCount
	st.report.Externals = stats.ExternalCount
	st.report.Fuzzers = stats.FuzzerCount
	st.report.Calls = stats.CallCount
	st.report.Reaches = stats.ReachCount

	return &AnalysisOutput{
		SnapshotID:    rec.ID,
		RepoURL:       tk.RepoURL,
		Version:       tk.Version,
		Backend:       rec.Backend,
		FunctionCount: stats.FunctionCount,
		EdgeCount:     stats.CallCount,
		FuzzerNames:   tk.FuzzerNames(),
		Cached:        false,
	}, nil
}

// runPhase executes one phase under a span, records its lifecycle in the
// report and the phase log stream, and feeds the phase metrics. The
// phase function returns a human-readable completion detail.
func (o *Orchestrator) runPhase(
	ctx context.Context,
	st *buildState,
	phase string,
	fn func(ctx context.Context) (string, error),
) error {
	progress := st.report.phase(phase)
	progress.Status = StatusRunning
	progress.Start = time.Now().UTC()

	o.emitProgress(ctx, st.id, progress)

	ctx, span := o.tracer().Start(ctx, "callfang.phase",
		trace.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("snapshot", st.id),
		))
	defer span.End()

	detail, err := fn(ctx)

	progress.End = time.Now().UTC()

	if err != nil {
		progress.Status = StatusFailed
		progress.Error = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		progress.Status = StatusCompleted
		progress.Detail = detail
	}

	o.emitProgress(ctx, st.id, progress)

	if o.Metrics != nil {
		o.Metrics.RecordPhase(ctx, phase, progress.Status, phaseDuration(progress))
	}

	if err != nil {
		o.log.ErrorContext(ctx, "phase failed",
			slog.String("snapshot", st.id),
			slog.String("phase", phase),
			slog.String("error", err.Error()))

		return err
	}

	o.log.InfoContext(ctx, "phase completed",
		slog.String("snapshot", st.id),
		slog.String("phase", phase),
		slog.Duration("took", phaseDuration(progress)),
		slog.String("detail", detail))

	return nil
}

// materializer returns the configured Materializer or the git default.
func (o *Orchestrator) materializer() Materializer {
	if o.Materialize != nil {
		return o.Materialize
	}

	return gitMaterializer{}
}

// phaseWriter opens the phase log for subprocess output. An unavailable
// log stream degrades to a discarding writer rather than failing the
// build.
func (o *Orchestrator) phaseWriter(ctx context.Context, id, phase string) io.WriteCloser {
	w, err := o.Logs.Writer(id, phase)
	if err != nil {
		o.log.WarnContext(ctx, "phase log unavailable",
			slog.String("snapshot", id),
			slog.String("phase", phase),
			slog.String("error", err.Error()))

		return nopWriteCloser{}
	}

	return w
}

// nopWriteCloser discards subprocess output when the log sink is down.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// importGraph commits the analysis into the graph store in the mandated
// order — functions, externals, calls, fuzzers, reaches — and finishes
// by flipping the catalog row to completed.
func (o *Orchestrator) importGraph(
	ctx context.Context,
	tk *ticket.Ticket,
	rec *catalog.SnapshotRecord,
	language string,
	co *Checkout,
	res *backend.Result,
	bridges map[string][]string,
	start time.Time,
) (*graphstore.Statistics, error) {
	id := rec.ID

	if err := o.Store.CreateSnapshot(ctx, id, tk.RepoURL, tk.Version, rec.Backend); err != nil {
		return nil, err
	}

	defined, externals, irToKey := splitFunctions(res, language)

	if _, err := o.Store.ImportFunctions(ctx, id, defined); err != nil {
		return nil, err
	}

	if _, err := o.Store.ImportFunctions(ctx, id, externals); err != nil {
		return nil, err
	}

	if _, err := o.Store.ImportEdges(ctx, id, mapEdges(res, irToKey)); err != nil {
		return nil, err
	}

	fuzzers, err := assembleFuzzers(tk, co.Dir, language, bridges)
	if err != nil {
		return nil, err
	}

	if _, err := o.Store.ImportFuzzers(ctx, id, fuzzers); err != nil {
		return nil, err
	}

	reachRecords, err := o.computeReaches(ctx, id, fuzzers)
	if err != nil {
		return nil, err
	}

	if _, err := o.Store.ImportReaches(ctx, id, reachRecords); err != nil {
		return nil, err
	}

	stats, err := o.Store.GetStatistics(ctx, id)
	if err != nil {
		return nil, err
	}

	size, sizeErr := o.Store.SnapshotSize(ctx, id)
	if sizeErr != nil {
		o.log.WarnContext(ctx, "snapshot size unavailable",
			slog.String("snapshot", id),
			slog.String("error", sizeErr.Error()))
	}

	done := catalog.Completion{
		NodeCount:   stats.FunctionCount + stats.ExternalCount + stats.FuzzerCount,
		EdgeCount:   stats.CallCount,
		FuzzerNames: tk.FuzzerNames(),
		Language:    language,
		Duration:    time.Since(start),
		SizeBytes:   size,
	}

	if err := o.Catalog.MarkCompleted(ctx, id, done); err != nil {
		return nil, err
	}

	return stats, nil
}

// splitFunctions converts analyzer functions into store records,
// separating defined functions from externals, and builds the IR-name
// to identity mapping used to resolve edge endpoints. A function the
// analyzer considers defined but that joined no debug metadata has no
// file path and degrades to an External record.
func splitFunctions(res *backend.Result, language string) (
	defined, externals []graphstore.FunctionRecord,
	irToKey map[string]graphstore.FunctionKey,
) {
	irToKey = make(map[string]graphstore.FunctionKey, len(res.Functions))

	for _, fn := range res.Functions {
		if fn.IsDefined && fn.FilePath != "" {
			rec := graphstore.FunctionRecord{
				Name:      fn.Name,
				FilePath:  fn.FilePath,
				StartLine: fn.StartLine,
				EndLine:   fn.EndLine,
				Content:   fn.Content,
				Language:  language,
			}

			defined = append(defined, rec)
			irToKey[fn.IRName] = rec.Key()

			continue
		}

		externals = append(externals, graphstore.FunctionRecord{Name: fn.Name})
		irToKey[fn.IRName] = graphstore.FunctionKey{Name: fn.Name}
	}

	return defined, externals, irToKey
}

// definedNames lists the source-level names of defined functions; the
// harness parser matches call sites against this library set.
func definedNames(functions []backend.Function) []string {
	names := make([]string, 0, len(functions))

	for _, fn := range functions {
		if fn.IsDefined {
			names = append(names, fn.Name)
		}
	}

	slices.Sort(names)

	return slices.Compact(names)
}

// mapEdges translates analyzer edges, whose endpoints are IR symbols,
// into store edges keyed by (name, file_path). Endpoints outside the
// mapping stay name-only; the store resolves or fans them out.
func mapEdges(res *backend.Result, irToKey map[string]graphstore.FunctionKey) []graphstore.CallEdge {
	edges := make([]graphstore.CallEdge, 0, len(res.Edges))

	for _, e := range res.Edges {
		edge := graphstore.CallEdge{
			CallType:   e.CallType,
			Confidence: e.Confidence,
			Backend:    res.Backend,
		}

		if key, ok := irToKey[e.Caller]; ok {
			edge.CallerName, edge.CallerPath = key.Name, key.FilePath
		} else {
			edge.CallerName = e.Caller
		}

		if key, ok := irToKey[e.Callee]; ok {
			edge.CalleeName, edge.CalleePath = key.Name, key.FilePath
		} else {
			edge.CalleeName = e.Callee
		}

		edges = append(edges, edge)
	}

	return edges
}

// assembleFuzzers builds the fuzzer import records: every declared
// harness source is read verbatim from the checkout, and the bridge
// targets computed by the harness parser become the entry function's
// library calls.
func assembleFuzzers(
	tk *ticket.Ticket,
	projectDir, language string,
	bridges map[string][]string,
) ([]graphstore.FuzzerInfo, error) {
	names := tk.FuzzerNames()
	fuzzers := make([]graphstore.FuzzerInfo, 0, len(names))

	for _, name := range names {
		sources := tk.FuzzerSources[name]
		files := make([]graphstore.FuzzerFile, 0, len(sources))

		for _, src := range sources {
			data, err := os.ReadFile(filepath.Join(projectDir, src))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", harness.ErrMissingSource, src, err)
			}

			files = append(files, graphstore.FuzzerFile{Path: src, Source: string(data)})
		}

		fuzzers = append(fuzzers, graphstore.FuzzerInfo{
			Name:           name,
			EntryFunction:  harness.EntryFunction,
			Files:          files,
			Language:       language,
			LibraryTargets: bridges[name],
		})
	}

	return fuzzers, nil
}

// computeReaches materializes per-fuzzer reachability over the committed
// call edges: a bounded BFS from each fuzzer's entry function records
// the minimum depth of every function it can reach.
func (o *Orchestrator) computeReaches(
	ctx context.Context,
	id string,
	fuzzers []graphstore.FuzzerInfo,
) ([]graphstore.ReachRecord, error) {
	adj, err := o.Store.CallAdjacency(ctx, id)
	if err != nil {
		return nil, err
	}

	records := []graphstore.ReachRecord{}

	for _, fz := range fuzzers {
		entry := graphstore.FunctionKey{Name: fz.EntryFunction, FilePath: fz.Files[0].Path}

		for key, depth := range reaches.Compute(adj, entry, o.cfg.Analysis.ReachesMaxDepth) {
			// The entry function is never its own reach target.
			if key == entry {
				continue
			}

			records = append(records, graphstore.ReachRecord{
				FuzzerName:       fz.Name,
				FunctionName:     key.Name,
				FunctionFilePath: key.FilePath,
				Depth:            depth,
			})
		}
	}

	slices.SortFunc(records, func(a, b graphstore.ReachRecord) int {
		if c := strings.Compare(a.FuzzerName, b.FuzzerName); c != 0 {
			return c
		}

		if c := strings.Compare(a.FunctionName, b.FunctionName); c != 0 {
			return c
		}

		return strings.Compare(a.FunctionFilePath, b.FunctionFilePath)
	})

	return records, nil
}

// phaseDuration returns the elapsed time of one finished phase.
func phaseDuration(p *PhaseProgress) time.Duration {
	return p.End.Sub(p.Start)
}

// targetCount sums bridge targets across fuzzers for the phase detail.
func targetCount(bridges map[string][]string) int {
	total := 0
	for _, targets := range bridges {
		total += len(targets)
	}

	return total
}
