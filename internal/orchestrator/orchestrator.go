// Package orchestrator drives one snapshot analysis end to end: admission
// through the catalog, the sequential build phases, graph commit, and the
// cached fast path. Builds of different snapshots are independent; within
// one build the phases form a strict state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/bitcode"
	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/config"
	"github.com/Sumatoshi-tech/callfang/internal/gitinfo"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/harness"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

// ErrPeerBuildFailed indicates the build this caller waited on was owned
// by another worker and ended in failure. The caller may retry; the next
// admission deletes the failed row and re-admits.
var ErrPeerBuildFailed = errors.New("peer build failed")

// tracerName is the fallback OTel tracer name.
const tracerName = "callfang"

// AnalysisOutput is the consumer-facing result of one analysis request,
// served from the graph regardless of whether this call built it.
type AnalysisOutput struct {
	SnapshotID    string   `json:"snapshot_id"`
	RepoURL       string   `json:"repo_url"`
	Version       string   `json:"version"`
	Backend       string   `json:"backend"`
	FunctionCount int      `json:"function_count"`
	EdgeCount     int      `json:"edge_count"`
	FuzzerNames   []string `json:"fuzzer_names"`
	Cached        bool     `json:"cached"`
}

// BitcodeBuilder produces the library-only whole-program bitcode module.
// Satisfied by *bitcode.Builder.
type BitcodeBuilder interface {
	Build(ctx context.Context, req bitcode.Request) (*bitcode.Result, error)
}

// HarnessParser computes per-fuzzer library bridges from harness sources.
// Satisfied by *harness.Parser.
type HarnessParser interface {
	LibraryCalls(ctx context.Context, req harness.Request) (map[string][]string, error)
}

// Orchestrator composes the pipeline components. Required dependencies
// are exported fields; optional ones document their nil behavior.
type Orchestrator struct {
	Catalog  *catalog.Catalog
	Store    *graphstore.Store
	Logs     *logsink.Sink
	Backends *backend.Registry
	Builder  BitcodeBuilder
	Parser   HarnessParser

	// Sweeper, when set, runs a headroom check before each admission so
	// disk pressure is relieved before a new building row is inserted.
	Sweeper *catalog.Sweeper

	// Materialize produces the project checkout a build analyzes. Nil
	// uses git: a ticket path is analyzed in place, otherwise the repo
	// is cloned into the build workspace.
	Materialize Materializer

	// Refine, when set, post-processes the analyzer result before import.
	// Nil skips the refine phase.
	Refine Refiner

	// Tracer is the OTel tracer for build and phase spans. When nil,
	// falls back to otel.Tracer("callfang").
	Tracer trace.Tracer

	// Metrics, when set, records admission outcomes, phase durations,
	// and in-flight builds.
	Metrics *observability.PipelineMetrics

	cfg *config.Config
	log *slog.Logger
}

// New creates an Orchestrator over the shared catalog, graph store, and
// log sink. Optional fields are assigned directly on the returned value.
func New(
	cfg *config.Config,
	cat *catalog.Catalog,
	store *graphstore.Store,
	logs *logsink.Sink,
	backends *backend.Registry,
	builder BitcodeBuilder,
	parser HarnessParser,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		Catalog:  cat,
		Store:    store,
		Logs:     logs,
		Backends: backends,
		Builder:  builder,
		Parser:   parser,
		cfg:      cfg,
		log:      log,
	}
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}

	return otel.Tracer(tracerName)
}

// Analyze serves one work ticket: returns the existing snapshot on a
// cache hit, waits for a concurrent peer build, or performs the build
// itself. Ticket validation errors surface before any catalog row is
// inserted.
func (o *Orchestrator) Analyze(ctx context.Context, tk *ticket.Ticket) (*AnalysisOutput, error) {
	if err := tk.Validate(); err != nil {
		return nil, err
	}

	backendName := tk.Backend
	if backendName == "" {
		backendName = o.cfg.Analysis.Backend
	}

	be, err := o.Backends.Get(backendName)
	if err != nil {
		return nil, err
	}

	if err := o.vetLocalVersion(tk); err != nil {
		return nil, err
	}

	ctx, span := o.tracer().Start(ctx, "callfang.analyze",
		trace.WithAttributes(
			attribute.String("repo_url", tk.RepoURL),
			attribute.String("version", tk.Version),
			attribute.String("backend", backendName),
		))
	defer span.End()

	o.ensureHeadroom(ctx)

	key := catalog.Key{
		RepoURL:  tk.RepoURL,
		RepoName: tk.RepoName(),
		Version:  tk.Version,
		Backend:  backendName,
	}

	outcome, rec, err := o.Catalog.AcquireOrWait(ctx, key)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("admission", outcome.String()))

	if o.Metrics != nil {
		o.Metrics.RecordAdmission(ctx, outcome.String())
	}

	switch outcome {
	case catalog.OutcomeHit:
		return o.cachedOutput(ctx, rec)
	case catalog.OutcomeWait:
		return o.waitForPeer(ctx, rec)
	case catalog.OutcomeOwn:
		return o.runBuild(ctx, tk, be, rec)
	default:
		return nil, fmt.Errorf("unhandled admission outcome %s", outcome)
	}
}

// vetLocalVersion rejects branch versions before admission when the
// ticket points at a local git checkout. Remote clones are vetted during
// materialization instead; resolving them here would cost a clone on
// every cache hit.
func (o *Orchestrator) vetLocalVersion(tk *ticket.Ticket) error {
	if tk.Path == "" {
		return nil
	}

	repo, err := gitinfo.Open(tk.Path)
	if err != nil {
		// Plain source trees are accepted as-is.
		return nil
	}

	_, err = gitinfo.Resolve(repo, tk.Version)
	if errors.Is(err, gitinfo.ErrVersionIsBranch) || errors.Is(err, gitinfo.ErrVersionNotImmutable) {
		return err
	}

	return nil
}

// ensureHeadroom relieves disk pressure before a new building row is
// inserted. Failures never block admission.
func (o *Orchestrator) ensureHeadroom(ctx context.Context) {
	if o.Sweeper == nil {
		return
	}

	if _, err := o.Sweeper.EnsureHeadroom(ctx); err != nil {
		o.log.WarnContext(ctx, "pre-admission headroom check failed", slog.String("error", err.Error()))
	}
}

// cachedOutput serves a completed snapshot from the graph store. The
// counts come from the graph, which a completed row guarantees committed.
func (o *Orchestrator) cachedOutput(ctx context.Context, rec *catalog.SnapshotRecord) (*AnalysisOutput, error) {
	stats, err := o.Store.GetStatistics(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("cached snapshot %s: %w", rec.ID, err)
	}

	return &AnalysisOutput{
		SnapshotID:    rec.ID,
		RepoURL:       rec.RepoURL,
		Version:       rec.Version,
		Backend:       rec.Backend,
		FunctionCount: stats.FunctionCount,
		EdgeCount:     stats.CallCount,
		FuzzerNames:   rec.FuzzerNames,
		Cached:        true,
	}, nil
}

// waitForPeer blocks on a concurrent build of the same key. A peer
// failure surfaces as ErrPeerBuildFailed carrying the recorded cause;
// no automatic retry happens here.
func (o *Orchestrator) waitForPeer(ctx context.Context, rec *catalog.SnapshotRecord) (*AnalysisOutput, error) {
	o.log.InfoContext(ctx, "waiting for peer build",
		slog.String("snapshot", rec.ID),
		slog.String("repo", rec.RepoName))

	ready, err := o.Catalog.WaitUntilReady(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	if ready.Status == catalog.StatusFailed {
		return nil, fmt.Errorf("%w: %s: %s", ErrPeerBuildFailed, ready.ID, ready.Error)
	}

	return o.cachedOutput(ctx, ready)
}

// checkPrerequisites fails fast when the backend's external tools are
// missing, before any native build work is spent.
func checkPrerequisites(ctx context.Context, be backend.Backend) error {
	missing := be.CheckPrerequisites(ctx)
	if len(missing) == 0 {
		return nil
	}

	return fmt.Errorf("%w: missing prerequisites: %s",
		backend.ErrAnalysisFailed, strings.Join(missing, ", "))
}

// TicketResult pairs one ticket of a batch with its outcome.
type TicketResult struct {
	Ticket *ticket.Ticket
	Output *AnalysisOutput
	Err    error
}

// AnalyzeAll serves a batch of tickets with at most workers concurrent
// builds. Each ticket fails or succeeds independently; one failure never
// cancels its siblings. Results align with the input order.
func (o *Orchestrator) AnalyzeAll(ctx context.Context, tickets []*ticket.Ticket, workers int) []TicketResult {
	if workers < 1 {
		workers = 1
	}

	results := make([]TicketResult, len(tickets))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for i, tk := range tickets {
		group.Go(func() error {
			out, err := o.Analyze(gctx, tk)
			results[i] = TicketResult{Ticket: tk, Output: out, Err: err}

			return nil
		})
	}

	// Group funcs never return errors, so Wait only joins completion.
	_ = group.Wait()

	return results
}
