// Package svf drives whole-program inclusion-based pointer analysis over
// a bitcode module and parses the emitted call graph.
package svf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/config"
	"github.com/Sumatoshi-tech/callfang/internal/irmeta"
	"github.com/Sumatoshi-tech/callfang/internal/probe"
)

const (
	backendName = "svf"

	// analysisFlag selects Andersen-style inclusion-based analysis.
	analysisFlag = "-ander"
	dumpFlag     = "-dump-callgraph"

	// fptrConfidence is reported on pointer-resolved edges; direct edges
	// are certain.
	fptrConfidence   = 0.9
	directConfidence = 1.0
)

// dotCandidates are the call graph files the analyzer may emit, in
// preference order. The final graph reflects pointer resolution; the
// initial one only direct calls.
var dotCandidates = []string{"callgraph_final.dot", "callgraph_initial.dot"}

// Backend runs the analyzer binary configured as the WPA tool.
type Backend struct {
	cfg config.AnalysisConfig
	log *slog.Logger
}

// New creates the default pointer-analysis backend.
func New(cfg config.AnalysisConfig, log *slog.Logger) *Backend {
	return &Backend{cfg: cfg, log: log}
}

// Descriptor returns stable metadata.
func (b *Backend) Descriptor() backend.Descriptor {
	return backend.Descriptor{
		Name:      backendName,
		Languages: []string{probe.LangC, probe.LangCXX},
		Capabilities: []string{
			backend.CapFunctionExtraction,
			backend.CapDirectCalls,
			backend.CapFptrTargets,
		},
	}
}

// CheckPrerequisites reports the analyzer binary when it is not on PATH.
func (b *Backend) CheckPrerequisites(_ context.Context) []string {
	if _, err := exec.LookPath(b.cfg.WPATool); err != nil {
		return []string{b.cfg.WPATool}
	}

	return nil
}

// Analyze runs the analyzer over the module and returns the parsed call
// graph joined with debug metadata.
func (b *Backend) Analyze(ctx context.Context, req backend.Request) (*backend.Result, error) {
	start := time.Now()

	if req.Output == nil {
		req.Output = io.Discard
	}

	if err := b.runAnalyzer(ctx, req); err != nil {
		return nil, err
	}

	dotPath, warning := findCallgraph(req.WorkDir)
	if dotPath == "" {
		return nil, fmt.Errorf("%w: no call graph emitted under %s", backend.ErrAnalysisFailed, req.WorkDir)
	}

	graph, err := parseCallgraph(dotPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrAnalysisFailed, err)
	}

	if len(graph.functions) == 0 {
		return nil, fmt.Errorf("%w: empty call graph in %s", backend.ErrAnalysisFailed, dotPath)
	}

	result := &backend.Result{
		Functions: joinFunctions(graph.functions, req.Metas),
		Edges:     graph.edges,
		Language:  req.Language,
		Backend:   backendName,
		Duration:  time.Since(start),
	}

	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}

	b.log.InfoContext(ctx, "analysis complete",
		slog.Int("functions", len(result.Functions)),
		slog.Int("edges", len(result.Edges)),
		slog.Duration("duration", result.Duration))

	return result, nil
}

func (b *Backend) runAnalyzer(ctx context.Context, req backend.Request) error {
	cmd := exec.CommandContext(ctx, b.cfg.WPATool, analysisFlag, dumpFlag, req.BCPath)
	cmd.Dir = req.WorkDir
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", backend.ErrAnalysisFailed, b.cfg.WPATool, ctx.Err())
		}

		return fmt.Errorf("%w: %s: %v", backend.ErrAnalysisFailed, b.cfg.WPATool, err)
	}

	return nil
}

// findCallgraph locates the emitted dot file, preferring the final
// pointer-resolved graph.
func findCallgraph(dir string) (path, warning string) {
	for i, name := range dotCandidates {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}

		if i > 0 {
			warning = fmt.Sprintf("%s missing, using %s", dotCandidates[0], name)
		}

		return candidate, warning
	}

	return "", ""
}

// joinFunctions unions analyzer-reported functions with debug metadata.
// Joining is by IR symbol name: analyzer functions the module defines get
// their source attribution; the rest stay as bare declarations.
func joinFunctions(names []string, metas []irmeta.FunctionMeta) []backend.Function {
	byIRName := make(map[string]irmeta.FunctionMeta, len(metas))
	for _, meta := range metas {
		byIRName[meta.IRName] = meta
	}

	reported := make(map[string]struct{}, len(names))
	functions := make([]backend.Function, 0, len(names)+len(metas))

	for _, name := range names {
		reported[name] = struct{}{}

		meta, defined := byIRName[name]
		if !defined {
			functions = append(functions, backend.Function{
				Name:   name,
				IRName: name,
			})

			continue
		}

		functions = append(functions, metaFunction(meta))
	}

	for _, meta := range metas {
		if _, ok := reported[meta.IRName]; ok {
			continue
		}

		functions = append(functions, metaFunction(meta))
	}

	return functions
}

func metaFunction(meta irmeta.FunctionMeta) backend.Function {
	return backend.Function{
		Name:      meta.OriginalName,
		IRName:    meta.IRName,
		FilePath:  meta.FilePath,
		StartLine: meta.StartLine,
		EndLine:   meta.EndLine,
		Content:   meta.Content,
		IsDefined: true,
	}
}
