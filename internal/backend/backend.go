// Package backend defines the pluggable pointer-analysis interface and
// the registry the pipeline selects implementations from.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Sumatoshi-tech/callfang/internal/irmeta"
)

// Backend capabilities.
const (
	CapFunctionExtraction = "function-extraction"
	CapDirectCalls        = "direct-calls"
	CapFptrTargets        = "fptr-targets"
	CapComplexity         = "complexity"
)

// Call edge types.
const (
	CallDirect = "direct"
	CallFptr   = "fptr"
)

// ErrAnalysisFailed indicates the backend could not produce a call graph.
var ErrAnalysisFailed = errors.New("analysis failed")

// ErrUnknownBackend is returned when registry lookup fails.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrDuplicateBackend is returned when the registry receives two backends
// with the same name.
var ErrDuplicateBackend = errors.New("duplicate backend")

// Descriptor contains stable backend metadata.
type Descriptor struct {
	Name         string
	Languages    []string
	Capabilities []string
}

// Function is one analyzer-reported function, joined with debug metadata
// when the module defines it.
type Function struct {
	// Name is the source-level identifier when known, else the IR name.
	Name string

	// IRName is the module symbol the analyzer reported.
	IRName string

	FilePath  string
	StartLine int
	EndLine   int
	Content   string

	// IsDefined distinguishes functions with bodies in the module from
	// declared-only externals.
	IsDefined bool
}

// Edge is one call-graph edge between IR symbols.
type Edge struct {
	Caller   string
	Callee   string
	CallType string

	// Confidence is 1.0 for direct edges and backend-reported for fptr
	// edges. Low-confidence edges are retained, never dropped: a missing
	// edge hides reachable code, an extra edge merely widens exploration.
	Confidence float64
}

// Request carries one analysis run's inputs.
type Request struct {
	// BCPath is the library-only whole-program bitcode module.
	BCPath string

	// Language is the project language the pipeline detected.
	Language string

	// WorkDir is a scratch directory for analyzer outputs.
	WorkDir string

	// Metas is the debug metadata to join analyzer functions against.
	Metas []irmeta.FunctionMeta

	// Output receives the analyzer subprocess output.
	Output io.Writer
}

// Result is one backend's view of the call graph.
type Result struct {
	Functions []Function
	Edges     []Edge
	Language  string
	Backend   string
	Duration  time.Duration
	Warnings  []string
}

// Backend analyzes whole-program bitcode into functions and call edges.
type Backend interface {
	// Descriptor returns stable metadata.
	Descriptor() Descriptor

	// CheckPrerequisites reports missing external tools, empty when the
	// backend is runnable.
	CheckPrerequisites(ctx context.Context) []string

	// Analyze produces the call graph for one module.
	Analyze(ctx context.Context, req Request) (*Result, error)
}
