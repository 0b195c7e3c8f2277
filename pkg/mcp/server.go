// Package mcp implements a Model Context Protocol server exposing
// committed call-graph snapshots as MCP tools over stdio transport, so
// coding agents can query what a fuzzer reaches without touching the
// store directly.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
)

const (
	// serverName is the MCP server implementation name.
	serverName = "callfang"
	// serverVersion is the MCP server implementation version.
	serverVersion = "1.0.0"

	// toolCount is the expected number of registered tools.
	toolCount = 7
)

// ServerDeps holds the dependencies of the MCP server. Catalog and
// Store are required; nil optional fields use production defaults.
type ServerDeps struct {
	// Catalog gates queries on snapshot status and records access.
	Catalog *catalog.Catalog

	// Store answers the graph queries.
	Store *graphstore.Store

	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional per-query metrics recorder. Nil disables
	// per-tool metrics.
	Metrics *observability.PipelineMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil
	// disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the snapshot query tools.
type Server struct {
	inner   *mcpsdk.Server
	cat     *catalog.Catalog
	store   *graphstore.Store
	log     *slog.Logger
	mu      sync.RWMutex
	tools   []string
	metrics *observability.PipelineMetrics
	tracer  trace.Tracer
}

// NewServer creates an MCP server with every query tool registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
		opts,
	)

	srv := &Server{
		inner:   inner,
		cat:     deps.Catalog,
		store:   deps.Store,
		log:     log,
		tools:   make([]string, 0, toolCount),
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run starts the MCP server on stdio transport. It blocks until the
// context is canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	err := s.inner.Run(ctx, &mcpsdk.StdioTransport{})
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// RunWithTransport starts the MCP server on the given transport. It
// blocks until the context is canceled or the connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// registerTools adds every query tool to the server.
func (s *Server) registerTools() {
	register(s, ToolNameSnapshotList, snapshotListDescription, s.handleSnapshotList)
	register(s, ToolNameSnapshotStats, snapshotStatsDescription, s.handleSnapshotStats)
	register(s, ToolNameFunctionLookup, functionLookupDescription, s.handleFunctionLookup)
	register(s, ToolNameFunctionSearch, functionSearchDescription, s.handleFunctionSearch)
	register(s, ToolNameCallPaths, callPathsDescription, s.handleCallPaths)
	register(s, ToolNameFuzzerReachable, fuzzerReachableDescription, s.handleFuzzerReachable)
	register(s, ToolNameUnreachedFunctions, unreachedFunctionsDescription, s.handleUnreachedFunctions)
}

// register adds one tool with the metrics and tracing middleware
// applied.
func register[Input any](
	s *Server,
	name, description string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        name,
		Description: description,
	}, withMetrics(s.metrics, name, withTracing(s.tracer, name, handler)))

	s.trackTool(name)
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey is the metadata key for trace_id in MCP tool responses.
const traceIDMetaKey = "trace_id"

// withTracing wraps an MCP tool handler to create an OTel span per
// invocation and include trace_id in the response content when sampled.
func withTracing[Input any](
	tracer trace.Tracer,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		// Include trace_id in response when span is sampled.
		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			traceContent := &mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())}
			result.Content = append(result.Content, traceContent)
		}

		return result, output, err
	}
}

// withMetrics wraps an MCP tool handler to record per-query metrics.
func withMetrics[Input any](
	metrics *observability.PipelineMetrics,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		result, output, err := handler(ctx, req, input)

		status := "ok"
		if err != nil || (result != nil && result.IsError) {
			status = "error"
		}

		metrics.RecordQuery(ctx, toolName, status, time.Since(start))

		return result, output, err
	}
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

// Tool description constants.
const (
	snapshotListDescription = "List analyzed snapshots in the catalog " +
		"with status, repository, version, backend and graph size. " +
		"Optionally filter by repository substring or status."

	snapshotStatsDescription = "Summarize one completed snapshot: function, " +
		"external, fuzzer, call-edge and reachability counts plus the " +
		"per-depth reachability histogram."

	functionLookupDescription = "Look up one function in a snapshot by name " +
		"(and file path when the name is ambiguous). Returns its location, " +
		"signature metadata, direct callers and callees, and optionally " +
		"the verbatim source body."

	functionSearchDescription = "Search a snapshot's functions by glob " +
		"pattern (e.g. png_* or *decode*). Returns body-free listings " +
		"ordered by name."

	callPathsDescription = "Find CALLS paths between two functions of a " +
		"snapshot: shortest paths by default, every simple path with " +
		"all=true. Paths are node sequences including both endpoints."

	fuzzerReachableDescription = "List the functions a fuzzer's entry point " +
		"reaches through the call graph, each with its minimum call depth. " +
		"Filter to an exact depth or cap the depth."

	unreachedFunctionsDescription = "List the defined functions of a " +
		"snapshot that no fuzzer reaches: the coverage-gap view for " +
		"writing new harnesses."
)
