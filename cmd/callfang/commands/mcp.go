package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Sumatoshi-tech/callfang/internal/observability"
	"github.com/Sumatoshi-tech/callfang/pkg/mcp"
)

const (
	mcpCmdUse   = "mcp"
	mcpCmdShort = "Serve snapshot queries over MCP stdio"

	httpReadHeaderTimeout = 5 * time.Second
	httpShutdownTimeout   = 5 * time.Second
)

// errStoreClosed marks a readiness probe against a closed store.
var errStoreClosed = errors.New("store is closed")

// MCPCommand holds the flags for the mcp command.
type MCPCommand struct {
	httpAddr string
}

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	cmd := &MCPCommand{}

	cobraCmd := &cobra.Command{
		Use:   mcpCmdUse,
		Short: mcpCmdShort,
		Long: `Start a Model Context Protocol server on stdio transport.

The server exposes snapshot queries as tools AI agents can discover and
invoke: snapshot_list, snapshot_stats, function_lookup, function_search,
call_paths, fuzzer_reachable, and unreached_functions. The background
retention sweeper runs for the lifetime of the server.

With --http (or observability.http_addr in the config), a sidecar
listener serves /metrics, /healthz, and /readyz.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVar(&cmd.httpAddr, "http", "", "observability listener address, e.g. :9464")

	return cobraCmd
}

// Run executes the mcp command.
func (c *MCPCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cobraCmd)
	if err != nil {
		return err
	}

	addr := c.httpAddr
	if addr == "" {
		addr = cfg.Observability.HTTPAddr
	}

	// The prometheus reader must exist before telemetry init, so the
	// meter provider aggregates into it.
	var (
		readers        []sdkmetric.Reader
		metricsHandler http.Handler
	)

	if addr != "" {
		reader, handler, promErr := observability.NewPrometheusReader()
		if promErr != nil {
			return promErr
		}

		readers = append(readers, reader)
		metricsHandler = handler
	}

	env, err := openEnvFor(cobraCmd, cfg, observability.ModeMCP, readers...)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	go env.sweeper().Run(ctx)

	if addr != "" {
		httpSrv := c.sidecarServer(addr, metricsHandler, env)

		go func() {
			if serveErr := httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				env.log.ErrorContext(ctx, "observability listener failed", slog.String("error", serveErr.Error()))
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()

			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		env.log.InfoContext(ctx, "observability listener up", slog.String("addr", addr))
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Catalog: env.cat,
		Store:   env.store,
		Logger:  env.log,
		Metrics: env.metrics,
		Tracer:  env.providers.Tracer,
	})

	return srv.Run(ctx)
}

// sidecarServer serves the metrics and health endpoints next to the
// stdio transport.
func (c *MCPCommand) sidecarServer(addr string, metricsHandler http.Handler, e *env) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/healthz", observability.HealthHandler())
	mux.Handle("/readyz", observability.ReadyHandler(func(_ context.Context) error {
		if e.db.IsClosed() {
			return errStoreClosed
		}

		return nil
	}))

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: httpReadHeaderTimeout}
}
