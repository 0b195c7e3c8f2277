// Package commands implements the callfang CLI subcommands.
package commands

import (
	"context"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
	"github.com/Sumatoshi-tech/callfang/internal/backend/svf"
	"github.com/Sumatoshi-tech/callfang/internal/bitcode"
	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/config"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/harness"
	"github.com/Sumatoshi-tech/callfang/internal/logsink"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
	"github.com/Sumatoshi-tech/callfang/internal/orchestrator"
	"github.com/Sumatoshi-tech/callfang/internal/storage"
	"github.com/Sumatoshi-tech/callfang/pkg/version"
)

// Names of the root command's persistent flags, read by subcommands
// through the merged flag set.
const (
	flagConfig  = "config"
	flagVerbose = "verbose"
	flagQuiet   = "quiet"
)

// env is the opened storage environment shared by every subcommand
// that touches the catalog or graph store.
type env struct {
	cfg       *config.Config
	providers observability.Providers
	log       *slog.Logger
	metrics   *observability.PipelineMetrics
	db        *badger.DB
	cat       *catalog.Catalog
	store     *graphstore.Store
	logs      *logsink.Sink
}

// loadConfig loads configuration honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString(flagConfig)

	return config.Load(configPath)
}

// openEnv loads configuration, bootstraps telemetry, and opens the
// shared badger store. The caller must Close the result.
func openEnv(cmd *cobra.Command, mode observability.AppMode, extraReaders ...sdkmetric.Reader) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	return openEnvFor(cmd, cfg, mode, extraReaders...)
}

// openEnvFor is openEnv over an already-loaded config.
func openEnvFor(cmd *cobra.Command, cfg *config.Config, mode observability.AppMode, extraReaders ...sdkmetric.Reader) (*env, error) {
	providers, err := initObservability(cmd, cfg, mode, extraReaders...)
	if err != nil {
		return nil, err
	}

	metrics, metricsErr := observability.NewPipelineMetrics(providers.Meter)
	if metricsErr != nil {
		_ = providers.Shutdown(context.Background())

		return nil, metricsErr
	}

	db, openErr := storage.Open(cfg.Store, providers.Logger)
	if openErr != nil {
		_ = providers.Shutdown(context.Background())

		return nil, openErr
	}

	return &env{
		cfg:       cfg,
		providers: providers,
		log:       providers.Logger,
		metrics:   metrics,
		db:        db,
		cat:       catalog.New(db, cfg.Admission, providers.Logger),
		store:     graphstore.New(db, providers.Logger),
		logs:      logsink.New(cfg.Logs.Dir),
	}, nil
}

// Close releases the store and flushes telemetry.
func (e *env) Close(ctx context.Context) {
	if closeErr := e.db.Close(); closeErr != nil {
		e.log.WarnContext(ctx, "store close failed", slog.String("error", closeErr.Error()))
	}

	if shutdownErr := e.providers.Shutdown(ctx); shutdownErr != nil {
		e.log.WarnContext(ctx, "observability shutdown failed", slog.String("error", shutdownErr.Error()))
	}
}

// sweeper builds the retention sweeper over the open env. Sweeps end
// with a badger value-log GC pass so evicted graphs return their disk.
func (e *env) sweeper() *catalog.Sweeper {
	sw := catalog.NewSweeper(e.cat, e.store, e.logs, e.cfg.Store.Dir, e.cfg.Eviction, e.log)
	sw.Maintenance = func(ctx context.Context) error {
		rewritten, gcErr := storage.RunGC(e.db)
		if gcErr != nil {
			return gcErr
		}

		if rewritten > 0 {
			e.log.InfoContext(ctx, "value log gc", slog.Int("rewritten", rewritten))
		}

		return nil
	}

	return sw
}

// pipeline assembles the full build pipeline: bitcode builder, analysis
// backends, harness parser, and the orchestrator over them.
func (e *env) pipeline() (*orchestrator.Orchestrator, error) {
	registry, regErr := backend.NewRegistry(svf.New(e.cfg.Analysis, e.log))
	if regErr != nil {
		return nil, regErr
	}

	parser, parserErr := harness.New(e.log)
	if parserErr != nil {
		return nil, parserErr
	}

	orch := orchestrator.New(e.cfg, e.cat, e.store, e.logs, registry, bitcode.New(e.cfg.Build, e.log), parser, e.log)
	orch.Sweeper = e.sweeper()
	orch.Tracer = e.providers.Tracer
	orch.Metrics = e.metrics

	return orch, nil
}

// initObservability maps file config and CLI verbosity flags onto the
// telemetry bootstrap.
func initObservability(cmd *cobra.Command, cfg *config.Config, mode observability.AppMode, extraReaders ...sdkmetric.Reader) (observability.Providers, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = mode

	obsCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	if obsCfg.OTLPEndpoint == "" {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	obsCfg.OTLPInsecure = cfg.Observability.OTLPInsecure || os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"

	if cfg.Observability.Environment != "" {
		obsCfg.Environment = cfg.Observability.Environment
	}

	obsCfg.LogJSON = cfg.Observability.LogJSON
	obsCfg.LogLevel = cfg.Observability.SlogLevel()

	if verbose, _ := cmd.Flags().GetBool(flagVerbose); verbose {
		obsCfg.LogLevel = slog.LevelDebug
		obsCfg.DebugTrace = true
	}

	if quiet, _ := cmd.Flags().GetBool(flagQuiet); quiet {
		obsCfg.LogLevel = slog.LevelError
	}

	// A stdio transport owns stdout, so MCP mode always logs JSON to stderr.
	if mode == observability.ModeMCP {
		obsCfg.LogJSON = true
	}

	return observability.Init(obsCfg, extraReaders...)
}
