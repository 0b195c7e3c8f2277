// Package config defines the process-wide callfang configuration, loaded
// once at startup and passed explicitly into component constructors.
package config

import "errors"

// Config is the top-level configuration struct for callfang.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Store         StoreConfig         `mapstructure:"store"`
	Logs          LogsConfig          `mapstructure:"logs"`
	Workspace     WorkspaceConfig     `mapstructure:"workspace"`
	Admission     AdmissionConfig     `mapstructure:"admission"`
	Eviction      EvictionConfig      `mapstructure:"eviction"`
	Build         BuildConfig         `mapstructure:"build"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// StoreConfig holds settings for the embedded catalog and graph store.
type StoreConfig struct {
	// Dir is the badger database directory.
	Dir string `mapstructure:"dir"`

	// InMemory runs the store without disk persistence. Test-only.
	InMemory bool `mapstructure:"in_memory"`
}

// LogsConfig holds settings for per-snapshot phase log streams.
type LogsConfig struct {
	// Dir is the root directory holding one subdirectory per snapshot id.
	Dir string `mapstructure:"dir"`
}

// WorkspaceConfig holds settings for per-build scratch space.
type WorkspaceConfig struct {
	// Dir is the root under which each build gets a unique workspace.
	Dir string `mapstructure:"dir"`
}

// AdmissionConfig holds admission and waiter timing knobs.
type AdmissionConfig struct {
	// StaleDeadlineSec is how long a building row may exist before the
	// next admission attempt resolves it as failed.
	StaleDeadlineSec int `mapstructure:"stale_deadline_sec"`

	// PollIntervalSec is the waiter polling cadence.
	PollIntervalSec int `mapstructure:"poll_interval_sec"`

	// WaitDeadlineSec caps the total time a waiter blocks for a snapshot.
	WaitDeadlineSec int `mapstructure:"wait_deadline_sec"`
}

// EvictionConfig holds retention policy knobs.
type EvictionConfig struct {
	// SweepIntervalSec is the background eviction cadence.
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`

	// DiskHighWaterPct triggers disk-pressure eviction above this usage.
	DiskHighWaterPct float64 `mapstructure:"disk_high_water_pct"`

	// DiskLowWaterPct is the usage target disk-pressure eviction drains to.
	DiskLowWaterPct float64 `mapstructure:"disk_low_water_pct"`

	// PerRepoCap is the maximum completed snapshots kept per repo_url.
	PerRepoCap int `mapstructure:"per_repo_cap"`

	// TTLDays evicts completed snapshots not accessed for this many days.
	TTLDays int `mapstructure:"ttl_days"`
}

// BuildConfig holds bitcode production tool names and limits.
type BuildConfig struct {
	// CompilerDriver is the whole-program-bitcode-capturing C driver.
	CompilerDriver string `mapstructure:"compiler_driver"`

	// CompilerDriverCXX is the C++ counterpart of CompilerDriver.
	CompilerDriverCXX string `mapstructure:"compiler_driver_cxx"`

	// ExtractTool extracts per-TU bitcode from built objects and archives.
	ExtractTool string `mapstructure:"extract_tool"`

	// LinkTool links retained bitcode blobs into library.bc.
	LinkTool string `mapstructure:"link_tool"`

	// DisTool disassembles library.bc into library.ll.
	DisTool string `mapstructure:"dis_tool"`

	// TimeoutSec bounds the native build subprocess.
	TimeoutSec int `mapstructure:"timeout_sec"`
}

// AnalysisConfig holds pointer-analysis backend knobs.
type AnalysisConfig struct {
	// Backend names the default pointer-analysis backend.
	Backend string `mapstructure:"backend"`

	// WPATool is the whole-program analyzer executable for the svf backend.
	WPATool string `mapstructure:"wpa_tool"`

	// TimeoutSec bounds the analyzer subprocess.
	TimeoutSec int `mapstructure:"timeout_sec"`

	// ReachesMaxDepth is the BFS hop cap for REACHES materialization.
	ReachesMaxDepth int `mapstructure:"reaches_max_depth"`
}

// ObservabilityConfig holds telemetry settings surfaced to internal/observability.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables export.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool `mapstructure:"otlp_insecure"`

	// Environment is the deployment environment tag.
	Environment string `mapstructure:"environment"`

	// LogJSON selects JSON log output instead of text.
	LogJSON bool `mapstructure:"log_json"`

	// LogLevel is the minimum slog severity: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// HTTPAddr optionally serves /metrics, /healthz, /readyz while the
	// MCP server runs (e.g. ":9464"). Empty disables the listener.
	HTTPAddr string `mapstructure:"http_addr"`
}

// Default values applied before file and environment overrides.
const (
	DefaultStoreDir            = "~/.callfang/store"
	DefaultLogsDir             = "~/.callfang/logs"
	DefaultWorkspaceDir        = "~/.callfang/work"
	DefaultStaleDeadlineSec    = 1800
	DefaultPollIntervalSec     = 5
	DefaultWaitDeadlineSec     = 1800
	DefaultSweepIntervalSec    = 3600
	DefaultDiskHighWaterPct    = 80.0
	DefaultDiskLowWaterPct     = 70.0
	DefaultPerRepoCap          = 5
	DefaultTTLDays             = 90
	DefaultCompilerDriver      = "gclang"
	DefaultCompilerDriverCXX   = "gclang++"
	DefaultExtractTool         = "get-bc"
	DefaultLinkTool            = "llvm-link"
	DefaultDisTool             = "llvm-dis"
	DefaultBuildTimeoutSec     = 3600
	DefaultBackend             = "svf"
	DefaultWPATool             = "wpa"
	DefaultAnalysisTimeoutSec  = 1800
	DefaultReachesMaxDepth     = 50
	DefaultObservabilityLevel  = "info"
	maxPercent                 = 100.0
)

// Sentinel errors for configuration validation.
var (
	// ErrStoreDirEmpty indicates the store directory is missing.
	ErrStoreDirEmpty = errors.New("store.dir must not be empty")
	// ErrLogsDirEmpty indicates the logs directory is missing.
	ErrLogsDirEmpty = errors.New("logs.dir must not be empty")
	// ErrInvalidStaleDeadline indicates the stale deadline is not positive.
	ErrInvalidStaleDeadline = errors.New("admission.stale_deadline_sec must be positive")
	// ErrInvalidPollInterval indicates the poll interval is not positive.
	ErrInvalidPollInterval = errors.New("admission.poll_interval_sec must be positive")
	// ErrInvalidWaitDeadline indicates the wait deadline is not positive.
	ErrInvalidWaitDeadline = errors.New("admission.wait_deadline_sec must be positive")
	// ErrInvalidWaterMarks indicates the disk water marks are out of order or range.
	ErrInvalidWaterMarks = errors.New("eviction water marks must satisfy 0 < low < high <= 100")
	// ErrInvalidPerRepoCap indicates the per-repository cap is not positive.
	ErrInvalidPerRepoCap = errors.New("eviction.per_repo_cap must be positive")
	// ErrInvalidTTL indicates the TTL is not positive.
	ErrInvalidTTL = errors.New("eviction.ttl_days must be positive")
	// ErrInvalidReachesDepth indicates the BFS hop cap is not positive.
	ErrInvalidReachesDepth = errors.New("analysis.reaches_max_depth must be positive")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Store.Dir == "" && !c.Store.InMemory {
		return ErrStoreDirEmpty
	}

	if c.Logs.Dir == "" {
		return ErrLogsDirEmpty
	}

	admissionErr := c.validateAdmission()
	if admissionErr != nil {
		return admissionErr
	}

	evictionErr := c.validateEviction()
	if evictionErr != nil {
		return evictionErr
	}

	if c.Analysis.ReachesMaxDepth <= 0 {
		return ErrInvalidReachesDepth
	}

	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.StaleDeadlineSec <= 0 {
		return ErrInvalidStaleDeadline
	}

	if c.Admission.PollIntervalSec <= 0 {
		return ErrInvalidPollInterval
	}

	if c.Admission.WaitDeadlineSec <= 0 {
		return ErrInvalidWaitDeadline
	}

	return nil
}

func (c *Config) validateEviction() error {
	low, high := c.Eviction.DiskLowWaterPct, c.Eviction.DiskHighWaterPct
	if low <= 0 || high <= low || high > maxPercent {
		return ErrInvalidWaterMarks
	}

	if c.Eviction.PerRepoCap <= 0 {
		return ErrInvalidPerRepoCap
	}

	if c.Eviction.TTLDays <= 0 {
		return ErrInvalidTTL
	}

	return nil
}
