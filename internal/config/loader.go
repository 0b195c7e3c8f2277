package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".callfang"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for callfang settings.
const envPrefix = "CALLFANG"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Load loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	expandHomeDirs(&cfg)

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("store.dir", DefaultStoreDir)
	viperCfg.SetDefault("store.in_memory", false)

	viperCfg.SetDefault("logs.dir", DefaultLogsDir)
	viperCfg.SetDefault("workspace.dir", DefaultWorkspaceDir)

	viperCfg.SetDefault("admission.stale_deadline_sec", DefaultStaleDeadlineSec)
	viperCfg.SetDefault("admission.poll_interval_sec", DefaultPollIntervalSec)
	viperCfg.SetDefault("admission.wait_deadline_sec", DefaultWaitDeadlineSec)

	viperCfg.SetDefault("eviction.sweep_interval_sec", DefaultSweepIntervalSec)
	viperCfg.SetDefault("eviction.disk_high_water_pct", DefaultDiskHighWaterPct)
	viperCfg.SetDefault("eviction.disk_low_water_pct", DefaultDiskLowWaterPct)
	viperCfg.SetDefault("eviction.per_repo_cap", DefaultPerRepoCap)
	viperCfg.SetDefault("eviction.ttl_days", DefaultTTLDays)

	viperCfg.SetDefault("build.compiler_driver", DefaultCompilerDriver)
	viperCfg.SetDefault("build.compiler_driver_cxx", DefaultCompilerDriverCXX)
	viperCfg.SetDefault("build.extract_tool", DefaultExtractTool)
	viperCfg.SetDefault("build.link_tool", DefaultLinkTool)
	viperCfg.SetDefault("build.dis_tool", DefaultDisTool)
	viperCfg.SetDefault("build.timeout_sec", DefaultBuildTimeoutSec)

	viperCfg.SetDefault("analysis.backend", DefaultBackend)
	viperCfg.SetDefault("analysis.wpa_tool", DefaultWPATool)
	viperCfg.SetDefault("analysis.timeout_sec", DefaultAnalysisTimeoutSec)
	viperCfg.SetDefault("analysis.reaches_max_depth", DefaultReachesMaxDepth)

	viperCfg.SetDefault("observability.log_level", DefaultObservabilityLevel)
}

// expandHomeDirs rewrites leading "~/" path segments against $HOME.
func expandHomeDirs(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}

		return p
	}

	cfg.Store.Dir = expand(cfg.Store.Dir)
	cfg.Logs.Dir = expand(cfg.Logs.Dir)
	cfg.Workspace.Dir = expand(cfg.Workspace.Dir)
}

// SlogLevel maps the configured log level name to a slog.Level.
// Unknown names fall back to info.
func (o ObservabilityConfig) SlogLevel() slog.Level {
	switch strings.ToLower(o.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
