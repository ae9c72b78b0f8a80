// Package config loads maestro configuration from YAML with environment
// overrides. Defaults are production-safe; a missing config file is not an
// error.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BudgetPolicy controls how plan-step sub-obligations are budgeted.
type BudgetPolicy string

const (
	// BudgetShared draws every plan step from the parent request's pool.
	BudgetShared BudgetPolicy = "shared"
	// BudgetFresh allocates a fresh pool per plan step.
	BudgetFresh BudgetPolicy = "fresh"
)

// Config holds all maestro configuration.
type Config struct {
	// ContractsDir is the directory of tool contract YAML files.
	ContractsDir string `yaml:"contracts_dir"`

	// StorePath is the SQLite backing store path.
	StorePath string `yaml:"store_path"`

	// Budgets are the per-request defaults.
	Budgets BudgetConfig `yaml:"budgets"`

	// BudgetPolicy selects shared vs fresh plan-step pools.
	BudgetPolicy BudgetPolicy `yaml:"budget_policy"`

	// MaxPlanDepth bounds recursive plan expansion.
	MaxPlanDepth int `yaml:"max_plan_depth"`

	// WatchContracts enables the fsnotify reload watcher.
	WatchContracts bool `yaml:"watch_contracts"`

	// Logging configures the categorized file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig mirrors the Budget limits in types-friendly YAML form.
type BudgetConfig struct {
	MaxToolRuns       int   `yaml:"max_tool_runs"`
	MaxCacheMisses    int   `yaml:"max_cache_misses"`
	MaxToolsmithCalls int   `yaml:"max_toolsmith_calls"`
	MaxExternalAccess int   `yaml:"max_external_access"`
	TimeMS            int64 `yaml:"time_ms"`
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		ContractsDir: "contracts/tools",
		StorePath:    ".maestro/maestro.db",
		Budgets: BudgetConfig{
			MaxToolRuns:       32,
			MaxCacheMisses:    16,
			MaxToolsmithCalls: 4,
			MaxExternalAccess: 8,
			TimeMS:            30000,
		},
		BudgetPolicy:   BudgetShared,
		MaxPlanDepth:   4,
		WatchContracts: false,
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from path, applying defaults and env overrides.
// A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps MAESTRO_* environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAESTRO_CONTRACTS_DIR"); v != "" {
		c.ContractsDir = v
	}
	if v := os.Getenv("MAESTRO_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("MAESTRO_BUDGET_POLICY"); v != "" {
		c.BudgetPolicy = BudgetPolicy(v)
	}
	if v := os.Getenv("MAESTRO_MAX_PLAN_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPlanDepth = n
		}
	}
	if v := os.Getenv("MAESTRO_MAX_TOOL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budgets.MaxToolRuns = n
		}
	}
	if v := os.Getenv("MAESTRO_TIME_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Budgets.TimeMS = n
		}
	}
	if v := os.Getenv("MAESTRO_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// Validate rejects configurations the conductor cannot honor.
func (c *Config) Validate() error {
	switch c.BudgetPolicy {
	case BudgetShared, BudgetFresh:
	default:
		return fmt.Errorf("invalid budget_policy %q (want %q or %q)", c.BudgetPolicy, BudgetShared, BudgetFresh)
	}
	if c.MaxPlanDepth < 1 {
		return fmt.Errorf("max_plan_depth must be >= 1, got %d", c.MaxPlanDepth)
	}
	if c.Budgets.MaxToolRuns < 1 {
		return fmt.Errorf("budgets.max_tool_runs must be >= 1, got %d", c.Budgets.MaxToolRuns)
	}
	return nil
}
