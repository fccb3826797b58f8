// Package substrateconfig provides configuration loading, presets, and
// validation for the substrate's runtime knobs.
//
// LoadConfig layers configuration sources, in order of precedence:
//  1. Environment variables (SUBSTRATE_* prefix) — highest priority
//  2. Configuration file (JSON)
//  3. Default values — lowest priority
//
// GetPresetConfig returns a named preset as-is, without file or
// environment overlay.
package substrateconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/taskmesh/substrate/internal/obslog"
)

// EvictionPolicyName names one of the pluggable cache eviction strategies.
type EvictionPolicyName string

const (
	EvictionLRU      EvictionPolicyName = "LRU"
	EvictionLFU      EvictionPolicyName = "LFU"
	EvictionTTL      EvictionPolicyName = "TTL"
	EvictionAdaptive EvictionPolicyName = "ADAPTIVE"
)

// PipelineConfig controls the Task Pipeline's worker pool and per-task
// retry/timeout defaults.
type PipelineConfig struct {
	MaxWorkers     int `json:"max_workers"`
	MaxConcurrent  int `json:"max_concurrent"`
	DefaultTimeout int `json:"default_timeout_seconds"`
	MaxRetries     int `json:"max_retries"`
}

// CacheConfig controls the Intelligent Cache's hot/warm tiers.
type CacheConfig struct {
	MemoryBudgetBytes int64              `json:"cache_memory_budget_bytes"`
	DefaultTTLSeconds int64              `json:"default_ttl_seconds"`
	EvictionPolicy    EvictionPolicyName `json:"eviction_policy"`
	DiskEnabled       bool               `json:"disk_enabled"`
	DiskDir           string             `json:"disk_dir"`
	CompressDisk      bool               `json:"compress_disk"`
	PrefetchEnabled   bool               `json:"prefetch_enabled"`
}

// MetricsConfig controls MetricsSink sampling.
type MetricsConfig struct {
	IntervalMs int `json:"metrics_interval_ms"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"` // "console", "file", or "both"
	File   string `json:"file"`
}

// Config is the complete substrate configuration.
type Config struct {
	Pipeline PipelineConfig `json:"pipeline"`
	Cache    CacheConfig    `json:"cache"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
}

// DefaultConfig returns the balanced configuration recommended for most
// embedders, matching the defaults enumerated in the spec's configuration
// table.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxWorkers:     runtime.NumCPU() + 4,
			MaxConcurrent:  100,
			DefaultTimeout: 30,
			MaxRetries:     3,
		},
		Cache: CacheConfig{
			MemoryBudgetBytes: 512 * 1024 * 1024,
			DefaultTTLSeconds: 3600,
			EvictionPolicy:    EvictionAdaptive,
			DiskEnabled:       true,
			DiskDir:           filepath.Join(".", ".cache"),
			CompressDisk:      true,
			PrefetchEnabled:   true,
		},
		Metrics: MetricsConfig{IntervalMs: 5000},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "console"},
	}
}

// BatchPreset favors throughput for large offline analysis runs: twice as
// many workers as CPUs, a higher concurrency cap, a larger cache budget,
// and coarser logging.
func BatchPreset() *Config {
	c := DefaultConfig()
	c.Pipeline.MaxWorkers = runtime.NumCPU() * 2
	c.Pipeline.MaxConcurrent = 256
	c.Cache.MemoryBudgetBytes = 2 * 1024 * 1024 * 1024
	c.Logging.Level = "warn"
	return c
}

// InteractivePreset favors responsiveness for editor-bridge style callers:
// a small worker pool, tight timeouts, and verbose logging for diagnosis.
func InteractivePreset() *Config {
	c := DefaultConfig()
	c.Pipeline.MaxWorkers = 4
	c.Pipeline.MaxConcurrent = 16
	c.Pipeline.DefaultTimeout = 10
	c.Cache.MemoryBudgetBytes = 128 * 1024 * 1024
	c.Logging.Level = "debug"
	return c
}

// GetPresetConfig resolves a preset name to a Config.
func GetPresetConfig(preset string) (*Config, error) {
	switch preset {
	case "default", "":
		return DefaultConfig(), nil
	case "batch":
		return BatchPreset(), nil
	case "interactive":
		return InteractivePreset(), nil
	default:
		return nil, fmt.Errorf("substrateconfig: unknown preset %q (available: default, batch, interactive)", preset)
	}
}

// LoadConfig loads the default configuration, then overlays configPath (if
// non-empty and present) and environment variables, then validates the
// result. A missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("substrateconfig: load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("substrateconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides merges SUBSTRATE_* environment variables onto
// the configuration. Numeric values that do not parse are ignored. A
// boolean variable is true for a case-insensitive "true" and false for any
// other value. String values are applied as given. Validate runs
// afterwards in LoadConfig, so an out-of-range number or an unknown policy,
// level, format or output makes LoadConfig fail.
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("SUBSTRATE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxWorkers = n
		}
	}
	if v := os.Getenv("SUBSTRATE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SUBSTRATE_DEFAULT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.DefaultTimeout = n
		}
	}
	if v := os.Getenv("SUBSTRATE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxRetries = n
		}
	}
	if v := os.Getenv("SUBSTRATE_CACHE_MEMORY_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.MemoryBudgetBytes = n
		}
	}
	if v := os.Getenv("SUBSTRATE_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.DefaultTTLSeconds = n
		}
	}
	if v := os.Getenv("SUBSTRATE_EVICTION_POLICY"); v != "" {
		c.Cache.EvictionPolicy = EvictionPolicyName(strings.ToUpper(v))
	}
	if v := os.Getenv("SUBSTRATE_DISK_ENABLED"); v != "" {
		c.Cache.DiskEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SUBSTRATE_DISK_DIR"); v != "" {
		c.Cache.DiskDir = v
	}
	if v := os.Getenv("SUBSTRATE_COMPRESS_DISK"); v != "" {
		c.Cache.CompressDisk = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SUBSTRATE_PREFETCH_ENABLED"); v != "" {
		c.Cache.PrefetchEnabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SUBSTRATE_METRICS_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.IntervalMs = n
		}
	}
	if v := os.Getenv("SUBSTRATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SUBSTRATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SUBSTRATE_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("SUBSTRATE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// Validate checks the configuration for internally-inconsistent or
// out-of-range values, returning an actionable error for the first problem
// found.
func (c *Config) Validate() error {
	if c.Pipeline.MaxWorkers <= 0 {
		return fmt.Errorf("pipeline.max_workers must be positive (got %d)", c.Pipeline.MaxWorkers)
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive (got %d)", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.DefaultTimeout <= 0 {
		return fmt.Errorf("pipeline.default_timeout_seconds must be positive (got %d)", c.Pipeline.DefaultTimeout)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries cannot be negative (got %d)", c.Pipeline.MaxRetries)
	}

	if c.Cache.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("cache.cache_memory_budget_bytes must be positive (got %d)", c.Cache.MemoryBudgetBytes)
	}
	if c.Cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("cache.default_ttl_seconds cannot be negative (got %d)", c.Cache.DefaultTTLSeconds)
	}
	switch c.Cache.EvictionPolicy {
	case EvictionLRU, EvictionLFU, EvictionTTL, EvictionAdaptive:
	default:
		return fmt.Errorf("cache.eviction_policy must be one of LRU, LFU, TTL, ADAPTIVE (got %q)", c.Cache.EvictionPolicy)
	}
	if c.Cache.DiskEnabled && c.Cache.DiskDir == "" {
		return fmt.Errorf("cache.disk_dir is required when disk_enabled is true")
	}

	if c.Metrics.IntervalMs <= 0 {
		return fmt.Errorf("metrics.metrics_interval_ms must be positive (got %d)", c.Metrics.IntervalMs)
	}

	if _, err := obslog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level invalid: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("logging.output must be console, file, or both (got %q)", c.Logging.Output)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when logging.output is %q", c.Logging.Output)
	}

	return nil
}

// SaveToFile writes c as indented JSON to path, creating parent directories
// as needed.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("substrateconfig: create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("substrateconfig: marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
