package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig selects the log level and destination. Validate documents
// the accepted values.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"` // destination when output is "file"
}

// DebugConfig holds the debug HTTP server configuration.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig points the OTLP trace exporter at a collector.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // collector host:port
	Protocol string `yaml:"protocol"` // "grpc" (the default) or "http"
}

// SelfMonitoringConfig drives the system resource collector.
type SelfMonitoringConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Interval     string `yaml:"interval"`
	MetricPrefix string `yaml:"metric_prefix"`
}

// MemoryConfig sizes the node-wide admission pool and spill-space budget.
type MemoryConfig struct {
	// PoolMaxBytes is the admission pool ceiling. Zero means size the pool
	// from PoolMaxFraction of total system memory instead.
	PoolMaxBytes    int64   `yaml:"pool_max_bytes"`
	PoolMaxFraction float64 `yaml:"pool_max_fraction"`
	// SpillSpaceMaxBytes is the node-wide disk budget shared by all queries.
	SpillSpaceMaxBytes int64 `yaml:"spill_space_max_bytes"`
}

// QueryConfig holds the default per-query resource ceilings.
type QueryConfig struct {
	MaxUserMemoryBytes  int64 `yaml:"max_user_memory_bytes"`
	MaxTotalMemoryBytes int64 `yaml:"max_total_memory_bytes"`
	MaxSpillBytes       int64 `yaml:"max_spill_bytes"`
}

// SpillConfig holds spiller-factory configuration.
type SpillConfig struct {
	Paths                 []string `yaml:"paths"`
	MaxUsedSpaceThreshold float64  `yaml:"max_used_space_threshold"`
	Compression           string   `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
	Encrypt               bool     `yaml:"encrypt"`
	DirectSerialization   bool     `yaml:"direct_serialization"`
	PrefetchPages         int      `yaml:"prefetch_pages"`
	MaxOpenFiles          int64    `yaml:"max_open_files"`
}

// Config aggregates every section of the YAML configuration file.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	Tracing        TracingConfig        `yaml:"tracing"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Memory         MemoryConfig         `yaml:"memory"`
	Query          QueryConfig          `yaml:"query"`
	Spill          SpillConfig          `yaml:"spill"`
}

// DefaultConfig returns the configuration used when no file or section
// overrides it.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "debug",
			Output: "stdout",
			File:   "nexusquery.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:      true,
			Interval:     "15s",
			MetricPrefix: "__",
		},
		Memory: MemoryConfig{
			PoolMaxBytes:       0,
			PoolMaxFraction:    0.6,
			SpillSpaceMaxBytes: 8 << 30, // 8 GiB
		},
		Query: QueryConfig{
			MaxUserMemoryBytes:  1 << 30, // 1 GiB
			MaxTotalMemoryBytes: 2 << 30, // 2 GiB
			MaxSpillBytes:       4 << 30, // 4 GiB
		},
		Spill: SpillConfig{
			Paths:                 []string{"./data/spill"},
			MaxUsedSpaceThreshold: 0.9,
			Compression:           "snappy",
			Encrypt:               false,
			DirectSerialization:   false,
			PrefetchPages:         4,
			MaxOpenFiles:          128,
		},
	}
}

// ParseDuration parses a duration string like "15s", falling back to
// defaultDuration when the string is empty, "0" or malformed. Malformed
// input is logged through logger when one is given.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Unparseable duration, using the default.", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads YAML configuration from r, overlaying DefaultConfig. A nil
// reader or empty input yields the defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from the YAML file at path. A missing
// file is not an error; it yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate range-checks the configuration. Load does not call it, so tests
// can build partial configs; binaries validate once after loading.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "none":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("logging.output is \"file\" but logging.file is empty")
		}
	default:
		return fmt.Errorf("logging.output %q is not one of stdout, stderr, file, none", c.Logging.Output)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint must be set when tracing is enabled")
		}
		switch strings.ToLower(c.Tracing.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("tracing.protocol %q is not one of grpc, http", c.Tracing.Protocol)
		}
	}

	if c.Memory.PoolMaxBytes < 0 {
		return fmt.Errorf("memory.pool_max_bytes must not be negative, got %d", c.Memory.PoolMaxBytes)
	}
	if c.Memory.PoolMaxBytes == 0 && (c.Memory.PoolMaxFraction <= 0 || c.Memory.PoolMaxFraction > 1) {
		return fmt.Errorf("memory.pool_max_fraction %.2f is outside (0, 1]", c.Memory.PoolMaxFraction)
	}
	if c.Memory.SpillSpaceMaxBytes < 0 {
		return fmt.Errorf("memory.spill_space_max_bytes must not be negative, got %d", c.Memory.SpillSpaceMaxBytes)
	}

	if c.Query.MaxUserMemoryBytes < 0 {
		return fmt.Errorf("query.max_user_memory_bytes must not be negative, got %d", c.Query.MaxUserMemoryBytes)
	}
	if c.Query.MaxTotalMemoryBytes < c.Query.MaxUserMemoryBytes {
		return fmt.Errorf("query.max_total_memory_bytes (%d) must be at least query.max_user_memory_bytes (%d)",
			c.Query.MaxTotalMemoryBytes, c.Query.MaxUserMemoryBytes)
	}
	if c.Query.MaxSpillBytes < 0 {
		return fmt.Errorf("query.max_spill_bytes must not be negative, got %d", c.Query.MaxSpillBytes)
	}

	if len(c.Spill.Paths) == 0 {
		return fmt.Errorf("spill.paths must list at least one directory")
	}
	if c.Spill.MaxUsedSpaceThreshold <= 0 || c.Spill.MaxUsedSpaceThreshold > 1 {
		return fmt.Errorf("spill.max_used_space_threshold %.2f is outside (0, 1]", c.Spill.MaxUsedSpaceThreshold)
	}
	switch strings.ToLower(c.Spill.Compression) {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("spill.compression %q is not one of none, snappy, lz4, zstd", c.Spill.Compression)
	}
	if c.Spill.PrefetchPages < 1 {
		return fmt.Errorf("spill.prefetch_pages must be at least 1, got %d", c.Spill.PrefetchPages)
	}
	if c.Spill.MaxOpenFiles < 1 {
		return fmt.Errorf("spill.max_open_files must be at least 1, got %d", c.Spill.MaxOpenFiles)
	}
	return nil
}
