// Package config loads the YAML configuration surface. Defaults are set
// first, the file overwrites them, Validate collects everything wrong in
// one pass.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronicledb/chronicle/core"
)

// WALConfig holds write-ahead log configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"`     // "always", "interval" or "disabled"
	SyncInterval        string `yaml:"sync_interval"` // used when sync_mode is "interval"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// MemCacheConfig holds in-memory buffer configurations.
type MemCacheConfig struct {
	Shards         int    `yaml:"shards"` // power of two
	MaxBytes       int64  `yaml:"max_bytes"`
	MaxEntries     int    `yaml:"max_entries"`
	MaxAge         string `yaml:"max_age"`
	HardLimitBytes int64  `yaml:"hard_limit_bytes"`
	FlushInterval  string `yaml:"flush_interval"`
}

// RunFileConfig holds column file configurations.
type RunFileConfig struct {
	BlockMaxEntries int    `yaml:"block_max_entries"`
	Compression     string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
}

// CompactionConfig holds compaction configurations.
type CompactionConfig struct {
	MaxFanIn      int     `yaml:"max_fan_in"`
	OverlapRatio  float64 `yaml:"overlap_ratio"`
	CheckInterval string  `yaml:"check_interval"`
	MaxRetries    int     `yaml:"max_retries"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	WAL        WALConfig        `yaml:"wal"`
	MemCache   MemCacheConfig   `yaml:"memcache"`
	RunFile    RunFileConfig    `yaml:"runfile"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		WAL: WALConfig{
			SyncMode:            "always",
			SyncInterval:        "1s",
			MaxSegmentSizeBytes: 128 * 1024 * 1024,
		},
		MemCache: MemCacheConfig{
			Shards:         16,
			MaxBytes:       8 * 1024 * 1024,
			MaxEntries:     1 << 18,
			MaxAge:         "30s",
			HardLimitBytes: 512 * 1024 * 1024,
			FlushInterval:  "1s",
		},
		RunFile: RunFileConfig{
			BlockMaxEntries: 1024,
			Compression:     "snappy",
		},
		Compaction: CompactionConfig{
			MaxFanIn:      8,
			OverlapRatio:  0.3,
			CheckInterval: "60s",
			MaxRetries:    3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "chronicle.log",
		},
	}
}

// LoadFromReader reads configuration from an io.Reader over the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadFromReader(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	switch c.WAL.SyncMode {
	case "always", "interval", "disabled":
	default:
		errs = append(errs, fmt.Errorf("wal.sync_mode %q is not one of always, interval, disabled", c.WAL.SyncMode))
	}
	if c.WAL.MaxSegmentSizeBytes <= 0 {
		errs = append(errs, errors.New("wal.max_segment_size_bytes must be positive"))
	}
	if c.MemCache.Shards <= 0 || c.MemCache.Shards&(c.MemCache.Shards-1) != 0 {
		errs = append(errs, fmt.Errorf("memcache.shards %d must be a power of two", c.MemCache.Shards))
	}
	if c.MemCache.MaxBytes <= 0 {
		errs = append(errs, errors.New("memcache.max_bytes must be positive"))
	}
	if c.MemCache.HardLimitBytes > 0 && c.MemCache.HardLimitBytes < c.MemCache.MaxBytes {
		errs = append(errs, errors.New("memcache.hard_limit_bytes must not be below memcache.max_bytes"))
	}
	if _, ok := core.ParseCompressionType(c.RunFile.Compression); !ok {
		errs = append(errs, fmt.Errorf("runfile.compression %q is not one of none, snappy, lz4, zstd", c.RunFile.Compression))
	}
	if c.RunFile.BlockMaxEntries <= 0 {
		errs = append(errs, errors.New("runfile.block_max_entries must be positive"))
	}
	if c.Compaction.MaxFanIn < 2 {
		errs = append(errs, fmt.Errorf("compaction.max_fan_in %d must be at least 2", c.Compaction.MaxFanIn))
	}
	if c.Compaction.OverlapRatio <= 0 || c.Compaction.OverlapRatio > 1 {
		errs = append(errs, fmt.Errorf("compaction.overlap_ratio %g must be in (0, 1]", c.Compaction.OverlapRatio))
	}
	return errors.Join(errs...)
}

// ParseDuration parses a duration string, falling back to def on empty or
// invalid input.
func ParseDuration(s string, def time.Duration, logger *slog.Logger) time.Duration {
	if s == "" || s == "0" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", s, "default", def.String(), "error", err)
		}
		return def
	}
	return d
}

// BuildLogger constructs the process logger from the logging section.
func (c *Config) BuildLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch c.Logging.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.Logging.File, err)
		}
		w = f
		closer = f
	case "none":
		w = io.Discard
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", c.Logging.Output)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
