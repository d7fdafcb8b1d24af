package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/storage"
	"github.com/vjranagit/tsbatch/pkg/types"
)

// testAccumulationTime is the batcher window used when running in the test
// environment.
const testAccumulationTime = time.Millisecond

// Config holds the application configuration
type Config struct {
	// Environment is "production", "development" or "test".
	Environment string        `yaml:"environment"`
	Server      ServerConfig  `yaml:"server"`
	Storage     StorageConfig `yaml:"storage"`
	Cache       CacheConfig   `yaml:"cache"`
	Batcher     BatcherConfig `yaml:"batcher"`
	Charts      ChartsConfig  `yaml:"charts"`
	Logging     LoggingConfig `yaml:"logging"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Timeout    string `yaml:"timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `yaml:"path"`
	RetentionDays    int    `yaml:"retention_days"`
	CompressionLevel int    `yaml:"compression_level"`
	EnableWAL        bool   `yaml:"enable_wal"`
	InMemory         bool   `yaml:"in_memory"`
}

// CacheConfig holds the fetch result cache configuration
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Capacity int    `yaml:"capacity"`
	TTL      string `yaml:"ttl"`
}

// BatcherConfig holds query batcher configuration
type BatcherConfig struct {
	AccumulationTime     string `yaml:"accumulation_time"`
	MaxConcurrentFetches int    `yaml:"max_concurrent_fetches"`
}

// ChartsConfig holds chart rendering configuration
type ChartsConfig struct {
	// Schemas maps collection references to their time series schemas.
	Schemas map[string][]types.TimeSeriesSchema `yaml:"schemas"`
	// Preview registers the "preview" data source serving generated points.
	Preview bool `yaml:"preview"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr, file, none
	File   string `yaml:"file"`
}

// TracingConfig holds OTLP trace export configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g. "localhost:4317" for a gRPC collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			ListenAddr: ":9090",
			Timeout:    "30s",
		},
		Storage: StorageConfig{
			Path:             "./data",
			RetentionDays:    30,
			CompressionLevel: 3,
			EnableWAL:        true,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 1024,
			TTL:      "5s",
		},
		Batcher: BatcherConfig{
			AccumulationTime: batcher.DefaultAccumulationTime.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "tsbatch.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader on top of the defaults and
// applies environment overrides.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if r != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read config data: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// applyEnv overrides configuration from environment variables
func (c *Config) applyEnv() {
	c.Environment = getEnv("TSBATCH_ENV", c.Environment)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.RetentionDays = getEnvInt("RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", c.Storage.CompressionLevel)
	c.Storage.EnableWAL = getEnvBool("ENABLE_WAL", c.Storage.EnableWAL)
	c.Batcher.AccumulationTime = getEnv("BATCH_ACCUMULATION_TIME", c.Batcher.AccumulationTime)
	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
}

// IsTest reports whether the configuration targets the test environment.
func (c *Config) IsTest() bool {
	return strings.EqualFold(c.Environment, "test")
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
		InMemory:         c.Storage.InMemory,
	}
}

// ToBatcherConfig converts to batcher.Config. The test environment always
// uses a 1ms accumulation window.
func (c *Config) ToBatcherConfig(logger *slog.Logger) *batcher.Config {
	window := ParseDuration(c.Batcher.AccumulationTime, batcher.DefaultAccumulationTime, logger)
	if c.IsTest() {
		window = testAccumulationTime
	}
	return &batcher.Config{
		AccumulationTime:     window,
		MaxConcurrentFetches: c.Batcher.MaxConcurrentFetches,
		Logger:               logger,
	}
}

// ServerTimeout returns the HTTP server read and write timeout.
func (c *Config) ServerTimeout(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Server.Timeout, 30*time.Second, logger)
}

// CacheTTL returns the fetch result cache TTL.
func (c *Config) CacheTTL(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Cache.TTL, 5*time.Second, logger)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Cache.Enabled && c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be at least 1")
	}

	if c.Batcher.MaxConcurrentFetches < 0 {
		return fmt.Errorf("max concurrent fetches must not be negative")
	}

	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("unsupported tracing protocol: %q", c.Tracing.Protocol)
		}
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required")
		}
	}

	for _, key := range []struct{ name, value string }{
		{"server.timeout", c.Server.Timeout},
		{"cache.ttl", c.Cache.TTL},
		{"batcher.accumulation_time", c.Batcher.AccumulationTime},
	} {
		if key.value == "" {
			continue
		}
		if d, err := time.ParseDuration(key.value); err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %q", key.name, key.value)
		}
	}

	return nil
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid, logging a warning for invalid input.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
