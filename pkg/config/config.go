// Package config handles deltagraph configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--namespace, --load-version, etc.)
//  2. Environment variables (DELTAGRAPH_*)
//  3. Config file (deltagraph.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.Load(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables (all use DELTAGRAPH_ prefix):
//
// Storage:
//   - DELTAGRAPH_DATA_DIR="./data"
//   - DELTAGRAPH_IN_MEMORY=false
//   - DELTAGRAPH_SYNC_WRITES=false
//   - DELTAGRAPH_LOW_MEMORY=false
//   - DELTAGRAPH_ENCRYPTION_KEY="" (16, 24 or 32 bytes)
//
// Load:
//   - DELTAGRAPH_NAMESPACE="ncbi_taxa"
//   - DELTAGRAPH_NODES, DELTAGRAPH_EDGES, DELTAGRAPH_MERGES (JSONL paths, .gz allowed)
//   - DELTAGRAPH_LOAD_VERSION="2024-06"
//   - DELTAGRAPH_LOAD_TIMESTAMP, DELTAGRAPH_RELEASE_TIMESTAMP (epoch millis)
//   - DELTAGRAPH_BATCH_SIZE=1000
//   - DELTAGRAPH_WORKERS=4
//   - DELTAGRAPH_MAX_RETRIES=5
//
// Logging:
//   - DELTAGRAPH_LOG_LEVEL="info"
//   - DELTAGRAPH_LOG_FORMAT="text" or "json"
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all deltagraph configuration.
//
// Configuration is organized into logical sections:
//   - Storage: where and how the graph is persisted
//   - Inputs: snapshot files for a load
//   - Versioning: the load version and its timestamps
//   - Loader: batching, concurrency and retries
//   - Logging and Metrics
type Config struct {
	// Namespace isolates one graph (e.g. "ncbi_taxa") from others in the same store.
	Namespace string `yaml:"namespace"`

	Storage    StorageConfig    `yaml:"storage"`
	Inputs     InputsConfig     `yaml:"inputs"`
	Versioning VersioningConfig `yaml:"versioning"`
	Loader     LoaderConfig     `yaml:"loader"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// StorageConfig holds BadgerDB settings.
type StorageConfig struct {
	// DataDir is where BadgerDB keeps its files.
	// Env: DELTAGRAPH_DATA_DIR (default: "./data")
	DataDir string `yaml:"data_dir"`

	// InMemory keeps everything in RAM. Nothing survives the process.
	// Env: DELTAGRAPH_IN_MEMORY (default: false)
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	// Env: DELTAGRAPH_SYNC_WRITES (default: false)
	SyncWrites bool `yaml:"sync_writes"`

	// LowMemory shrinks Badger's caches and memtables.
	// Env: DELTAGRAPH_LOW_MEMORY (default: false)
	LowMemory bool `yaml:"low_memory"`

	// EncryptionKey enables AES encryption at rest. Prefer the env var over the file.
	// Env: DELTAGRAPH_ENCRYPTION_KEY
	EncryptionKey string `yaml:"encryption_key"`
}

// InputsConfig names the snapshot files of a load.
type InputsConfig struct {
	Nodes  string `yaml:"nodes"`
	Edges  string `yaml:"edges"`
	Merges string `yaml:"merges"`
}

// VersioningConfig identifies a load.
type VersioningConfig struct {
	LoadVersion      string    `yaml:"load_version"`
	LoadTimestamp    Timestamp `yaml:"load_timestamp"`
	ReleaseTimestamp Timestamp `yaml:"release_timestamp"`
}

// LoaderConfig tunes how a load writes.
type LoaderConfig struct {
	// BatchSize is the number of writes per store call.
	// Env: DELTAGRAPH_BATCH_SIZE (default: 1000)
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of batches written concurrently.
	// Env: DELTAGRAPH_WORKERS (default: 4)
	Workers int `yaml:"workers"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	// Env: DELTAGRAPH_MAX_RETRIES (default: 5)
	MaxRetries int `yaml:"max_retries"`
	// Env: DELTAGRAPH_RETRY_INITIAL_INTERVAL (default: 50ms)
	InitialInterval time.Duration `yaml:"initial_interval"`
	// Env: DELTAGRAPH_RETRY_MAX_INTERVAL (default: 2s)
	MaxInterval time.Duration `yaml:"max_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: trace, debug, info, warn, error.
	// Env: DELTAGRAPH_LOG_LEVEL (default: "info")
	Level string `yaml:"level"`

	// Format: text or json.
	// Env: DELTAGRAPH_LOG_FORMAT (default: "text")
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics output settings.
type MetricsConfig struct {
	// Textfile, if set, receives the metrics in node-exporter textfile format after a load.
	// Env: DELTAGRAPH_METRICS_TEXTFILE
	Textfile string `yaml:"textfile"`
}

// Timestamp is an epoch millisecond value. In YAML it may be written as an integer
// or as an integer-valued float (1.7172e12), which some generators emit.
type Timestamp int64

// UnmarshalYAML accepts integers and integer-valued floats.
func (t *Timestamp) UnmarshalYAML(value *yaml.Node) error {
	ts, err := ParseTimestamp(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = ts
	return nil
}

// ParseTimestamp parses an epoch millisecond value.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || f >= 1<<63 || f < -1<<63 {
		return 0, fmt.Errorf("timestamp %q is not an integer", s)
	}
	return Timestamp(int64(f)), nil
}

// LoadDefaults returns a Config with built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Loader: LoaderConfig{
			BatchSize: 1000,
			Workers:   4,
			Retry: RetryConfig{
				MaxRetries:      5,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at configPath (if any) and the
// environment, in that order.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnvVars(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML config on top of the defaults. A missing or empty path
// yields the defaults.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()
	if configPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// ApplyEnvVars overrides cfg with DELTAGRAPH_* environment variables. Malformed
// timestamps are reported; other malformed values are ignored.
func ApplyEnvVars(cfg *Config) error {
	cfg.Namespace = getEnv("DELTAGRAPH_NAMESPACE", cfg.Namespace)

	cfg.Storage.DataDir = getEnv("DELTAGRAPH_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.InMemory = getEnvBool("DELTAGRAPH_IN_MEMORY", cfg.Storage.InMemory)
	cfg.Storage.SyncWrites = getEnvBool("DELTAGRAPH_SYNC_WRITES", cfg.Storage.SyncWrites)
	cfg.Storage.LowMemory = getEnvBool("DELTAGRAPH_LOW_MEMORY", cfg.Storage.LowMemory)
	cfg.Storage.EncryptionKey = getEnv("DELTAGRAPH_ENCRYPTION_KEY", cfg.Storage.EncryptionKey)

	cfg.Inputs.Nodes = getEnv("DELTAGRAPH_NODES", cfg.Inputs.Nodes)
	cfg.Inputs.Edges = getEnv("DELTAGRAPH_EDGES", cfg.Inputs.Edges)
	cfg.Inputs.Merges = getEnv("DELTAGRAPH_MERGES", cfg.Inputs.Merges)

	cfg.Versioning.LoadVersion = getEnv("DELTAGRAPH_LOAD_VERSION", cfg.Versioning.LoadVersion)

	cfg.Loader.BatchSize = getEnvInt("DELTAGRAPH_BATCH_SIZE", cfg.Loader.BatchSize)
	cfg.Loader.Workers = getEnvInt("DELTAGRAPH_WORKERS", cfg.Loader.Workers)
	cfg.Loader.Retry.MaxRetries = getEnvInt("DELTAGRAPH_MAX_RETRIES", cfg.Loader.Retry.MaxRetries)
	cfg.Loader.Retry.InitialInterval = getEnvDuration("DELTAGRAPH_RETRY_INITIAL_INTERVAL", cfg.Loader.Retry.InitialInterval)
	cfg.Loader.Retry.MaxInterval = getEnvDuration("DELTAGRAPH_RETRY_MAX_INTERVAL", cfg.Loader.Retry.MaxInterval)

	cfg.Logging.Level = getEnv("DELTAGRAPH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("DELTAGRAPH_LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Textfile = getEnv("DELTAGRAPH_METRICS_TEXTFILE", cfg.Metrics.Textfile)

	var result *multierror.Error
	for key, dst := range map[string]*Timestamp{
		"DELTAGRAPH_LOAD_TIMESTAMP":    &cfg.Versioning.LoadTimestamp,
		"DELTAGRAPH_RELEASE_TIMESTAMP": &cfg.Versioning.ReleaseTimestamp,
	} {
		if val := os.Getenv(key); val != "" {
			ts, err := ParseTimestamp(val)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = ts
		}
	}
	return result.ErrorOrNil()
}

// Validate checks the settings every command needs and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Namespace == "" || strings.IndexByte(c.Namespace, 0) >= 0 {
		result = multierror.Append(result, fmt.Errorf("namespace is required"))
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		result = multierror.Append(result, fmt.Errorf("storage.data_dir is required unless storage.in_memory is set"))
	}
	if n := len(c.Storage.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		result = multierror.Append(result, fmt.Errorf("storage.encryption_key must be 16, 24 or 32 bytes (got %d)", n))
	}
	if c.Loader.BatchSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid loader.batch_size: %d", c.Loader.BatchSize))
	}
	if c.Loader.Workers <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid loader.workers: %d", c.Loader.Workers))
	}
	if c.Loader.Retry.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid loader.retry.max_retries: %d", c.Loader.Retry.MaxRetries))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return result.ErrorOrNil()
}

// ValidateLoad additionally checks what a load needs.
func (c *Config) ValidateLoad() error {
	var result *multierror.Error
	if err := c.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Inputs.Nodes == "" {
		result = multierror.Append(result, fmt.Errorf("inputs.nodes is required"))
	}
	if c.Inputs.Edges == "" {
		result = multierror.Append(result, fmt.Errorf("inputs.edges is required"))
	}
	if c.Versioning.LoadVersion == "" {
		result = multierror.Append(result, fmt.Errorf("versioning.load_version is required"))
	}
	if c.Versioning.LoadTimestamp <= 0 {
		result = multierror.Append(result, fmt.Errorf("versioning.load_timestamp must be a positive epoch millisecond value"))
	}
	if c.Versioning.ReleaseTimestamp < 0 {
		result = multierror.Append(result, fmt.Errorf("versioning.release_timestamp must not be negative"))
	}
	return result.ErrorOrNil()
}

// String returns a representation safe for logging. The encryption key is omitted.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Namespace: %s, DataDir: %s, InMemory: %v, Encrypted: %v, LoadVersion: %s, BatchSize: %d, Workers: %d}",
		c.Namespace, c.Storage.DataDir, c.Storage.InMemory, c.Storage.EncryptionKey != "",
		c.Versioning.LoadVersion, c.Loader.BatchSize, c.Loader.Workers,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.deltagraph/config.yaml
//  2. Same directory as the binary (deltagraph.yaml)
//  3. Current working directory (deltagraph.yaml, config.yaml)
//  4. ~/.config/deltagraph/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string
	home, herr := os.UserHomeDir()
	if herr == nil {
		candidates = append(candidates, filepath.Join(home, ".deltagraph", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "deltagraph.yaml"))
	}
	candidates = append(candidates, "deltagraph.yaml", "config.yaml")
	if herr == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "deltagraph", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as milliseconds
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
