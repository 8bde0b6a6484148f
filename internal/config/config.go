// Package config holds the shared configuration for the index manager and
// workers. Values merge from defaults, an optional YAML file, environment
// variables, then command-line flags (handled by each binary).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration supports "5s"-style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full configuration. The manager passes the same configuration
// to every worker, plus the worker's own shard id.
type Config struct {
	// Positional arguments.
	DatasetPath string `yaml:"dataset_path"`
	OutputDir   string `yaml:"output_dir"`

	Sharding SharedConfig  `yaml:"sharding"`
	Memory   MemoryConfig  `yaml:"memory"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`

	// TopK is the retrieval size recorded for the downstream retrieval stage.
	TopK int `yaml:"top_k"`

	// AuditDir, when set, enables the hash-chained audit trail there.
	AuditDir string `yaml:"audit_dir"`

	// RunID identifies one manager invocation; the manager forwards it to
	// workers so their audit events join the same run.
	RunID string `yaml:"-"`
}

// SharedConfig covers worker-shard parameters.
type SharedConfig struct {
	// Workers is the shard count; the manager spawns one worker per shard.
	Workers int `yaml:"workers"`
	// ShardID is only meaningful inside a worker process.
	ShardID int `yaml:"-"`
	// LogDir, when set, redirects each worker's output to worker_<shard>.log.
	LogDir string `yaml:"log_dir"`
	// GracePeriod bounds how long terminated workers get to exit before
	// they are force-killed.
	GracePeriod Duration `yaml:"grace_period"`
	// ParquetIndex additionally exports each shard's index metadata as parquet.
	ParquetIndex bool `yaml:"parquet_index"`
}

// MemoryConfig carries the external memory-service parameters.
type MemoryConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	EmbeddingModel  string `yaml:"embedding_model"`
	LLMBackend      string `yaml:"llm_backend"`
	LLMModel        string `yaml:"llm_model"`
	EvoThreshold    int    `yaml:"evo_threshold"`
	DisableThinking bool   `yaml:"disable_thinking"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Sharding: SharedConfig{
			Workers:     2,
			GracePeriod: Duration(5 * time.Second),
		},
		Memory: MemoryConfig{
			EmbeddingModel: "all-MiniLM-L6-v2",
			LLMBackend:     "openai",
			LLMModel:       "gpt-4o-mini",
			APIKey:         "dummy",
			EvoThreshold:   100,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		TopK: 10,
	}
}

// LoadFile merges a YAML file over the receiver.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays AMEM_* environment variables.
func (c *Config) ApplyEnv() {
	c.Memory.BaseURL = getenvDefault("AMEM_BASE_URL", c.Memory.BaseURL)
	c.Memory.APIKey = getenvDefault("AMEM_API_KEY", c.Memory.APIKey)
	c.Memory.EmbeddingModel = getenvDefault("AMEM_EMBEDDING_MODEL", c.Memory.EmbeddingModel)
	c.Memory.LLMBackend = getenvDefault("AMEM_LLM_BACKEND", c.Memory.LLMBackend)
	c.Memory.LLMModel = getenvDefault("AMEM_LLM_MODEL", c.Memory.LLMModel)
	c.Memory.EvoThreshold = getenvInt("AMEM_EVO_THRESHOLD", c.Memory.EvoThreshold)
	c.Sharding.Workers = getenvInt("AMEM_WORKERS", c.Sharding.Workers)
	c.Sharding.LogDir = getenvDefault("AMEM_LOG_DIR", c.Sharding.LogDir)
	c.Sharding.GracePeriod = getenvDuration("AMEM_GRACE_PERIOD", c.Sharding.GracePeriod)
	c.Logging.Format = getenvDefault("AMEM_LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("AMEM_LOG_LEVEL", c.Logging.Level)
	c.TopK = getenvInt("AMEM_TOP_K", c.TopK)
	c.AuditDir = getenvDefault("AMEM_AUDIT_DIR", c.AuditDir)
}

// Validation errors callers branch on at startup.
var (
	ErrMissingDataset = errors.New("dataset path is required")
	ErrMissingOutput  = errors.New("output directory is required")
)

// Validate checks the configuration for a manager run.
func (c *Config) Validate() error {
	if c.DatasetPath == "" {
		return ErrMissingDataset
	}
	if c.OutputDir == "" {
		return ErrMissingOutput
	}
	if c.Sharding.Workers < 1 {
		return fmt.Errorf("worker count must be >= 1: got %d", c.Sharding.Workers)
	}
	return nil
}

// ValidateWorker checks the configuration for a worker run.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Sharding.ShardID < 0 || c.Sharding.ShardID >= c.Sharding.Workers {
		return fmt.Errorf("shard id %d out of range [0, %d)", c.Sharding.ShardID, c.Sharding.Workers)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def Duration) Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return Duration(parsed)
		}
	}
	return def
}
