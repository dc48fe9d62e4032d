// Package config loads pipeline settings from the environment and, for the
// local CLI, from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// Config is the complete configuration of a deployment.
type Config struct {
	ProjectID string `yaml:"project_id"`
	Dataset   string `yaml:"dataset"`

	SourceBucket   string `yaml:"source_bucket"`
	ExportBucket   string `yaml:"export_bucket"`
	JobsCollection string `yaml:"jobs_collection"`

	WorkflowLocation string `yaml:"workflow_location"`
	WorkflowID       string `yaml:"workflow_id"`

	Topics   Topics   `yaml:"topics"`
	Pipeline Pipeline `yaml:"pipeline"`
	Local    Local    `yaml:"local"`
	Logging  Logging  `yaml:"logging"`
}

// Topics names the Pub/Sub topics between the stages.
type Topics struct {
	Unpack string `yaml:"unpack"`
	Parse  string `yaml:"parse"`
	Verify string `yaml:"verify"`
	Export string `yaml:"export"`
}

// Pipeline holds the run thresholds.
type Pipeline struct {
	BatchSize         int           `yaml:"batch_size"`
	UnpackBatchSize   int           `yaml:"unpack_batch_size"`
	UnpackConcurrency int           `yaml:"unpack_concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	ErrorTolerance    float64       `yaml:"error_tolerance"`
	VerifyDelay       time.Duration `yaml:"verify_delay"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	StalenessWindow   time.Duration `yaml:"staleness_window"`
	MaxEventAge       time.Duration `yaml:"max_event_age"`
	ExportPrefix      string        `yaml:"export_prefix"`
	MinFacts          int           `yaml:"min_facts"`
	FlushThreshold    int           `yaml:"flush_threshold"`
	Workers           int           `yaml:"workers"`
	MemoryHighWater   float64       `yaml:"memory_high_water"`
	MemoryBackoff     time.Duration `yaml:"memory_backoff"`
}

// Local configures a single-machine run.
type Local struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	// TimeScale multiplies scheduled delays; 0.001 turns a ten minute wait into 600ms.
	TimeScale float64 `yaml:"time_scale"`
}

// Logging selects the slog handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	p := pipeline.DefaultConfig()
	return &Config{
		Dataset:          "xbrl",
		JobsCollection:   "xbrl_runs",
		WorkflowLocation: "us-central1",
		WorkflowID:       "xbrl-delayed-publish",
		Topics: Topics{
			Unpack: p.Topics.Unpack,
			Parse:  p.Topics.Parse,
			Verify: p.Topics.Verify,
			Export: p.Topics.Export,
		},
		Pipeline: Pipeline{
			BatchSize:         p.BatchSize,
			UnpackBatchSize:   p.UnpackBatchSize,
			UnpackConcurrency: p.UnpackConcurrency,
			MaxRetries:        p.MaxRetries,
			ErrorTolerance:    p.ErrorTolerance,
			VerifyDelay:       p.VerifyDelay,
			RetryBackoff:      p.RetryBackoff,
			StalenessWindow:   p.StalenessWindow,
			MaxEventAge:       p.MaxEventAge,
			ExportPrefix:      p.ExportPrefix,
			MinFacts:          p.MinFacts,
			FlushThreshold:    p.FlushThreshold,
			Workers:           p.Workers,
			MemoryHighWater:   p.MemoryHighWater,
			MemoryBackoff:     p.MemoryBackoff,
		},
		Local: Local{
			DataDir: "data",
			DBPath:  "data/xbrlflow.duckdb",
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load builds a Config from the defaults and the environment.
func Load() (*Config, error) {
	c := Default()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
// An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.ProjectID = GetEnv("PROJECT_ID", c.ProjectID)
	c.Dataset = GetEnv("BQ_DATASET", c.Dataset)
	c.SourceBucket = GetEnv("SOURCE_BUCKET", c.SourceBucket)
	c.ExportBucket = GetEnv("EXPORT_BUCKET", c.ExportBucket)
	c.JobsCollection = GetEnv("FIRESTORE_COLLECTION", c.JobsCollection)
	c.WorkflowLocation = GetEnv("WORKFLOW_LOCATION", c.WorkflowLocation)
	c.WorkflowID = GetEnv("WORKFLOW_ID", c.WorkflowID)

	c.Topics.Unpack = GetEnv("UNPACK_TOPIC", c.Topics.Unpack)
	c.Topics.Parse = GetEnv("PARSE_TOPIC", c.Topics.Parse)
	c.Topics.Verify = GetEnv("VERIFY_TOPIC", c.Topics.Verify)
	c.Topics.Export = GetEnv("EXPORT_TOPIC", c.Topics.Export)

	p := &c.Pipeline
	p.BatchSize = getInt("BATCH_SIZE", p.BatchSize)
	p.UnpackBatchSize = getInt("UNPACK_BATCH_SIZE", p.UnpackBatchSize)
	p.UnpackConcurrency = getInt("UNPACK_CONCURRENCY", p.UnpackConcurrency)
	p.MaxRetries = getInt("MAX_RETRIES", p.MaxRetries)
	p.ErrorTolerance = getFloat("ERROR_TOLERANCE", p.ErrorTolerance)
	p.VerifyDelay = getDuration("VERIFY_DELAY", p.VerifyDelay)
	p.RetryBackoff = getDuration("RETRY_BACKOFF", p.RetryBackoff)
	p.StalenessWindow = getDuration("STALENESS_WINDOW", p.StalenessWindow)
	p.MaxEventAge = getDuration("MAX_EVENT_AGE", p.MaxEventAge)
	p.ExportPrefix = GetEnv("EXPORT_PREFIX", p.ExportPrefix)
	p.MinFacts = getInt("MIN_FACTS", p.MinFacts)
	p.FlushThreshold = getInt("FLUSH_THRESHOLD", p.FlushThreshold)
	p.Workers = getInt("WORKERS", p.Workers)
	p.MemoryHighWater = getFloat("MEMORY_HIGH_WATER", p.MemoryHighWater)
	p.MemoryBackoff = getDuration("MEMORY_BACKOFF", p.MemoryBackoff)

	c.Local.TimeScale = getFloat("LOCAL_TIME_SCALE", c.Local.TimeScale)
	c.Local.DataDir = GetEnv("LOCAL_DATA_DIR", c.Local.DataDir)
	c.Local.DBPath = GetEnv("LOCAL_DB_PATH", c.Local.DBPath)
	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks the thresholds.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if p.UnpackBatchSize <= 0 {
		return fmt.Errorf("UNPACK_BATCH_SIZE must be positive")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if p.ErrorTolerance < 0 || p.ErrorTolerance >= 1 {
		return fmt.Errorf("ERROR_TOLERANCE must be in [0, 1), got %v", p.ErrorTolerance)
	}
	if p.MinFacts < 0 {
		return fmt.Errorf("MIN_FACTS cannot be negative")
	}
	if p.FlushThreshold <= 0 {
		return fmt.Errorf("FLUSH_THRESHOLD must be positive")
	}
	if p.StalenessWindow <= 0 {
		return fmt.Errorf("STALENESS_WINDOW must be positive")
	}
	return nil
}

// PipelineConfig converts the settings into the controller's configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		Project: c.ProjectID,
		Dataset: c.Dataset,
		Topics: pipeline.Topics{
			Unpack: c.Topics.Unpack,
			Parse:  c.Topics.Parse,
			Verify: c.Topics.Verify,
			Export: c.Topics.Export,
		},
		BatchSize:         p.BatchSize,
		UnpackBatchSize:   p.UnpackBatchSize,
		UnpackConcurrency: p.UnpackConcurrency,
		MaxRetries:        p.MaxRetries,
		ErrorTolerance:    p.ErrorTolerance,
		VerifyDelay:       p.VerifyDelay,
		RetryBackoff:      p.RetryBackoff,
		StalenessWindow:   p.StalenessWindow,
		MaxEventAge:       p.MaxEventAge,
		ExportPrefix:      p.ExportPrefix,
		MinFacts:          p.MinFacts,
		FlushThreshold:    p.FlushThreshold,
		Workers:           p.Workers,
		MemoryHighWater:   p.MemoryHighWater,
		MemoryBackoff:     p.MemoryBackoff,
	}
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// Unparseable numbers fall back to the current value.
func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
