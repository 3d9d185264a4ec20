// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/checkpoint"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/metrics"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/monitor"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/notify"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/runlock"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/stage"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/validate"
)

// Config is the full pipeline configuration.
type Config struct {
	Source     source.Config      `yaml:"source"`
	Database   DatabaseConfig     `yaml:"database"`
	Stage      stage.Config       `yaml:"stage"`
	Checkpoint checkpoint.Config  `yaml:"checkpoint"`
	Lock       runlock.Config     `yaml:"lock"`
	Validate   validate.Config    `yaml:"validate"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Monitor    monitor.Thresholds `yaml:"monitor"`
	Notify     notify.Config      `yaml:"notify"`
	Metrics    metrics.Config     `yaml:"metrics"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "postgres" | "memory"
	DSN     string `yaml:"dsn"`
}

// PipelineConfig tunes run behavior.
type PipelineConfig struct {
	// HistoricalChunkDays is the window size historical backfills are
	// split into; each chunk commits independently.
	HistoricalChunkDays int `yaml:"historical_chunk_days"`
	// HistoricalStart bounds how far back a backfill reaches (yyyy-mm-dd).
	HistoricalStart string `yaml:"historical_start"`
	// TruncateOnHistorical wipes the order tables before a backfill.
	TruncateOnHistorical bool `yaml:"truncate_on_historical"`
}

// LoggingConfig mirrors the logging setup options.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values. Secrets stay out of the
// YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PO_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PO_SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("PO_STAGE_URL"); v != "" {
		cfg.Stage.URL = v
	}
	if v := os.Getenv("PO_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("PO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Mode == "" {
		cfg.Source.Mode = "http"
	}
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "postgres"
	}
	if cfg.Checkpoint.JobName == "" {
		cfg.Checkpoint.JobName = "po_ingest"
	}
	cfg.Checkpoint.Enabled = true
	if cfg.Lock.JobName == "" {
		cfg.Lock.JobName = cfg.Checkpoint.JobName
	}
	if cfg.Lock.StaleAfter == 0 {
		cfg.Lock.StaleAfter = runlock.DefaultStaleAfter
	}
	if cfg.Pipeline.HistoricalChunkDays <= 0 {
		cfg.Pipeline.HistoricalChunkDays = 30
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c Config) validate() error {
	if c.Database.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn required (or set PO_DATABASE_DSN)")
	}
	if c.Source.Mode == "http" && c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url required (or set PO_SOURCE_BASE_URL)")
	}
	if c.Pipeline.HistoricalStart != "" {
		if _, err := time.Parse("2006-01-02", c.Pipeline.HistoricalStart); err != nil {
			return fmt.Errorf("pipeline.historical_start: %w", err)
		}
	}
	return nil
}

// LoggingSetup converts to the logging package's config.
func (c Config) LoggingSetup() logging.Config {
	return logging.Config{Format: c.Logging.Format, Level: c.Logging.Level}
}
