// Package notify publishes run-completion events so downstream consumers
// (alerting, dashboards) learn about finished runs without polling the run
// log. Events go to an HTTP webhook, a local spool directory, or nowhere.
package notify

import (
	"context"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/monitor"
)

// Event is one run-completion notification.
type Event struct {
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	RunLabel string    `json:"run_label"`
	Mode     string    `json:"mode"`
	Status   string    `json:"status"`
	Start    time.Time `json:"start_time"`
	End      time.Time `json:"end_time"`

	Extracted   int64 `json:"rows_extracted"`
	Inserted    int64 `json:"rows_inserted"`
	Skipped     int64 `json:"rows_skipped"`
	Conflicts   int64 `json:"conflicts"`
	Quarantined int64 `json:"quarantined"`

	Findings []monitor.Finding `json:"findings,omitempty"`
}

// Emitter publishes run events.
type Emitter interface {
	EmitRun(ctx context.Context, evt Event) error
	Close() error
}

// Config selects the notification target.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`  // HTTP webhook, optional
	SpoolDir string `yaml:"spool_dir"` // local JSON spool, optional
}

// NewEmitter creates an emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("notify")
	if !cfg.Enabled {
		return &noopEmitter{}
	}
	if cfg.Endpoint != "" {
		log.Info("notifying webhook", "endpoint", cfg.Endpoint)
		return newHTTPEmitter(cfg)
	}
	if cfg.SpoolDir != "" {
		log.Info("spooling run events", "dir", cfg.SpoolDir)
		return &fileEmitter{dir: cfg.SpoolDir}
	}
	log.Warn("notifications enabled but no target configured")
	return &noopEmitter{}
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) EmitRun(context.Context, Event) error { return nil }
func (n *noopEmitter) Close() error                         { return nil }
