// Package checkpoint tracks the durable extraction cursor for each job. The
// cursor lives in the same database as the staged rows, so it only moves
// when the run that produced it committed.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// Manager handles cursor persistence and retrieval for one job.
type Manager interface {
	// Load reads the current cursor, creating a zero-valued one on first
	// use.
	Load(ctx context.Context) (storage.Checkpoint, error)

	// Advance durably moves the cursor. Callers invoke this only after the
	// run's rows are committed.
	Advance(ctx context.Context, offset int64) error

	// Reset rewinds the cursor to zero. Used by historical backfills that
	// truncate and reload.
	Reset(ctx context.Context) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	JobName string `yaml:"job_name"`
}

// NewManager creates a checkpoint manager over the given store.
func NewManager(cfg Config, store storage.Store) Manager {
	if !cfg.Enabled {
		return &noopManager{job: cfg.JobName}
	}
	return &storeManager{job: cfg.JobName, store: store}
}

// storeManager keeps the cursor in the metadata tables.
type storeManager struct {
	job   string
	store storage.Store
}

func (m *storeManager) Load(ctx context.Context) (storage.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, m.job)
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", m.job, err)
	}
	return cp, nil
}

func (m *storeManager) Advance(ctx context.Context, offset int64) error {
	if err := m.store.AdvanceCheckpoint(ctx, m.job, offset); err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", m.job, err)
	}
	return nil
}

func (m *storeManager) Reset(ctx context.Context) error {
	return m.Advance(ctx, 0)
}

// noopManager always reports a fresh cursor and persists nothing.
type noopManager struct {
	job string
}

func (m *noopManager) Load(ctx context.Context) (storage.Checkpoint, error) {
	return storage.Checkpoint{JobName: m.job}, nil
}

func (m *noopManager) Advance(ctx context.Context, offset int64) error {
	return nil
}

func (m *noopManager) Reset(ctx context.Context) error {
	return nil
}
