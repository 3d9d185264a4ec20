// Package runlock enforces single-flight execution per job. The lock lives
// in the metadata tables so concurrent schedulers on different hosts contend
// on the same row.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/metrics"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// ErrBusy is returned when another run holds the lock. Callers treat this as
// a clean skip, not a failure.
var ErrBusy = errors.New("another run holds the lock")

// DefaultStaleAfter is how long a held lock survives before a new run may
// reclaim it from a crashed predecessor.
const DefaultStaleAfter = 2 * time.Hour

// Config tunes lock acquisition.
type Config struct {
	JobName string `yaml:"job_name"`
	// StaleAfter bounds how long a crashed run can block the job. Zero or
	// negative disables reclaim.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Guard acquires and releases the run lock for one job.
type Guard struct {
	cfg    Config
	store  storage.Store
	logger *slog.Logger
}

// NewGuard creates a lock guard over the given store.
func NewGuard(cfg Config, store storage.Store) *Guard {
	return &Guard{cfg: cfg, store: store, logger: logging.Component("runlock")}
}

// Handle represents a held lock. Release it when the run finishes, on every
// exit path.
type Handle struct {
	job   string
	store storage.Store
}

// Acquire claims the job's lock. Returns ErrBusy when an active run holds
// it. A lock older than StaleAfter is reclaimed with a warning; the crashed
// holder's run-log entry stays failed or running as it was.
func (g *Guard) Acquire(ctx context.Context) (*Handle, error) {
	acquired, prior, err := g.store.AcquireLock(ctx, g.cfg.JobName, g.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", g.cfg.JobName, err)
	}
	if !acquired {
		g.logger.Info("lock busy",
			"job", g.cfg.JobName,
			"held_since", prior.StartedAt)
		return nil, fmt.Errorf("%w: job %s held since %s", ErrBusy, g.cfg.JobName, prior.StartedAt.Format(time.RFC3339))
	}
	if prior != nil {
		g.logger.Warn("reclaimed stale lock",
			"job", g.cfg.JobName,
			"stale_since", prior.StartedAt,
			"stale_after", g.cfg.StaleAfter)
		if m := metrics.Get(); m != nil {
			m.LockReclaimed.WithLabelValues(g.cfg.JobName).Inc()
		}
	}
	return &Handle{job: g.cfg.JobName, store: g.store}, nil
}

// Release frees the lock. Safe to call once per handle; errors are returned
// for logging but the run's outcome does not depend on them.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.store.ReleaseLock(ctx, h.job); err != nil {
		return fmt.Errorf("release lock %s: %w", h.job, err)
	}
	return nil
}
