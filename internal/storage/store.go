package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPartitionMissing is returned by inserts that target a month for which no
// partition has been provisioned yet. Callers are expected to EnsurePartition
// first; the writer does this lazily.
var ErrPartitionMissing = errors.New("no partition for order_date")

// Store is the relational store behind the ingestion pipeline: the two
// partitioned order relations plus the quarantine, conflict-audit, run-log,
// checkpoint and lock side tables.
//
// All insert operations are idempotent under retry: inserting a logically
// identical row a second time reports inserted=false and does not error.
type Store interface {
	// EnsurePartition provisions the monthly partition of table covering
	// period. Safe under concurrent callers (create-if-not-exists).
	EnsurePartition(ctx context.Context, table string, period Period) error

	// InsertHeader inserts a header keyed by (purchase_order_id, order_date).
	// Returns false when a header with that key already exists; the existing
	// row is never modified.
	InsertHeader(ctx context.Context, h Header) (bool, error)

	// GetItem looks up an item by its logical key across all partitions.
	// Returns nil when no such item exists.
	GetItem(ctx context.Context, purchaseOrderID, purchaseOrderNo string) (*LineItem, error)

	// InsertItem inserts an item keyed by (purchase_order_id,
	// purchase_order_no). Returns false when the key already exists within
	// the target partition.
	InsertItem(ctx context.Context, it LineItem) (bool, error)

	// AppendQuarantine appends validation rejects. Append-only.
	AppendQuarantine(ctx context.Context, recs []QuarantinedRecord) error

	// AppendConflict appends one conflict-audit entry. Append-only.
	AppendConflict(ctx context.Context, e ConflictEntry) error

	// BeginRun opens a run-log entry with status=running and returns its id.
	BeginRun(ctx context.Context, mode string, start time.Time) (int64, error)

	// EndRun finalizes a run-log entry with counts and terminal status.
	EndRun(ctx context.Context, id int64, rec RunRecord) error

	// LastSuccess returns the end time of the most recent successful run of
	// mode ("" = any mode). Zero time when none exists.
	LastSuccess(ctx context.Context, mode string) (time.Time, error)

	// GetCheckpoint returns the checkpoint for a job, creating a zero-valued
	// one if absent.
	GetCheckpoint(ctx context.Context, jobName string) (Checkpoint, error)

	// AdvanceCheckpoint moves a job's cursor. Only called after the run's
	// writes are durably committed.
	AdvanceCheckpoint(ctx context.Context, jobName string, offset int64) error

	// AcquireLock atomically claims the run lock for a job. A held lock older
	// than staleAfter is reclaimed. Returns the prior holder, if any:
	// acquired with a non-nil prior means a stale lock was reclaimed;
	// not acquired means prior is the active holder.
	AcquireLock(ctx context.Context, jobName string, staleAfter time.Duration) (acquired bool, prior *Lock, err error)

	// ReleaseLock removes the run lock for a job.
	ReleaseLock(ctx context.Context, jobName string) error

	// TruncateOrders empties both partitioned relations. Used by historical
	// reloads when configured to start from scratch.
	TruncateOrders(ctx context.Context) error

	// Close releases any resources.
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend     string // "postgres" | "memory"
	PostgresDSN string
}

// New creates a store backend based on configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("PostgresDSN required for postgres backend")
		}
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
