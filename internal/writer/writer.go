// Package writer performs the idempotent load step. Rows are inserted at
// most once; a re-run of the same input produces zero new rows and zero
// audit entries. Stored rows are never updated or deleted here.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/audit"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// Outcome classifies one write attempt.
type Outcome int

const (
	// Inserted means the row was new and is now stored.
	Inserted Outcome = iota
	// SkippedDuplicate means a logically identical row already existed.
	SkippedDuplicate
	// Conflicted means a row with the same key but different values
	// existed; the stored row was kept and an audit entry recorded.
	Conflicted
)

// Writer loads headers and items into the partitioned store.
type Writer struct {
	store  storage.Store
	logger *slog.Logger

	// ensured caches partitions provisioned during this run so each
	// (table, month) pair costs at most one DDL round trip.
	ensured map[string]bool
}

// New creates a writer over the given store.
func New(store storage.Store) *Writer {
	return &Writer{
		store:   store,
		logger:  logging.Component("writer"),
		ensured: make(map[string]bool),
	}
}

func (w *Writer) ensurePartition(ctx context.Context, table string, period storage.Period) error {
	key := table + "/" + period.Suffix()
	if w.ensured[key] {
		return nil
	}
	if err := w.store.EnsurePartition(ctx, table, period); err != nil {
		return fmt.Errorf("ensure partition %s: %w", key, err)
	}
	w.ensured[key] = true
	return nil
}

// WriteHeader inserts a header if no header with its key exists. Existing
// headers are never touched, whatever the incoming values.
func (w *Writer) WriteHeader(ctx context.Context, h storage.Header) (Outcome, error) {
	if err := w.ensurePartition(ctx, storage.TableHeaders, storage.PeriodOf(h.OrderDate)); err != nil {
		return SkippedDuplicate, err
	}
	inserted, err := w.store.InsertHeader(ctx, h)
	if err != nil {
		if errors.Is(err, storage.ErrPartitionMissing) {
			return SkippedDuplicate, fmt.Errorf("header %s: %w", h.PurchaseOrderID, err)
		}
		return SkippedDuplicate, fmt.Errorf("insert header %s: %w", h.PurchaseOrderID, err)
	}
	if inserted {
		return Inserted, nil
	}
	return SkippedDuplicate, nil
}

// WriteItem inserts an item if its logical key is absent. When the key
// exists, identical rows are skipped silently and divergent rows are
// recorded in the conflict audit; the stored row wins either way.
func (w *Writer) WriteItem(ctx context.Context, it storage.LineItem) (Outcome, error) {
	existing, err := w.store.GetItem(ctx, it.PurchaseOrderID, it.PurchaseOrderNo)
	if err != nil {
		return SkippedDuplicate, fmt.Errorf("lookup item %s/%s: %w", it.PurchaseOrderID, it.PurchaseOrderNo, err)
	}
	if existing != nil {
		return w.auditDuplicate(ctx, *existing, it)
	}

	if err := w.ensurePartition(ctx, storage.TableItems, storage.PeriodOf(it.OrderDate)); err != nil {
		return SkippedDuplicate, err
	}
	inserted, err := w.store.InsertItem(ctx, it)
	if err != nil {
		return SkippedDuplicate, fmt.Errorf("insert item %s/%s: %w", it.PurchaseOrderID, it.PurchaseOrderNo, err)
	}
	if inserted {
		return Inserted, nil
	}
	// Lost a race with a concurrent writer of the same key. Re-read and
	// compare so a divergent racer still reaches the audit.
	existing, err = w.store.GetItem(ctx, it.PurchaseOrderID, it.PurchaseOrderNo)
	if err != nil {
		return SkippedDuplicate, fmt.Errorf("lookup item %s/%s: %w", it.PurchaseOrderID, it.PurchaseOrderNo, err)
	}
	if existing == nil {
		return SkippedDuplicate, nil
	}
	return w.auditDuplicate(ctx, *existing, it)
}

func (w *Writer) auditDuplicate(ctx context.Context, existing, incoming storage.LineItem) (Outcome, error) {
	entry := audit.CompareItems(existing, incoming)
	if entry == nil {
		return SkippedDuplicate, nil
	}
	if err := w.store.AppendConflict(ctx, *entry); err != nil {
		return Conflicted, fmt.Errorf("record conflict %s: %w", entry.Key, err)
	}
	w.logger.Warn("write conflict",
		"key", entry.Key,
		"diff_fields", entry.DiffFields)
	return Conflicted, nil
}

// Quarantine appends validation rejects to the quarantine table.
func (w *Writer) Quarantine(ctx context.Context, recs []storage.QuarantinedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := w.store.AppendQuarantine(ctx, recs); err != nil {
		return fmt.Errorf("quarantine %d records: %w", len(recs), err)
	}
	return nil
}
