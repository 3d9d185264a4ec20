package writer

import (
	"context"
	"testing"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

var may = time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func header(id string, date time.Time) storage.Header {
	return storage.Header{PurchaseOrderID: id, OrderDate: date, Currency: "USD"}
}

func item(id, no string, price float64) storage.LineItem {
	return storage.LineItem{
		PurchaseOrderID: id,
		PurchaseOrderNo: no,
		OrderDate:       may,
		Quantity:        f(1),
		UnitPrice:       f(price),
		Total:           f(price),
	}
}

func TestWriteHeaderProvisionsPartition(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)

	out, err := w.WriteHeader(context.Background(), header("PO1", may))
	if err != nil {
		t.Fatalf("write header: %v", err)
	}
	if out != Inserted {
		t.Errorf("outcome = %v, want Inserted", out)
	}
	if !store.HasPartition(storage.TableHeaders, storage.PeriodOf(may)) {
		t.Error("partition not provisioned")
	}
}

func TestWriteHeaderIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)
	ctx := context.Background()

	if _, err := w.WriteHeader(ctx, header("PO1", may)); err != nil {
		t.Fatalf("first write: %v", err)
	}

	// Same key, different payload: kept row wins, no error, no audit.
	dup := header("PO1", may)
	dup.Currency = "EUR"
	out, err := w.WriteHeader(ctx, dup)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if out != SkippedDuplicate {
		t.Errorf("outcome = %v, want SkippedDuplicate", out)
	}
	if store.HeaderCount() != 1 {
		t.Errorf("headers = %d, want 1", store.HeaderCount())
	}
	if len(store.Conflicts) != 0 {
		t.Errorf("headers never audit conflicts, got %+v", store.Conflicts)
	}
}

func TestWriteItemDuplicateIdentical(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)
	ctx := context.Background()

	if _, err := w.WriteItem(ctx, item("PO100", "10", 10.00)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	out, err := w.WriteItem(ctx, item("PO100", "10", 10.00))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if out != SkippedDuplicate {
		t.Errorf("outcome = %v, want SkippedDuplicate", out)
	}
	if store.ItemCount() != 1 {
		t.Errorf("items = %d, want 1", store.ItemCount())
	}
	if len(store.Conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none", store.Conflicts)
	}
}

func TestWriteItemConflictAudited(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)
	ctx := context.Background()

	if _, err := w.WriteItem(ctx, item("PO100", "10", 10.00)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	out, err := w.WriteItem(ctx, item("PO100", "10", 12.50))
	if err != nil {
		t.Fatalf("conflicting write: %v", err)
	}
	if out != Conflicted {
		t.Errorf("outcome = %v, want Conflicted", out)
	}

	// Stored row untouched.
	got, err := store.GetItem(ctx, "PO100", "10")
	if err != nil || got == nil {
		t.Fatalf("get item: %v, %v", got, err)
	}
	if got.UnitPrice == nil || *got.UnitPrice != 10.00 {
		t.Errorf("stored UnitPrice = %v, want 10.00", got.UnitPrice)
	}

	if len(store.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(store.Conflicts))
	}
	c := store.Conflicts[0]
	if len(c.DiffFields) != 2 {
		// unit_price and total both moved with the price.
		t.Errorf("DiffFields = %v", c.DiffFields)
	}
	if c.Table != storage.TableItems || c.Key != "PO100/10" {
		t.Errorf("entry = %+v", c)
	}
}

func TestWriteItemCrossMonthDuplicate(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)
	ctx := context.Background()

	first := item("PO100", "10", 10.00)
	if _, err := w.WriteItem(ctx, first); err != nil {
		t.Fatalf("first write: %v", err)
	}

	// Same logical key arriving with a different order date must not insert
	// a second physical row in another partition.
	shifted := item("PO100", "10", 10.00)
	shifted.OrderDate = may.AddDate(0, 1, 0)
	out, err := w.WriteItem(ctx, shifted)
	if err != nil {
		t.Fatalf("shifted write: %v", err)
	}
	if out != SkippedDuplicate {
		t.Errorf("outcome = %v, want SkippedDuplicate", out)
	}
	if store.ItemCount() != 1 {
		t.Errorf("items = %d, want 1", store.ItemCount())
	}
}

// racingStore hides the stored row from the first lookup, modeling a
// concurrent job inserting the same key between the existence check and
// the insert.
type racingStore struct {
	*storage.MemoryStore
	misses int
}

func (s *racingStore) GetItem(ctx context.Context, purchaseOrderID, purchaseOrderNo string) (*storage.LineItem, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.MemoryStore.GetItem(ctx, purchaseOrderID, purchaseOrderNo)
}

func TestWriteItemRacedDivergentAudited(t *testing.T) {
	inner := storage.NewMemoryStore()
	ctx := context.Background()

	if err := inner.EnsurePartition(ctx, storage.TableItems, storage.PeriodOf(may)); err != nil {
		t.Fatalf("ensure partition: %v", err)
	}
	if _, err := inner.InsertItem(ctx, item("PO100", "10", 10.00)); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	store := &racingStore{MemoryStore: inner, misses: 1}
	w := New(store)

	out, err := w.WriteItem(ctx, item("PO100", "10", 12.50))
	if err != nil {
		t.Fatalf("raced write: %v", err)
	}
	if out != Conflicted {
		t.Errorf("outcome = %v, want Conflicted", out)
	}

	got, err := inner.GetItem(ctx, "PO100", "10")
	if err != nil || got == nil {
		t.Fatalf("get item: %v, %v", got, err)
	}
	if got.UnitPrice == nil || *got.UnitPrice != 10.00 {
		t.Errorf("stored UnitPrice = %v, want 10.00", got.UnitPrice)
	}
	if len(inner.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(inner.Conflicts))
	}
	if inner.ItemCount() != 1 {
		t.Errorf("items = %d, want 1", inner.ItemCount())
	}
}

func TestPartitionEnsuredOncePerMonth(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store)
	ctx := context.Background()

	for i, no := range []string{"10", "20", "30"} {
		it := item("PO200", no, float64(i+1))
		if _, err := w.WriteItem(ctx, it); err != nil {
			t.Fatalf("write %s: %v", no, err)
		}
	}
	if !store.HasPartition(storage.TableItems, storage.PeriodOf(may)) {
		t.Error("partition missing")
	}
	if store.ItemCount() != 3 {
		t.Errorf("items = %d, want 3", store.ItemCount())
	}
}
