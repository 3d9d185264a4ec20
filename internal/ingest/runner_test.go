package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/checkpoint"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/normalize"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/runlock"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/stage"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// now is pinned so the daily window covers 2024-05-15.
var now = time.Date(2024, 5, 16, 3, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// fakeSource serves canned records with offset/limit paging and window
// filtering, the way the upstream endpoint behaves.
type fakeSource struct {
	records  []source.RawRecord
	fetchErr error
}

func (s *fakeSource) Fetch(ctx context.Context, q source.Query) (source.Page, error) {
	if s.fetchErr != nil {
		return source.Page{}, s.fetchErr
	}
	var inWindow []source.RawRecord
	for _, rec := range s.records {
		d, err := normalize.ParseDate(rec.OrderDate)
		if err != nil {
			continue
		}
		if !q.From.IsZero() && d.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !d.Before(q.To) {
			continue
		}
		inWindow = append(inWindow, rec)
	}

	start := q.Offset
	if start > len(inWindow) {
		start = len(inWindow)
	}
	end := start + q.Limit
	if q.Limit <= 0 || end > len(inWindow) {
		end = len(inWindow)
	}
	page := inWindow[start:end]
	return source.Page{Records: page, Returned: len(page), HasMore: end < len(inWindow)}, nil
}

func (s *fakeSource) Close() error { return nil }

func rawRecord(t *testing.T, payload string) source.RawRecord {
	t.Helper()
	var rec source.RawRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return rec
}

func po100(t *testing.T, unitPrice string) source.RawRecord {
	return rawRecord(t, fmt.Sprintf(`{
		"purchase_order_id": "PO100",
		"order_date": "2024-05-15",
		"currency": "USD",
		"to_items": [{"purchase_order_no": "10", "item_id": "MAT-1",
			"quantity": "1", "unit_price": %q, "total": "10.00"}]
	}`, unitPrice))
}

func newRunner(store storage.Store, src source.Source, opts Options) *Runner {
	if opts.Mode == "" {
		opts.Mode = ModeDaily
	}
	if opts.Now == nil {
		opts.Now = clock
	}
	cp := checkpoint.NewManager(checkpoint.Config{Enabled: true, JobName: "po_ingest"}, store)
	guard := runlock.NewGuard(runlock.Config{JobName: "po_ingest", StaleAfter: time.Hour}, store)
	return New(store, src, nil, cp, guard, opts)
}

// rewindCursor clears the daily offset so the next run re-scans the window
// from the start, as happens when upstream offsets shift.
func rewindCursor(t *testing.T, store storage.Store) {
	t.Helper()
	if err := store.AdvanceCheckpoint(context.Background(), "po_ingest", 0); err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}
}

func TestDailyRunIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}
	ctx := context.Background()

	sum1, err := newRunner(store, src, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum1.HeadersInserted != 1 || sum1.ItemsInserted != 1 {
		t.Fatalf("first run summary = %+v", sum1)
	}

	rewindCursor(t, store)
	sum2, err := newRunner(store, src, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum2.HeadersInserted != 0 || sum2.ItemsInserted != 0 {
		t.Errorf("second run inserted rows: %+v", sum2)
	}
	if sum2.Conflicts != 0 {
		t.Errorf("identical re-run produced conflicts: %+v", sum2)
	}
	if store.HeaderCount() != 1 || store.ItemCount() != 1 {
		t.Errorf("rows = %d/%d, want 1/1", store.HeaderCount(), store.ItemCount())
	}
	if len(store.Conflicts) != 0 {
		t.Errorf("audit entries = %+v", store.Conflicts)
	}
}

// TestDailyWindowAdvancesAcrossDays runs the daily job on two consecutive
// days. The second day's window must start from offset zero instead of
// carrying the previous window's cursor, which would skip its records.
// Dates are relative to the wall clock because the store stamps the cursor
// with it.
func TestDailyWindowAdvancesAcrossDays(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	day1 := time.Now().UTC()
	day2 := day1.AddDate(0, 0, 1)

	order := func(id, date string) source.RawRecord {
		return rawRecord(t, fmt.Sprintf(`{
			"purchase_order_id": %q,
			"order_date": %q,
			"to_items": [{"purchase_order_no": "10", "quantity": "1",
				"unit_price": "10.00", "total": "10.00"}]
		}`, id, date))
	}
	src := &fakeSource{records: []source.RawRecord{
		order("PO100", day1.AddDate(0, 0, -1).Format("2006-01-02")),
		order("PO200", day1.Format("2006-01-02")),
	}}

	sum1, err := newRunner(store, src, Options{Now: func() time.Time { return day1 }}).Run(ctx)
	if err != nil {
		t.Fatalf("day one run: %v", err)
	}
	if sum1.Extracted != 1 || sum1.HeadersInserted != 1 {
		t.Fatalf("day one summary = %+v", sum1)
	}

	sum2, err := newRunner(store, src, Options{Now: func() time.Time { return day2 }}).Run(ctx)
	if err != nil {
		t.Fatalf("day two run: %v", err)
	}
	if sum2.Extracted != 1 || sum2.HeadersInserted != 1 {
		t.Errorf("day two summary = %+v, stale offset carried into the new window", sum2)
	}
	if got, err := store.GetItem(ctx, "PO200", "10"); err != nil || got == nil {
		t.Errorf("PO200 never ingested: %v, %v", got, err)
	}
	if store.HeaderCount() != 2 {
		t.Errorf("headers = %d, want 2", store.HeaderCount())
	}
}

func TestDivergentDuplicateAuditedOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	if _, err := newRunner(store, &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}, Options{}).Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Same key arrives again with a different unit price. The stored row
	// must win and the divergence lands in the audit.
	rewindCursor(t, store)
	sum, err := newRunner(store, &fakeSource{records: []source.RawRecord{po100(t, "12.50")}}, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("divergent run: %v", err)
	}
	if sum.Conflicts != 1 || sum.ItemsInserted != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	got, err := store.GetItem(ctx, "PO100", "10")
	if err != nil || got == nil {
		t.Fatalf("get item: %v, %v", got, err)
	}
	if got.UnitPrice == nil || *got.UnitPrice != 10.00 {
		t.Errorf("stored UnitPrice = %v, want 10.00", got.UnitPrice)
	}

	if len(store.Conflicts) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(store.Conflicts))
	}
	c := store.Conflicts[0]
	if len(c.DiffFields) != 1 || c.DiffFields[0] != "unit_price" {
		t.Errorf("DiffFields = %v, want [unit_price]", c.DiffFields)
	}
	if c.Key != "PO100/10" {
		t.Errorf("Key = %q", c.Key)
	}
}

// TestStageArchiveFailureFailsRun degrades the configured archive so page
// writes fail. The run must fail rather than load rows a later replay of
// its label could not see, and the checkpoint must stay put.
func TestStageArchiveFailureFailsRun(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}
	ctx := context.Background()

	archive, err := stage.Open(ctx, stage.Config{URL: "mem://"})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	archive.Close() // page writes now fail

	cp := checkpoint.NewManager(checkpoint.Config{Enabled: true, JobName: "po_ingest"}, store)
	guard := runlock.NewGuard(runlock.Config{JobName: "po_ingest", StaleAfter: time.Hour}, store)
	r := New(store, src, archive, cp, guard, Options{Mode: ModeDaily, Now: clock})

	_, err = r.Run(ctx)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if len(store.Runs) != 1 || store.Runs[0].Status != storage.RunStatusFailed {
		t.Fatalf("runs = %+v", store.Runs)
	}
	if store.HeaderCount() != 0 {
		t.Errorf("rows loaded despite unarchived page")
	}
	cpv, _ := store.GetCheckpoint(ctx, "po_ingest")
	if cpv.LastOffset != 0 || !cpv.LastRun.IsZero() {
		t.Errorf("checkpoint moved on failed run: %+v", cpv)
	}
}

// failingStore makes item inserts fail until cleared.
type failingStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *failingStore) InsertItem(ctx context.Context, it storage.LineItem) (bool, error) {
	if s.fail {
		return false, errors.New("connection reset")
	}
	return s.MemoryStore.InsertItem(ctx, it)
}

func TestCheckpointUntouchedOnFailure(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), fail: true}
	src := &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}
	ctx := context.Background()

	_, err := newRunner(store, src, Options{}).Run(ctx)
	if err == nil {
		t.Fatal("expected run failure")
	}

	cp, _ := store.GetCheckpoint(ctx, "po_ingest")
	if cp.LastOffset != 0 || !cp.LastRun.IsZero() {
		t.Errorf("checkpoint moved on failed run: %+v", cp)
	}
	runs := store.Runs
	if len(runs) != 1 || runs[0].Status != storage.RunStatusFailed {
		t.Fatalf("runs = %+v", runs)
	}

	// The retry picks up the same window and completes.
	store.fail = false
	sum, err := newRunner(store, src, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sum.ItemsInserted != 1 {
		t.Errorf("retry summary = %+v", sum)
	}
	cp, _ = store.GetCheckpoint(ctx, "po_ingest")
	if cp.LastRun.IsZero() {
		t.Error("checkpoint not advanced after successful retry")
	}
}

func TestLockExclusion(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}
	ctx := context.Background()

	// Another run holds the lock.
	if acquired, _, err := store.AcquireLock(ctx, "po_ingest", time.Hour); err != nil || !acquired {
		t.Fatalf("pre-acquire: %v %v", acquired, err)
	}

	_, err := newRunner(store, src, Options{}).Run(ctx)
	if !errors.Is(err, runlock.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	// A skipped run leaves no run-log entry and no rows.
	if len(store.Runs) != 0 {
		t.Errorf("runs = %+v, want none", store.Runs)
	}
	if store.HeaderCount() != 0 {
		t.Errorf("rows written by skipped run")
	}
}

func TestZeroRowDailyRunSucceeds(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{} // nothing in the window
	ctx := context.Background()

	sum, err := newRunner(store, src, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != storage.RunStatusSuccess || sum.Extracted != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(store.Runs) != 1 || store.Runs[0].Status != storage.RunStatusSuccess {
		t.Errorf("runs = %+v", store.Runs)
	}
}

func TestDailyQuarantineRouting(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{records: []source.RawRecord{
		po100(t, "10.00"),
		rawRecord(t, `{"purchase_order_id": "PO7", "order_date": "2024-05-15",
			"to_items": [{"item_id": "NO-LINE-NO"}]}`),
	}}
	ctx := context.Background()

	sum, err := newRunner(store, src, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Quarantined != 1 {
		t.Errorf("quarantined = %d, want 1", sum.Quarantined)
	}
	if len(store.Quarantine) != 1 {
		t.Fatalf("quarantine rows = %+v", store.Quarantine)
	}
	if store.Quarantine[0].Reason == "" {
		t.Error("quarantine entry without reason")
	}
}

func TestHistoricalChunking(t *testing.T) {
	store := storage.NewMemoryStore()
	// Orders spread over three months, ingested in 30-day chunks.
	src := &fakeSource{records: []source.RawRecord{
		rawRecord(t, `{"purchase_order_id": "PO1", "order_date": "2024-03-05",
			"to_items": [{"purchase_order_no": "10", "quantity": "1", "unit_price": "1", "total": "1"}]}`),
		rawRecord(t, `{"purchase_order_id": "PO2", "order_date": "2024-04-10",
			"to_items": [{"purchase_order_no": "10", "quantity": "1", "unit_price": "2", "total": "2"}]}`),
		rawRecord(t, `{"purchase_order_id": "PO3", "order_date": "2024-05-11",
			"to_items": [{"purchase_order_no": "10", "quantity": "1", "unit_price": "3", "total": "3"}]}`),
	}}

	opts := Options{
		Mode:                ModeHistorical,
		HistoricalStart:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		HistoricalChunkDays: 30,
	}
	sum, err := newRunner(store, src, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.HeadersInserted != 3 || sum.ItemsInserted != 3 {
		t.Errorf("summary = %+v", sum)
	}
	// Partitions exist for each month touched.
	for _, m := range []time.Month{time.March, time.April, time.May} {
		p := storage.Period{Year: 2024, Month: m}
		if !store.HasPartition(storage.TableItems, p) {
			t.Errorf("missing partition for %s", p)
		}
	}
}

func TestHistoricalTruncateResetsCheckpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// Seed prior state.
	daily := &fakeSource{records: []source.RawRecord{po100(t, "10.00")}}
	if _, err := newRunner(store, daily, Options{}).Run(ctx); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if store.HeaderCount() != 1 {
		t.Fatalf("seed rows = %d", store.HeaderCount())
	}

	opts := Options{
		Mode:                 ModeHistorical,
		HistoricalStart:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TruncateOnHistorical: true,
	}
	sum, err := newRunner(store, daily, opts).Run(ctx)
	if err != nil {
		t.Fatalf("historical run: %v", err)
	}
	// Truncated then reloaded.
	if store.HeaderCount() != 1 || sum.HeadersInserted != 1 {
		t.Errorf("rows = %d, summary = %+v", store.HeaderCount(), sum)
	}
	cp, _ := store.GetCheckpoint(ctx, "po_ingest")
	if cp.LastOffset != 0 {
		t.Errorf("checkpoint offset = %d, want 0 after reset", cp.LastOffset)
	}
}

func TestUpstreamFailureRecordsFailedRun(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &fakeSource{fetchErr: fmt.Errorf("%w: boom", source.ErrUpstream)}
	ctx := context.Background()

	_, err := newRunner(store, src, Options{}).Run(ctx)
	if !errors.Is(err, source.ErrUpstream) {
		t.Fatalf("err = %v", err)
	}
	if len(store.Runs) != 1 || store.Runs[0].Status != storage.RunStatusFailed {
		t.Fatalf("runs = %+v", store.Runs)
	}
	if store.Runs[0].ErrorMessage == "" {
		t.Error("failed run without error message")
	}
}
