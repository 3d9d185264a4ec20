package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for development and tests. It keeps
// the same semantics as the Postgres backend, including the requirement that
// a monthly partition exists before rows can be routed into it.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string]map[Period]bool
	headers    map[string]Header   // key: po_id|order_date(month-truncated to RFC3339)
	items      map[string]LineItem // key: po_id|po_no
	Quarantine []QuarantinedRecord
	Conflicts  []ConflictEntry
	Runs       []RunRecord
	checkpoint map[string]Checkpoint
	locks      map[string]Lock
	nextRunID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: map[string]map[Period]bool{
			TableHeaders: {},
			TableItems:   {},
		},
		headers:    make(map[string]Header),
		items:      make(map[string]LineItem),
		checkpoint: make(map[string]Checkpoint),
		locks:      make(map[string]Lock),
	}
}

func (s *MemoryStore) EnsurePartition(ctx context.Context, table string, period Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.partitions[table]
	if !ok {
		return fmt.Errorf("unknown table %s", table)
	}
	parts[period] = true
	return nil
}

// HasPartition reports whether a partition was provisioned. Test helper.
func (s *MemoryStore) HasPartition(table string, period Period) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitions[table][period]
}

func (s *MemoryStore) InsertHeader(ctx context.Context, h Header) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.partitions[TableHeaders][PeriodOf(h.OrderDate)] {
		return false, fmt.Errorf("%w: %s %s", ErrPartitionMissing, TableHeaders, PeriodOf(h.OrderDate))
	}
	key := h.PurchaseOrderID + "|" + h.OrderDate.UTC().Format(time.RFC3339)
	if _, exists := s.headers[key]; exists {
		return false, nil
	}
	s.headers[key] = h
	return true, nil
}

func (s *MemoryStore) GetItem(ctx context.Context, purchaseOrderID, purchaseOrderNo string) (*LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[purchaseOrderID+"|"+purchaseOrderNo]; ok {
		copied := it
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertItem(ctx context.Context, it LineItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.partitions[TableItems][PeriodOf(it.OrderDate)] {
		return false, fmt.Errorf("%w: %s %s", ErrPartitionMissing, TableItems, PeriodOf(it.OrderDate))
	}
	key := it.PurchaseOrderID + "|" + it.PurchaseOrderNo
	if _, exists := s.items[key]; exists {
		return false, nil
	}
	s.items[key] = it
	return true, nil
}

func (s *MemoryStore) AppendQuarantine(ctx context.Context, recs []QuarantinedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Quarantine = append(s.Quarantine, recs...)
	return nil
}

func (s *MemoryStore) AppendConflict(ctx context.Context, e ConflictEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Conflicts = append(s.Conflicts, e)
	return nil
}

func (s *MemoryStore) BeginRun(ctx context.Context, mode string, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	s.Runs = append(s.Runs, RunRecord{
		ID:        s.nextRunID,
		Mode:      mode,
		StartTime: start,
		Status:    RunStatusRunning,
	})
	return s.nextRunID, nil
}

func (s *MemoryStore) EndRun(ctx context.Context, id int64, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Runs {
		if s.Runs[i].ID == id {
			rec.ID = id
			rec.Mode = s.Runs[i].Mode
			rec.StartTime = s.Runs[i].StartTime
			s.Runs[i] = rec
			return nil
		}
	}
	return fmt.Errorf("run %d not found", id)
}

func (s *MemoryStore) LastSuccess(ctx context.Context, mode string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, r := range s.Runs {
		if r.Status == RunStatusSuccess && (mode == "" || r.Mode == mode) && r.EndTime.After(last) {
			last = r.EndTime
		}
	}
	return last, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, jobName string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoint[jobName]
	if !ok {
		cp = Checkpoint{JobName: jobName}
		s.checkpoint[jobName] = cp
	}
	return cp, nil
}

func (s *MemoryStore) AdvanceCheckpoint(ctx context.Context, jobName string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint[jobName] = Checkpoint{JobName: jobName, LastOffset: offset, LastRun: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, jobName string, staleAfter time.Duration) (bool, *Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[jobName]; ok {
		stale := staleAfter > 0 && time.Since(held.StartedAt) > staleAfter
		if held.Status == "running" && !stale {
			holder := held
			return false, &holder, nil
		}
		s.locks[jobName] = Lock{JobName: jobName, StartedAt: time.Now().UTC(), Status: "running"}
		if held.Status == "running" {
			prior := held
			return true, &prior, nil
		}
		return true, nil, nil
	}
	s.locks[jobName] = Lock{JobName: jobName, StartedAt: time.Now().UTC(), Status: "running"}
	return true, nil, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, jobName)
	return nil
}

func (s *MemoryStore) TruncateOrders(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = make(map[string]Header)
	s.items = make(map[string]LineItem)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// HeaderCount and ItemCount report stored row counts. Test helpers.
func (s *MemoryStore) HeaderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

func (s *MemoryStore) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
