package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/stage"
)

// StageSource replays the raw pages archived by a previous run, so a failed
// load can be repeated without touching the upstream. Query windows are
// ignored; the archive already reflects the original extraction window.
type StageSource struct {
	archive  *stage.Archive
	runLabel string

	keys   []string
	next   int
	loaded bool
}

// NewStageSource creates a source that replays the given run's archive.
func NewStageSource(archive *stage.Archive, runLabel string) *StageSource {
	return &StageSource{archive: archive, runLabel: runLabel}
}

// Fetch returns the next archived page. The query's offset and limit are
// ignored: staged pages are replayed in archive order regardless of how the
// original run was paged.
func (s *StageSource) Fetch(ctx context.Context, _ Query) (Page, error) {
	if !s.loaded {
		keys, err := s.archive.ListPages(ctx, s.runLabel, stage.StepRaw)
		if err != nil {
			return Page{}, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if len(keys) == 0 {
			return Page{}, fmt.Errorf("%w: no staged pages for run %s", ErrUpstream, s.runLabel)
		}
		s.keys = keys
		s.loaded = true
	}

	if s.next >= len(s.keys) {
		return Page{Returned: 0, HasMore: false}, nil
	}
	key := s.keys[s.next]
	s.next++

	payloads, err := s.archive.ReadPage(ctx, key)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	records := make([]RawRecord, 0, len(payloads))
	for _, p := range payloads {
		var rec RawRecord
		if err := json.Unmarshal(p, &rec); err != nil {
			return Page{}, fmt.Errorf("%w: corrupt staged payload in %s: %v", ErrUpstream, key, err)
		}
		records = append(records, rec)
	}

	return Page{
		Records:  records,
		Returned: len(records),
		HasMore:  s.next < len(s.keys),
	}, nil
}

// Close is a no-op; the archive is owned by the caller.
func (s *StageSource) Close() error { return nil }
