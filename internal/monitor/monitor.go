// Package monitor evaluates finished runs against operational heuristics and
// flags conditions worth a human look. Findings are advisory; they never
// change a run's recorded status.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// Thresholds tune the heuristics. Zero values take the defaults.
type Thresholds struct {
	// MaxDuration flags runs slower than this.
	MaxDuration time.Duration `yaml:"max_duration"`
	// MaxSilence flags the job when no run has succeeded within it.
	MaxSilence time.Duration `yaml:"max_silence"`
}

const (
	defaultMaxDuration = 30 * time.Minute
	defaultMaxSilence  = 24 * time.Hour
)

// Finding is one triggered heuristic.
type Finding struct {
	Rule    string
	Message string
}

// Evaluate inspects one finished run and the job's recent history.
func Evaluate(ctx context.Context, store storage.Store, rec storage.RunRecord, th Thresholds, now time.Time) ([]Finding, error) {
	maxDuration := th.MaxDuration
	if maxDuration <= 0 {
		maxDuration = defaultMaxDuration
	}
	maxSilence := th.MaxSilence
	if maxSilence <= 0 {
		maxSilence = defaultMaxSilence
	}

	var findings []Finding

	if rec.Status == storage.RunStatusFailed {
		findings = append(findings, Finding{
			Rule:    "run_failed",
			Message: fmt.Sprintf("run %d failed: %s", rec.ID, rec.ErrorMessage),
		})
	}

	// Zero rows is legitimate on quiet days for daily runs but suspicious
	// for a backfill.
	if rec.Status == storage.RunStatusSuccess && rec.RowsProcessed == 0 && rec.Mode == "historical" {
		findings = append(findings, Finding{
			Rule:    "zero_rows",
			Message: fmt.Sprintf("historical run %d processed zero rows", rec.ID),
		})
	}

	if d := rec.EndTime.Sub(rec.StartTime); d > maxDuration {
		findings = append(findings, Finding{
			Rule:    "slow_run",
			Message: fmt.Sprintf("run %d took %s (threshold %s)", rec.ID, d.Round(time.Second), maxDuration),
		})
	}

	last, err := store.LastSuccess(ctx, rec.Mode)
	if err != nil {
		return findings, fmt.Errorf("last success lookup: %w", err)
	}
	if last.IsZero() || now.Sub(last) > maxSilence {
		findings = append(findings, Finding{
			Rule:    "no_recent_success",
			Message: fmt.Sprintf("no successful %s run within %s", rec.Mode, maxSilence),
		})
	}

	return findings, nil
}
