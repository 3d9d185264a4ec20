// Package ingest orchestrates one pipeline run: extract pages from the
// source, stage the raw payloads, flatten and validate, load idempotently,
// and advance the checkpoint only after everything committed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/checkpoint"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/metrics"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/monitor"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/normalize"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/runlock"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/stage"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/validate"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/writer"
)

// Run modes.
const (
	ModeDaily      = "daily"
	ModeHistorical = "historical"
)

// Options tunes one run.
type Options struct {
	Mode     string
	PageSize int

	// Historical backfill settings.
	HistoricalStart      time.Time
	HistoricalChunkDays  int
	TruncateOnHistorical bool

	Gate    validate.Config
	Monitor monitor.Thresholds

	// Now is the run's clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// Summary reports what one run did.
type Summary struct {
	RunID    int64
	RunLabel string
	Mode     string
	Status   string
	Start    time.Time
	End      time.Time

	Extracted       int64
	HeadersInserted int64
	ItemsInserted   int64
	Skipped         int64
	Conflicts       int64
	Quarantined     int64
	TestOrders      int64

	Findings []monitor.Finding
}

// Runner executes pipeline runs over a fixed set of collaborators.
type Runner struct {
	store   storage.Store
	src     source.Source
	archive *stage.Archive // nil disables staging
	cp      checkpoint.Manager
	guard   *runlock.Guard
	opts    Options
	logger  *slog.Logger

	w *writer.Writer // created per run
}

// New creates a runner. archive may be nil when staging is disabled.
func New(store storage.Store, src source.Source, archive *stage.Archive, cp checkpoint.Manager, guard *runlock.Guard, opts Options) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.HistoricalChunkDays <= 0 {
		opts.HistoricalChunkDays = 30
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		store:   store,
		src:     src,
		archive: archive,
		cp:      cp,
		guard:   guard,
		opts:    opts,
		logger:  logging.Component("ingest"),
	}
}

// Run executes one run end to end. A held lock returns runlock.ErrBusy
// without recording a run. Any other error is recorded as a failed run and
// leaves the checkpoint untouched.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	handle, err := r.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			if m := metrics.Get(); m != nil {
				m.LockBusy.WithLabelValues(r.opts.Mode).Inc()
			}
		}
		return Summary{Mode: r.opts.Mode}, err
	}
	defer func() {
		if rerr := handle.Release(ctx); rerr != nil {
			r.logger.Error("lock release failed", "error", rerr)
		}
	}()

	start := r.opts.Now().UTC()
	runLabel := fmt.Sprintf("%s-%s-%s", r.opts.Mode, start.Format("20060102T150405"), uuid.NewString()[:8])
	log := logging.RunLogger(runLabel, r.opts.Mode)

	runID, err := r.store.BeginRun(ctx, r.opts.Mode, start)
	if err != nil {
		return Summary{Mode: r.opts.Mode}, fmt.Errorf("open run log: %w", err)
	}

	sum := Summary{RunID: runID, RunLabel: runLabel, Mode: r.opts.Mode}
	r.w = writer.New(r.store)
	log.Info("run started")

	var runErr error
	switch r.opts.Mode {
	case ModeHistorical:
		runErr = r.runHistorical(ctx, log, runLabel, &sum)
	default:
		runErr = r.runDaily(ctx, runLabel, &sum)
	}

	end := r.opts.Now().UTC()
	rec := storage.RunRecord{
		StartTime:     start,
		EndTime:       end,
		RowsProcessed: sum.Extracted,
		RowsInserted:  sum.HeadersInserted + sum.ItemsInserted,
		Status:        storage.RunStatusSuccess,
	}
	if runErr != nil {
		rec.Status = storage.RunStatusFailed
		rec.ErrorMessage = runErr.Error()
	}
	sum.Status = rec.Status
	sum.Start = start
	sum.End = end

	if err := r.store.EndRun(ctx, runID, rec); err != nil {
		log.Error("close run log failed", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("close run log: %w", err)
			sum.Status = storage.RunStatusFailed
		}
	}

	r.observeRun(rec)

	rec.ID = runID
	rec.Mode = r.opts.Mode
	findings, ferr := monitor.Evaluate(ctx, r.store, rec, r.opts.Monitor, end)
	if ferr != nil {
		log.Warn("run evaluation incomplete", "error", ferr)
	}
	sum.Findings = findings
	for _, f := range findings {
		log.Warn("run finding", "rule", f.Rule, "detail", f.Message)
	}

	if runErr != nil {
		log.Error("run failed", "error", runErr)
		return sum, runErr
	}
	log.Info("run finished",
		"extracted", sum.Extracted,
		"headers_inserted", sum.HeadersInserted,
		"items_inserted", sum.ItemsInserted,
		"skipped", sum.Skipped,
		"conflicts", sum.Conflicts,
		"quarantined", sum.Quarantined)
	return sum, nil
}

// runDaily ingests yesterday's window. The offset cursor survives same-day
// retries and resets when a new window opens.
func (r *Runner) runDaily(ctx context.Context, runLabel string, sum *Summary) error {
	now := r.opts.Now().UTC()
	to := now.Truncate(24 * time.Hour)
	from := to.AddDate(0, 0, -1)

	cp, err := r.cp.Load(ctx)
	if err != nil {
		return err
	}
	// A run that processed this window executed at or after its close, so
	// any older cursor belongs to a previous window and restarts at zero.
	offset := cp.LastOffset
	if cp.LastRun.Before(to) {
		offset = 0
	}

	final, err := r.ingestWindow(ctx, runLabel, source.Query{From: from, To: to, Limit: r.opts.PageSize, Offset: int(offset)}, sum)
	if err != nil {
		return err
	}
	return r.cp.Advance(ctx, final)
}

// runHistorical backfills in independent chunks. A failed chunk is reported
// but does not stop later chunks; the run is failed if any chunk failed.
func (r *Runner) runHistorical(ctx context.Context, log *slog.Logger, runLabel string, sum *Summary) error {
	now := r.opts.Now().UTC()
	start := r.opts.HistoricalStart
	if start.IsZero() {
		start = now.AddDate(-1, 0, 0)
	}

	if r.opts.TruncateOnHistorical {
		log.Warn("truncating order tables before backfill")
		if err := r.store.TruncateOrders(ctx); err != nil {
			return fmt.Errorf("truncate orders: %w", err)
		}
		if err := r.cp.Reset(ctx); err != nil {
			return err
		}
	}

	var failed []string
	for from := start; from.Before(now); from = from.AddDate(0, 0, r.opts.HistoricalChunkDays) {
		to := from.AddDate(0, 0, r.opts.HistoricalChunkDays)
		if to.After(now) {
			to = now
		}
		wlog := logging.WindowLogger(runLabel, from.Format("2006-01-02"), to.Format("2006-01-02"))
		wlog.Info("chunk started")

		if _, err := r.ingestWindow(ctx, runLabel, source.Query{From: from, To: to, Limit: r.opts.PageSize}, sum); err != nil {
			if ctx.Err() != nil {
				return err
			}
			wlog.Error("chunk failed", "error", err)
			failed = append(failed, fmt.Sprintf("%s..%s: %v", from.Format("2006-01-02"), to.Format("2006-01-02"), err))
			continue
		}
		wlog.Info("chunk finished")
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d chunk(s) failed: %s", len(failed), failed[0])
	}
	return nil
}

// ingestWindow pages through one extraction window and returns the final
// offset.
func (r *Runner) ingestWindow(ctx context.Context, runLabel string, q source.Query, sum *Summary) (int64, error) {
	page := 0
	for {
		if err := ctx.Err(); err != nil {
			return int64(q.Offset), err
		}

		fetchStart := time.Now()
		p, err := r.src.Fetch(ctx, q)
		if err != nil {
			if m := metrics.Get(); m != nil {
				m.SourceErrors.WithLabelValues(r.opts.Mode).Inc()
			}
			return int64(q.Offset), err
		}
		if m := metrics.Get(); m != nil {
			m.PagesFetched.WithLabelValues(r.opts.Mode).Inc()
			m.PageFetchDuration.WithLabelValues(r.opts.Mode).Observe(time.Since(fetchStart).Seconds())
			m.RowsExtracted.WithLabelValues(r.opts.Mode).Add(float64(p.Returned))
		}

		if len(p.Records) > 0 {
			// The stage archive is a durability checkpoint: a replay of this
			// run label must see every page, so a failed write fails the run.
			if err := r.stagePage(ctx, runLabel, page, p.Records); err != nil {
				return int64(q.Offset), fmt.Errorf("stage page %d: %w", page, err)
			}
			if err := r.processPage(ctx, p.Records, sum); err != nil {
				return int64(q.Offset), err
			}
		}

		sum.Extracted += int64(p.Returned)
		q.Offset += p.Returned
		page++

		if !p.HasMore || p.Returned == 0 {
			return int64(q.Offset), nil
		}
	}
}

func (r *Runner) stagePage(ctx context.Context, runLabel string, page int, records []source.RawRecord) error {
	if r.archive == nil {
		return nil
	}
	payloads := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, rec.Raw())
	}
	return r.archive.WritePage(ctx, runLabel, stage.StepRaw, page, payloads)
}

// processPage flattens, validates and loads one page. Any storage error
// aborts the run; partially loaded pages are safe because every write is
// idempotent.
func (r *Runner) processPage(ctx context.Context, records []source.RawRecord, sum *Summary) error {
	now := r.opts.Now().UTC()
	flat := normalize.Flatten(records)
	gated := validate.Gate(r.opts.Gate, flat.Headers, flat.Items, now)
	sum.TestOrders += int64(gated.TestOrdersDropped)

	quarantined := gated.Quarantined
	for _, m := range flat.Malformed {
		quarantined = append(quarantined, storage.QuarantinedRecord{
			Reason:        m.Reason,
			RawJSON:       m.Raw,
			QuarantinedAt: now,
		})
	}

	w := r.w
	mtr := metrics.Get()

	for _, h := range gated.Headers {
		out, err := w.WriteHeader(ctx, h)
		if err != nil {
			if mtr != nil {
				mtr.StorageErrors.WithLabelValues(r.opts.Mode).Inc()
			}
			return err
		}
		switch out {
		case writer.Inserted:
			sum.HeadersInserted++
			if mtr != nil {
				mtr.RowsInserted.WithLabelValues(r.opts.Mode, storage.TableHeaders).Inc()
			}
		default:
			sum.Skipped++
			if mtr != nil {
				mtr.RowsSkipped.WithLabelValues(r.opts.Mode, storage.TableHeaders).Inc()
			}
		}
	}

	for _, it := range gated.Items {
		out, err := w.WriteItem(ctx, it)
		if err != nil {
			if mtr != nil {
				mtr.StorageErrors.WithLabelValues(r.opts.Mode).Inc()
			}
			return err
		}
		switch out {
		case writer.Inserted:
			sum.ItemsInserted++
			if mtr != nil {
				mtr.RowsInserted.WithLabelValues(r.opts.Mode, storage.TableItems).Inc()
			}
		case writer.Conflicted:
			sum.Conflicts++
			if mtr != nil {
				mtr.RowsConflicted.WithLabelValues(r.opts.Mode).Inc()
			}
		default:
			sum.Skipped++
			if mtr != nil {
				mtr.RowsSkipped.WithLabelValues(r.opts.Mode, storage.TableItems).Inc()
			}
		}
	}

	if len(quarantined) > 0 {
		if err := w.Quarantine(ctx, quarantined); err != nil {
			return err
		}
		sum.Quarantined += int64(len(quarantined))
		if mtr != nil {
			mtr.RowsQuarantined.WithLabelValues(r.opts.Mode).Add(float64(len(quarantined)))
		}
	}
	return nil
}

func (r *Runner) observeRun(rec storage.RunRecord) {
	m := metrics.Get()
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(r.opts.Mode, rec.Status).Inc()
	m.RunDuration.WithLabelValues(r.opts.Mode).Observe(rec.EndTime.Sub(rec.StartTime).Seconds())
	if rec.Status == storage.RunStatusSuccess {
		m.LastSuccess.WithLabelValues(r.opts.Mode).Set(float64(rec.EndTime.Unix()))
	}
}
