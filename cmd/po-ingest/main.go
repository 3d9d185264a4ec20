package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/checkpoint"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/config"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/ingest"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/logging"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/metrics"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/notify"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/runlock"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/stage"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: po-ingest [flags] <daily|historical>

Flags:
  -config path      YAML config file
  -from-stage run   replay a previous run's staged pages instead of fetching
`)
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "YAML config file")
		fromStage  = flag.String("from-stage", "", "replay staged pages from this run label")
	)
	flag.Usage = usage
	flag.Parse()

	mode := flag.Arg(0)
	switch mode {
	case ingest.ModeDaily, ingest.ModeHistorical:
	case "":
		mode = ingest.ModeDaily
	default:
		usage()
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logging.Setup(cfg.LoggingSetup())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("po_ingest")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	store, err := storage.New(ctx, storage.Config{
		Backend:     cfg.Database.Backend,
		PostgresDSN: cfg.Database.DSN,
	})
	if err != nil {
		slog.Error("open store", "error", err)
		return 1
	}
	defer store.Close()

	var archive *stage.Archive
	if cfg.Stage.URL != "" {
		archive, err = stage.Open(ctx, cfg.Stage)
		if err != nil {
			slog.Error("open stage archive", "error", err)
			return 1
		}
		defer archive.Close()
	}

	var src source.Source
	if *fromStage != "" {
		if archive == nil {
			slog.Error("replay requested but no stage archive configured")
			return 1
		}
		src = source.NewStageSource(archive, *fromStage)
	} else {
		src, err = source.New(cfg.Source)
		if err != nil {
			slog.Error("create source", "error", err)
			return 1
		}
	}
	defer src.Close()

	var historicalStart time.Time
	if cfg.Pipeline.HistoricalStart != "" {
		historicalStart, _ = time.Parse("2006-01-02", cfg.Pipeline.HistoricalStart)
	}

	runner := ingest.New(store, src,
		replayArchive(archive, *fromStage),
		checkpoint.NewManager(cfg.Checkpoint, store),
		runlock.NewGuard(cfg.Lock, store),
		ingest.Options{
			Mode:                 mode,
			PageSize:             cfg.Source.PageSize,
			HistoricalStart:      historicalStart,
			HistoricalChunkDays:  cfg.Pipeline.HistoricalChunkDays,
			TruncateOnHistorical: cfg.Pipeline.TruncateOnHistorical,
			Gate:                 cfg.Validate,
			Monitor:              cfg.Monitor,
		})

	emitter := notify.NewEmitter(cfg.Notify)
	defer emitter.Close()

	sum, err := runner.Run(ctx)
	if errors.Is(err, runlock.ErrBusy) {
		// Another run is active; the scheduler will try again.
		slog.Info("skipped: lock held by another run")
		return 0
	}
	if sum.RunID != 0 {
		if nerr := emitter.EmitRun(ctx, notify.Event{
			RunLabel:    sum.RunLabel,
			Mode:        sum.Mode,
			Status:      sum.Status,
			Start:       sum.Start,
			End:         sum.End,
			Extracted:   sum.Extracted,
			Inserted:    sum.HeadersInserted + sum.ItemsInserted,
			Skipped:     sum.Skipped,
			Conflicts:   sum.Conflicts,
			Quarantined: sum.Quarantined,
			Findings:    sum.Findings,
		}); nerr != nil {
			slog.Warn("run notification failed", "error", nerr)
		}
	}
	if err != nil {
		return 1
	}

	slog.Info("done",
		"run", sum.RunLabel,
		"extracted", sum.Extracted,
		"inserted", sum.HeadersInserted+sum.ItemsInserted,
		"skipped", sum.Skipped,
		"conflicts", sum.Conflicts,
		"quarantined", sum.Quarantined)
	return 0
}

// replayArchive suppresses re-staging when the run is itself a replay of
// staged pages.
func replayArchive(archive *stage.Archive, fromStage string) *stage.Archive {
	if fromStage != "" {
		return nil
	}
	return archive
}
