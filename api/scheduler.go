/*
scheduler.go - Background materialization of FIXA series

PURPOSE:
  Keeps every active FIXA series materialized up to the horizon. Reads never
  wait for bulk generation; the query-time top-up is only a backstop for a
  delayed run.

DESIGN:
  - Ticker with configurable interval, plus one run on start
  - Series processed concurrently, at most Concurrency at a time (errgroup)
  - Each series gets its own timeout; a failing or slow series is logged
    and picked up again on the next tick, the rest of the batch continues
  - Runs never overlap; RunNow waits for a running pass to finish

CONFIGURATION:
  - Interval:    How often to run (default: 1 hour)
  - Timeout:     Per-series budget (default: 30 seconds)
  - Concurrency: Parallel series (default: 4)

USAGE:
  scheduler := NewMaterializationScheduler(store, engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerMaterialization endpoint (manual run)
  - recurrence/engine.go: MaterializeSeries
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/recurrence-engine/recurrence"
	"golang.org/x/sync/errgroup"
)

// ActiveSeriesLister lists the series the job has to visit.
type ActiveSeriesLister interface {
	ListActiveFixa(ctx context.Context) ([]recurrence.Series, error)
}

// SeriesMaterializer tops up one series. *recurrence.Engine implements it.
type SeriesMaterializer interface {
	MaterializeSeries(ctx context.Context, owner recurrence.OwnerID, id recurrence.SeriesID) (int, error)
}

// RunSummary describes one pass over the active series.
type RunSummary struct {
	Series    int
	Created   int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// MaterializationScheduler runs the materialization job periodically.
type MaterializationScheduler struct {
	Store       ActiveSeriesLister
	Engine      SeriesMaterializer
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewMaterializationScheduler creates a scheduler with default settings.
func NewMaterializationScheduler(store ActiveSeriesLister, engine SeriesMaterializer, logger *slog.Logger) *MaterializationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaterializationScheduler{
		Store:       store,
		Engine:      engine,
		Interval:    time.Hour,
		Timeout:     30 * time.Second,
		Concurrency: 4,
		Logger:      logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. The first run happens immediately.
func (ms *MaterializationScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel
	ms.ticker = time.NewTicker(ms.Interval)
	ms.wg.Add(1)

	go ms.run(ctx, ms.ticker)

	ms.Logger.Info("scheduler started", "interval", ms.Interval, "concurrency", ms.Concurrency)
}

// Stop cancels a running pass and waits for the loop to exit.
func (ms *MaterializationScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker == nil {
		return
	}
	ms.ticker.Stop()
	ms.cancel()
	ms.wg.Wait()
	ms.ticker = nil
	ms.Logger.Info("scheduler stopped")
}

func (ms *MaterializationScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer ms.wg.Done()

	ms.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ms.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass and returns its summary. Listing failures are
// counted as a failed run with zero series.
func (ms *MaterializationScheduler) RunNow(ctx context.Context) RunSummary {
	ms.runMu.Lock()
	defer ms.runMu.Unlock()

	summary := RunSummary{StartedAt: time.Now()}

	series, err := ms.Store.ListActiveFixa(ctx)
	if err != nil {
		ms.Logger.Error("failed to list active series", "error", err)
		summary.Failed = 1
		summary.Duration = time.Since(summary.StartedAt)
		return summary
	}
	summary.Series = len(series)

	var created, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	if ms.Concurrency > 0 {
		g.SetLimit(ms.Concurrency)
	}
	for _, s := range series {
		s := s
		g.Go(func() error {
			n, err := ms.materialize(gctx, s)
			if err != nil {
				failed.Add(1)
				ms.Logger.Warn("series materialization failed",
					"series_id", s.ID, "owner", s.OwnerID, "error", err)
				return nil
			}
			created.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	summary.Created = int(created.Load())
	summary.Failed = int(failed.Load())
	summary.Duration = time.Since(summary.StartedAt)

	ms.Logger.Info("materialization run complete",
		"series", summary.Series,
		"created", summary.Created,
		"failed", summary.Failed,
		"duration", summary.Duration)
	return summary
}

func (ms *MaterializationScheduler) materialize(ctx context.Context, s recurrence.Series) (int, error) {
	if ms.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ms.Timeout)
		defer cancel()
	}
	return ms.Engine.MaterializeSeries(ctx, s.OwnerID, s.ID)
}

// NextRunTime returns when the next scheduled pass will occur, roughly.
func (ms *MaterializationScheduler) NextRunTime() time.Time {
	return time.Now().Add(ms.Interval)
}
