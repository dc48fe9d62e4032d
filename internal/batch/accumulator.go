package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// DefaultFlushThreshold is the number of filings collected before a window is flushed.
const DefaultFlushThreshold = 500

// RowAppender appends rows to a persistent table.
type RowAppender interface {
	AppendRows(ctx context.Context, table string, rows []models.FlatRow) error
}

// Progress is the cumulative work done by an Accumulator. MemoryPercent is the
// utilisation sampled at the latest flush; every other field only grows.
type Progress struct {
	Files         int
	Rows          int
	Flushes       int
	Failed        int
	MemoryPercent float64
}

// Add combines the progress of two workers, keeping the higher memory reading.
func (p Progress) Add(o Progress) Progress {
	return Progress{
		Files:         p.Files + o.Files,
		Rows:          p.Rows + o.Rows,
		Flushes:       p.Flushes + o.Flushes,
		Failed:        p.Failed + o.Failed,
		MemoryPercent: max(p.MemoryPercent, o.MemoryPercent),
	}
}

// AccumulatorConfig controls flushing and memory backpressure.
type AccumulatorConfig struct {
	FlushThreshold  int
	MemoryHighWater float64
	MemoryBackoff   time.Duration
	Memory          MemoryMonitor
	Logger          *slog.Logger
}

// Accumulator collects parsed filings and writes them to a table in windows.
// An Accumulator belongs to a single worker and is not safe for concurrent use.
type Accumulator struct {
	sink     RowAppender
	table    string
	cfg      AccumulatorConfig
	log      *slog.Logger
	window   []*models.Filing
	progress Progress
}

// NewAccumulator returns an Accumulator writing to table through sink.
func NewAccumulator(sink RowAppender, table string, cfg AccumulatorConfig) *Accumulator {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		sink:  sink,
		table: table,
		cfg:   cfg,
		log:   logger.With("table", table),
	}
}

// Add places a filing in the open window and flushes once the window exceeds the threshold.
func (a *Accumulator) Add(ctx context.Context, f *models.Filing) error {
	a.window = append(a.window, f)
	if len(a.window) > a.cfg.FlushThreshold {
		return a.Flush(ctx)
	}
	return nil
}

// Fail records a file that could not be parsed.
func (a *Accumulator) Fail(name string, err error) {
	a.progress.Failed++
	a.log.Warn("Skipping file that could not be parsed.", "file", name, "error", err)
}

// Flush writes the open window as a single append and clears it.
// An empty window is a no-op.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.window) == 0 {
		return nil
	}

	var rows []models.FlatRow
	for _, f := range a.window {
		rows = append(rows, Flatten(f)...)
	}
	if err := a.sink.AppendRows(ctx, a.table, rows); err != nil {
		return fmt.Errorf("failed to append %d rows to %s: %w", len(rows), a.table, err)
	}

	a.progress.Files += len(a.window)
	a.progress.Rows += len(rows)
	a.progress.Flushes++
	a.window = nil
	debug.FreeOSMemory()

	pct, sampled := a.sampleMemory(ctx)
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	a.log.Info("Flushed window.",
		"files", a.progress.Files,
		"rows", a.progress.Rows,
		"flushes", a.progress.Flushes,
		"memoryPercent", pct,
		"heap", humanize.Bytes(ms.HeapAlloc))

	if !sampled {
		return nil
	}
	return a.backpressure(ctx, pct)
}

// Progress returns the cumulative totals so far.
func (a *Accumulator) Progress() Progress {
	return a.progress
}

// sampleMemory records the current memory utilisation.
func (a *Accumulator) sampleMemory(ctx context.Context) (float64, bool) {
	if a.cfg.Memory == nil {
		return 0, false
	}
	pct, err := a.cfg.Memory.UsedPercent(ctx)
	if err != nil {
		a.log.Warn("Could not read memory usage.", "error", err)
		return 0, false
	}
	a.progress.MemoryPercent = pct
	return pct, true
}

// backpressure pauses the worker when memory use is above the high-water mark.
func (a *Accumulator) backpressure(ctx context.Context, pct float64) error {
	if a.cfg.MemoryHighWater <= 0 || pct <= a.cfg.MemoryHighWater || a.cfg.MemoryBackoff <= 0 {
		return nil
	}

	a.log.Warn("Memory above high-water mark, pausing.", "percent", pct, "backoff", a.cfg.MemoryBackoff)
	select {
	case <-time.After(a.cfg.MemoryBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
