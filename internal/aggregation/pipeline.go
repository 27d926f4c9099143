// Package aggregation builds token statistics from a record stream.
//
// The stream is read on one goroutine, which drops duplicate ids and cuts
// the rows into fixed-size batches. A bounded pool of workers tokenizes each
// batch, stages its records in the store and adds them to a counter owned by
// that worker alone. After the pool has drained, the per-worker counters are
// merged on a single goroutine, the reduced table is staged and the store
// promotes everything in one step. Only then is the in-process handle
// swapped, so readers keep the previous snapshot until the build is done.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
)

const (
	defaultBatchSize = 10000
	discardTimeout   = 30 * time.Second
)

// Options control a single build.
type Options struct {
	BatchSize int
	// Workers <= 0 uses GOMAXPROCS.
	Workers int
	// MaxFailureRate is the largest tolerated share of failed batches.
	MaxFailureRate float64
}

// Report summarises a build.
type Report struct {
	BuildID           string        `json:"build_id"`
	RecordsProcessed  int64         `json:"records_processed"`
	BatchesTotal      int           `json:"batches_total"`
	BatchesFailed     int           `json:"batches_failed"`
	MalformedRows     int64         `json:"malformed_rows"`
	DuplicatesSkipped int64         `json:"duplicates_skipped"`
	Generation        uint64        `json:"generation"`
	Duration          time.Duration `json:"duration"`
}

// Notifier is told about every published build. Errors are logged only.
type Notifier interface {
	StatisticsPublished(ctx context.Context, meta stats.Meta, report Report) error
}

// Pipeline runs statistics builds against one store and handle.
type Pipeline struct {
	store    storage.Store
	handle   *stats.Handle
	tok      record.Tokenizer
	notifier Notifier
	metrics  *metrics.Metrics
	running  atomic.Bool
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithNotifier(n Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func withClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(store storage.Store, handle *stats.Handle, tok record.Tokenizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		handle: handle,
		tok:    tok,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Running reports whether a build is in progress.
func (p *Pipeline) Running() bool { return p.running.Load() }

type batch struct {
	index int
	rows  []ingestion.Row
	// ids holds the ids of rows; they become seen only if the batch is sent.
	ids map[string]struct{}
	// malformed rows make the whole batch unusable.
	malformed int
}

func newBatch(size int) batch {
	return batch{rows: make([]ingestion.Row, 0, size), ids: make(map[string]struct{}, size)}
}

// workerTally is owned by exactly one worker until the pool has joined.
type workerTally struct {
	counts  *stats.TokenCount
	records int64
}

type readerTally struct {
	batches    int
	failed     int
	firstFault int
	malformed  int64
	duplicates int64
}

// Build consumes src and publishes the resulting statistics. Only one build
// may run at a time. On any error the staged data is discarded and both the
// stored corpus and the served snapshot are left as they were.
func (p *Pipeline) Build(ctx context.Context, src ingestion.Source, opts Options) (Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Report{}, apperrors.ErrBuildInProgress
	}
	defer p.running.Store(false)

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	start := p.now()
	report := Report{BuildID: uuid.NewString()}
	ctx = logger.WithBuildID(ctx, report.BuildID)
	log := logger.FromContext(ctx).With("component", "aggregation")
	log.Info("statistics build started", "batch_size", opts.BatchSize, "workers", opts.Workers)

	tallies := make([]*workerTally, opts.Workers)
	var rt readerTally
	err := p.run(ctx, log, src, opts, report.BuildID, tallies, &rt)

	report.BatchesTotal = rt.batches
	report.BatchesFailed = rt.failed
	report.MalformedRows = rt.malformed
	report.DuplicatesSkipped = rt.duplicates
	for _, t := range tallies {
		if t != nil {
			report.RecordsProcessed += t.records
		}
	}

	if err == nil && report.BatchesTotal > 0 {
		rate := float64(report.BatchesFailed) / float64(report.BatchesTotal)
		if rate > opts.MaxFailureRate {
			err = &apperrors.BuildError{
				BuildID:          report.BuildID,
				BatchIndex:       rt.firstFault,
				BatchesFailed:    report.BatchesFailed,
				BatchesTotal:     report.BatchesTotal,
				RecordsProcessed: report.RecordsProcessed,
				Err: fmt.Errorf("%w: failure rate %.3f exceeds %.3f",
					apperrors.ErrBuildAborted, rate, opts.MaxFailureRate),
			}
		}
	}

	if err == nil {
		err = p.publish(ctx, log, tallies, &report, start)
	}
	report.Duration = p.now().Sub(start)

	if err != nil {
		p.discard(ctx, report.BuildID, log)
		p.observe(outcome(ctx, err), report)
		log.Error("statistics build failed", "error", err,
			"batches_failed", report.BatchesFailed, "batches_total", report.BatchesTotal)
		return report, err
	}

	p.observe("published", report)
	log.Info("statistics build published",
		"records", report.RecordsProcessed,
		"batches_total", report.BatchesTotal,
		"batches_failed", report.BatchesFailed,
		"duplicates_skipped", report.DuplicatesSkipped,
		"generation", report.Generation,
		"duration", report.Duration,
	)
	return report, nil
}

// run executes the read/tokenize/stage phase. tallies[i] is written only by
// worker i and rt only by the reader.
func (p *Pipeline) run(ctx context.Context, log *slog.Logger, src ingestion.Source, opts Options, buildID string, tallies []*workerTally, rt *readerTally) error {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan batch, opts.Workers)
	rt.firstFault = -1

	g.Go(func() error {
		defer close(batches)
		return p.read(gctx, log, src, buildID, opts.BatchSize, batches, rt)
	})

	for i := range tallies {
		t := &workerTally{counts: stats.NewTokenCount()}
		tallies[i] = t
		g.Go(func() error {
			for b := range batches {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := p.process(gctx, log, buildID, b, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return &apperrors.BuildError{BuildID: buildID, BatchIndex: -1, BatchesTotal: rt.batches, Err: ctx.Err()}
	}
	return err
}

// read cuts the stream into batches. An id counts as seen only once its
// batch has been handed to the workers, so a record whose first copy sat in
// a dropped batch is still taken from a later copy.
func (p *Pipeline) read(ctx context.Context, log *slog.Logger, src ingestion.Source, buildID string, size int, out chan<- batch, rt *readerTally) error {
	seen := make(map[string]struct{})
	cur := newBatch(size)
	var position int64

	emit := func() error {
		if len(cur.rows) == 0 && cur.malformed == 0 {
			return nil
		}
		cur.index = rt.batches
		rt.batches++
		if cur.malformed > 0 {
			rt.failed++
			if rt.firstFault < 0 {
				rt.firstFault = cur.index
			}
			log.Warn("skipping batch with unreadable rows", "batch", cur.index, "malformed", cur.malformed)
		} else {
			select {
			case out <- cur:
			case <-ctx.Done():
				return ctx.Err()
			}
			for id := range cur.ids {
				seen[id] = struct{}{}
			}
		}
		cur = newBatch(size)
		return nil
	}

	for {
		row, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return emit()
		}
		position++
		var bad *ingestion.MalformedRowError
		switch {
		case errors.As(err, &bad):
			rt.malformed++
			cur.malformed++
		case err == nil && row.ID == "":
			log.Debug("row without id", "position", position)
			rt.malformed++
			cur.malformed++
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &apperrors.BuildError{
				BuildID:      buildID,
				BatchIndex:   rt.batches,
				BatchesTotal: rt.batches,
				Err:          fmt.Errorf("%w: reading record stream at row %d: %v", apperrors.ErrIngestion, position, err),
			}
		default:
			_, dup := seen[row.ID]
			if _, pending := cur.ids[row.ID]; dup || pending {
				rt.duplicates++
				continue
			}
			cur.ids[row.ID] = struct{}{}
			cur.rows = append(cur.rows, row)
		}
		if len(cur.rows)+cur.malformed >= size {
			if err := emit(); err != nil {
				return err
			}
		}
	}
}

// process tokenizes one batch, stages its records and folds them into the
// worker's counter. The reader has already rejected rows that cannot become
// records, so any failure here ends the build.
func (p *Pipeline) process(ctx context.Context, log *slog.Logger, buildID string, b batch, t *workerTally) error {
	records := make([]*record.Record, 0, len(b.rows))
	for _, row := range b.rows {
		r, err := record.New(row.ID, row.Fields, p.tok)
		if err != nil {
			return &apperrors.BuildError{BuildID: buildID, BatchIndex: b.index,
				Err: fmt.Errorf("%w: row %q: %v", apperrors.ErrIngestion, row.ID, err)}
		}
		records = append(records, r)
	}

	if err := p.store.BulkWriteRecords(ctx, buildID, records); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperrors.BuildError{BuildID: buildID, BatchIndex: b.index, Err: err}
	}

	for _, r := range records {
		t.counts.Add(r)
	}
	t.records += int64(len(records))
	log.Debug("batch staged", "batch", b.index, "records", len(records))
	return nil
}

// publish reduces the worker counters, stages and promotes them, then swaps
// the in-process snapshot.
func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, tallies []*workerTally, report *Report, start time.Time) error {
	global := stats.NewTokenCount()
	for _, t := range tallies {
		global.MergeInto(t.counts)
	}

	fail := func(err error) error {
		return &apperrors.BuildError{
			BuildID:          report.BuildID,
			BatchIndex:       -1,
			BatchesFailed:    report.BatchesFailed,
			BatchesTotal:     report.BatchesTotal,
			RecordsProcessed: report.RecordsProcessed,
			Err:              err,
		}
	}

	if err := p.store.BulkWriteTokenCounts(ctx, report.BuildID, global); err != nil {
		return fail(fmt.Errorf("staging token counts: %w", err))
	}
	meta := stats.Meta{
		BuildID:          report.BuildID,
		BuiltAt:          start.UTC(),
		RecordsProcessed: report.RecordsProcessed,
	}
	if err := p.store.AtomicReplaceStatistics(ctx, meta); err != nil {
		return fail(fmt.Errorf("promoting statistics: %w", err))
	}

	report.Generation = p.handle.Swap(stats.FromCounts(global, meta))
	meta.Generation = report.Generation

	if p.notifier != nil {
		if err := p.notifier.StatisticsPublished(ctx, meta, *report); err != nil {
			log.Warn("statistics published notification failed", "error", err)
		}
	}
	return nil
}

// discard runs after the build context may already be cancelled, so it
// gets its own bounded deadline.
func (p *Pipeline) discard(ctx context.Context, buildID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if err := p.store.DiscardStaged(ctx, buildID); err != nil {
		log.Error("discarding staged build failed", "error", err)
	}
}

func (p *Pipeline) observe(result string, r Report) {
	if p.metrics == nil {
		return
	}
	p.metrics.BuildsTotal.WithLabelValues(result).Inc()
	p.metrics.BuildDuration.Observe(r.Duration.Seconds())
	p.metrics.BatchesFailedTotal.Add(float64(r.BatchesFailed))
	if result == "published" {
		p.metrics.RecordsProcessedTotal.Add(float64(r.RecordsProcessed))
		p.metrics.StatisticsGeneration.Set(float64(r.Generation))
	}
}

func outcome(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(err, apperrors.ErrBuildAborted):
		return "aborted"
	default:
		return "failed"
	}
}
