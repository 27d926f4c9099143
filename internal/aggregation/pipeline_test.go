package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/memory"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
)

var tok = tokenizer.New(tokenizer.WithFieldRule("surname", tokenizer.KindName))

func rows(surnames ...string) []ingestion.Row {
	out := make([]ingestion.Row, len(surnames))
	for i, s := range surnames {
		out[i] = ingestion.Row{ID: fmt.Sprintf("r%03d", i+1), Fields: map[string]string{"surname": s}}
	}
	return out
}

// step is one scripted result of Next.
type step struct {
	row ingestion.Row
	err error
}

type scriptedSource struct {
	steps []step
	pos   int
}

func (s *scriptedSource) Next(ctx context.Context) (ingestion.Row, error) {
	if err := ctx.Err(); err != nil {
		return ingestion.Row{}, err
	}
	if s.pos >= len(s.steps) {
		return ingestion.Row{}, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	return st.row, st.err
}

func malformed(pos int64) step {
	return step{err: &ingestion.MalformedRowError{Position: pos, Reason: "invalid JSON"}}
}

// blockingSource yields its rows and then blocks until ctx is done.
type blockingSource struct {
	rows    []ingestion.Row
	pos     int
	reached chan struct{}
	once    sync.Once
}

func (s *blockingSource) Next(ctx context.Context) (ingestion.Row, error) {
	if s.pos < len(s.rows) {
		s.pos++
		return s.rows[s.pos-1], nil
	}
	s.once.Do(func() { close(s.reached) })
	<-ctx.Done()
	return ingestion.Row{}, ctx.Err()
}

type recordingNotifier struct {
	metas []stats.Meta
}

func (n *recordingNotifier) StatisticsPublished(_ context.Context, meta stats.Meta, _ Report) error {
	n.metas = append(n.metas, meta)
	return errors.New("broker down")
}

func TestBuildPublishesProportions(t *testing.T) {
	store := memory.New()
	handle := stats.NewHandle()
	n := &recordingNotifier{}
	m := metrics.NewForTest()
	p := New(store, handle, tok, WithNotifier(n), WithMetrics(m))

	report, err := p.Build(context.Background(), ingestion.NewSliceSource(rows("Smith", "smith", "Jones")),
		Options{BatchSize: 2, Workers: 2})
	require.NoError(t, err)

	assert.EqualValues(t, 3, report.RecordsProcessed)
	assert.Equal(t, 2, report.BatchesTotal)
	assert.Zero(t, report.BatchesFailed)
	assert.EqualValues(t, 1, report.Generation)
	assert.NotEmpty(t, report.BuildID)

	snap := handle.Load()
	smith, _ := snap.Proportion("surname", "SMITH")
	jones, _ := snap.Proportion("surname", "JONES")
	assert.InDelta(t, 2.0/3.0, smith, 1e-12)
	assert.InDelta(t, 1.0/3.0, jones, 1e-12)
	assert.Equal(t, report.BuildID, snap.Meta().BuildID)

	persisted, err := store.LoadStatistics(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Counts().Equal(snap.Counts()))

	ids, err := store.IndexLookup(context.Background(), "surname", "SMITH")
	require.NoError(t, err)
	assert.Equal(t, []string{"r001", "r002"}, ids)

	require.Len(t, n.metas, 1, "notifier errors must not fail the build")
	assert.EqualValues(t, 1, n.metas[0].Generation)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BuildsTotal.WithLabelValues("published")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsProcessedTotal))
	assert.Empty(t, store.StagedBuilds())
}

func TestBuildIsIndependentOfBatchingAndWorkers(t *testing.T) {
	corpus := rows("Smith", "Jones", "O'Neil", "Smith Jones", "Brown", "Ng", "Smith", "Mr Brown Jr",
		"Taylor", "Jones", "Ng", "Smythe", "Brown")

	var want *stats.TokenCount
	for _, batchSize := range []int{1, 2, 5, 100} {
		for _, workers := range []int{1, 3, 8} {
			t.Run(fmt.Sprintf("batch=%d/workers=%d", batchSize, workers), func(t *testing.T) {
				handle := stats.NewHandle()
				p := New(memory.New(), handle, tok)
				report, err := p.Build(context.Background(), ingestion.NewSliceSource(corpus),
					Options{BatchSize: batchSize, Workers: workers})
				require.NoError(t, err)
				assert.EqualValues(t, len(corpus), report.RecordsProcessed)

				got := handle.Load().Counts()
				if want == nil {
					want = got
					return
				}
				assert.True(t, want.Equal(got))
			})
		}
	}
}

func TestDuplicateIDsKeepFirst(t *testing.T) {
	src := ingestion.NewSliceSource([]ingestion.Row{
		{ID: "1", Fields: map[string]string{"surname": "Smith"}},
		{ID: "1", Fields: map[string]string{"surname": "Jones"}},
		{ID: "2", Fields: map[string]string{"surname": "Jones"}},
	})
	store := memory.New()
	handle := stats.NewHandle()
	report, err := New(store, handle, tok).Build(context.Background(), src, Options{BatchSize: 10, Workers: 1})
	require.NoError(t, err)

	assert.EqualValues(t, 2, report.RecordsProcessed)
	assert.EqualValues(t, 1, report.DuplicatesSkipped)
	assert.EqualValues(t, 1, handle.Load().Count("surname", "SMITH"))
	assert.EqualValues(t, 1, handle.Load().Count("surname", "JONES"))
}

func TestRowsFromDroppedBatchCanArriveAgain(t *testing.T) {
	r1 := ingestion.Row{ID: "r1", Fields: map[string]string{"surname": "Smith"}}
	r2 := ingestion.Row{ID: "r2", Fields: map[string]string{"surname": "Jones"}}
	src := &scriptedSource{steps: []step{{row: r1}, malformed(2), {row: r1}, {row: r2}}}
	store := memory.New()
	handle := stats.NewHandle()

	report, err := New(store, handle, tok).Build(context.Background(), src,
		Options{BatchSize: 2, Workers: 1, MaxFailureRate: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesFailed)
	assert.EqualValues(t, 2, report.RecordsProcessed)
	assert.Zero(t, report.DuplicatesSkipped)
	assert.EqualValues(t, 1, handle.Load().Count("surname", "SMITH"))

	got, err := store.GetRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID())
}

func TestRowWithoutIDFailsItsBatch(t *testing.T) {
	src := ingestion.NewSliceSource([]ingestion.Row{
		{ID: "1", Fields: map[string]string{"surname": "Smith"}},
		{ID: "", Fields: map[string]string{"surname": "Jones"}},
		{ID: "2", Fields: map[string]string{"surname": "Brown"}},
	})
	handle := stats.NewHandle()
	report, err := New(memory.New(), handle, tok).Build(context.Background(), src,
		Options{BatchSize: 2, Workers: 1, MaxFailureRate: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesFailed)
	assert.EqualValues(t, 1, report.MalformedRows)
	assert.EqualValues(t, 1, report.RecordsProcessed)
	assert.EqualValues(t, 1, handle.Load().Count("surname", "BROWN"))
}

func TestSkippedBatchWarningCarriesBuildID(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "info", "json")

	src := &scriptedSource{steps: []step{malformed(1), {row: rows("Smith")[0]}}}
	report, err := New(memory.New(), stats.NewHandle(), tok).Build(context.Background(), src,
		Options{BatchSize: 1, Workers: 1, MaxFailureRate: 0.5})
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "skipping batch with unreadable rows" {
			found = true
			assert.Equal(t, report.BuildID, entry["build_id"])
			assert.Equal(t, "aggregation", entry["component"])
		}
	}
	assert.True(t, found)
}

type discardRecorder struct {
	*memory.Store
	hadDeadline bool
	ctxErr      error
}

func (d *discardRecorder) DiscardStaged(ctx context.Context, buildID string) error {
	_, d.hadDeadline = ctx.Deadline()
	d.ctxErr = ctx.Err()
	return d.Store.DiscardStaged(ctx, buildID)
}

func TestDiscardAfterCancelHasOwnDeadline(t *testing.T) {
	store := &discardRecorder{Store: memory.New()}
	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{rows: rows("Taylor"), reached: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := New(store, stats.NewHandle(), tok).Build(ctx, src, Options{BatchSize: 1, Workers: 1})
		done <- err
	}()
	<-src.reached
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.True(t, store.hadDeadline)
	assert.NoError(t, store.ctxErr)
	assert.Empty(t, store.StagedBuilds())
}

func TestMalformedBatchesAreSkipped(t *testing.T) {
	good := rows("Smith", "Jones", "Brown", "Ng")
	script := func() *scriptedSource {
		return &scriptedSource{steps: []step{
			{row: good[0]}, {row: good[1]},
			{row: good[2]}, malformed(4),
			{row: good[3]},
		}}
	}

	t.Run("under threshold", func(t *testing.T) {
		handle := stats.NewHandle()
		report, err := New(memory.New(), handle, tok).Build(context.Background(), script(),
			Options{BatchSize: 2, Workers: 2, MaxFailureRate: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 3, report.BatchesTotal)
		assert.Equal(t, 1, report.BatchesFailed)
		assert.EqualValues(t, 1, report.MalformedRows)
		assert.EqualValues(t, 3, report.RecordsProcessed)
		assert.Zero(t, handle.Load().Count("surname", "BROWN"), "rows sharing a batch with a malformed row are dropped")
	})

	t.Run("over threshold aborts", func(t *testing.T) {
		store := memory.New()
		handle := stats.NewHandle()
		report, err := New(store, handle, tok).Build(context.Background(), script(),
			Options{BatchSize: 2, Workers: 2, MaxFailureRate: 0.1})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrBuildAborted)

		var be *apperrors.BuildError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 1, be.BatchIndex)
		assert.Equal(t, 1, be.BatchesFailed)
		assert.Equal(t, 3, be.BatchesTotal)
		assert.Equal(t, 1, report.BatchesFailed)

		assert.Zero(t, handle.Generation())
		assert.True(t, handle.Load().IsEmpty())
		assert.Empty(t, store.StagedBuilds())
		persisted, err := store.LoadStatistics(context.Background())
		require.NoError(t, err)
		assert.True(t, persisted.IsEmpty())
	})
}

func TestCancelledBuildKeepsPreviousSnapshot(t *testing.T) {
	store := memory.New()
	handle := stats.NewHandle()
	p := New(store, handle, tok)

	_, err := p.Build(context.Background(), ingestion.NewSliceSource(rows("Smith", "Smith", "Jones")),
		Options{BatchSize: 2, Workers: 2})
	require.NoError(t, err)
	before := handle.Load()

	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{rows: rows("Taylor", "Taylor", "Taylor", "Ng"), reached: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := p.Build(ctx, src, Options{BatchSize: 1, Workers: 2})
		done <- err
	}()
	<-src.reached
	cancel()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled build did not return")
	}
	assert.ErrorIs(t, err, context.Canceled)

	assert.Same(t, before, handle.Load())
	assert.Empty(t, store.StagedBuilds())
	ids, err := store.IndexLookup(context.Background(), "surname", "TAYLOR")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = store.IndexLookup(context.Background(), "surname", "SMITH")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestConcurrentBuildIsRejected(t *testing.T) {
	p := New(memory.New(), stats.NewHandle(), tok)
	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingSource{reached: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Build(ctx, src, Options{})
	}()
	<-src.reached

	assert.True(t, p.Running())
	_, err := p.Build(context.Background(), ingestion.NewSliceSource(nil), Options{})
	assert.ErrorIs(t, err, apperrors.ErrBuildInProgress)

	cancel()
	<-done
	assert.False(t, p.Running())
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) BulkWriteRecords(context.Context, string, []*record.Record) error {
	return apperrors.Unavailable("bulk_write_records", errors.New("disk full"))
}

func TestStorageWriteFailureIsFatal(t *testing.T) {
	inner := memory.New()
	handle := stats.NewHandle()
	_, err := New(failingStore{inner}, handle, tok).Build(context.Background(),
		ingestion.NewSliceSource(rows("Smith")), Options{BatchSize: 1, Workers: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	var be *apperrors.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.BatchIndex)
	assert.Zero(t, handle.Generation())
}

type brokenSource struct{}

func (brokenSource) Next(context.Context) (ingestion.Row, error) {
	return ingestion.Row{}, errors.New("connection reset")
}

func TestSourceFailureIsFatal(t *testing.T) {
	_, err := New(memory.New(), stats.NewHandle(), tok).Build(context.Background(), brokenSource{}, Options{})
	assert.ErrorIs(t, err, apperrors.ErrIngestion)
}

func TestEmptyStreamPublishesEmptyStatistics(t *testing.T) {
	handle := stats.NewHandle()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := New(memory.New(), handle, tok, withClock(func() time.Time { return fixed }))
	report, err := p.Build(context.Background(), ingestion.NewSliceSource(nil), Options{})
	require.NoError(t, err)
	assert.Zero(t, report.RecordsProcessed)
	assert.Zero(t, report.Duration)
	assert.EqualValues(t, 1, handle.Generation())
	assert.True(t, handle.Load().IsEmpty())
	assert.Equal(t, fixed, handle.Load().Meta().BuiltAt)
}

func BenchmarkBuild(b *testing.B) {
	names := []string{"Smith", "Jones", "Taylor", "Brown", "Williams", "Wilson", "Johnson", "Davies"}
	corpus := make([]ingestion.Row, 20000)
	for i := range corpus {
		corpus[i] = ingestion.Row{
			ID: fmt.Sprintf("%06d", i),
			Fields: map[string]string{
				"surname": names[i%len(names)],
				"address": fmt.Sprintf("%d High Street Flat %d", i%400, i%37),
			},
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := New(memory.New(), stats.NewHandle(), tok)
		if _, err := p.Build(context.Background(), ingestion.NewSliceSource(corpus), Options{BatchSize: 1000}); err != nil {
			b.Fatal(err)
		}
	}
}
