package matcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matchcache"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/memory"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/redis"
)

var tok = tokenizer.New(tokenizer.WithFieldRule("surname", tokenizer.KindName))

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	return cfg
}

func newService(t *testing.T, store *memory.Store, opts ...Option) *Service {
	t.Helper()
	s, err := New(testConfig(), store, tok, opts...)
	require.NoError(t, err)
	return s
}

func surnames(pairs ...string) ingestion.Source {
	rows := make([]ingestion.Row, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		rows = append(rows, ingestion.Row{ID: pairs[i], Fields: map[string]string{"surname": pairs[i+1]}})
	}
	return ingestion.NewSliceSource(rows)
}

func matchIDs(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.CandidateID
	}
	return out
}

func TestBuildThenFindExactSurname(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewForTest()
	svc := newService(t, memory.New(), WithMetrics(m))

	report, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Smith", "3", "Jones"), 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.RecordsProcessed)
	assert.Zero(t, report.BatchesFailed)

	p, ok := svc.Snapshot().Proportion("surname", "SMITH")
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, p, 1e-12)
	assert.EqualValues(t, 3, svc.Statistics().Fields["surname"].Records)

	matches, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": "SMITH"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, matchIDs(matches))
	assert.InDelta(t, 1.0/3.0, matches[0].Score, 1e-12)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchQueriesTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatisticsTokens.WithLabelValues("surname")))
}

func TestFindQueryEdgeCases(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.New())
	_, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Jones"), 10, 1)
	require.NoError(t, err)

	t.Run("field absent from corpus", func(t *testing.T) {
		matches, err := svc.FindPotentialMatches(ctx, map[string]string{"first_name": "John"}, 10)
		require.NoError(t, err)
		assert.NotNil(t, matches)
		assert.Empty(t, matches)
	})
	t.Run("no tokens", func(t *testing.T) {
		matches, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": " - "}, 10)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
	t.Run("negative limit", func(t *testing.T) {
		_, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": "Smith"}, -1)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})
	t.Run("zero limit uses default", func(t *testing.T) {
		matches, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": "Smith"}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, matchIDs(matches))
	})
}

func TestTruncationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	var pairs []string
	for i := 20; i > 0; i-- {
		pairs = append(pairs, fmt.Sprintf("r%02d", i), "Smith")
	}
	pairs = append(pairs, "x", "Jones")
	svc := newService(t, memory.New())
	_, err := svc.BuildOrReplaceStatistics(ctx, surnames(pairs...), 3, 4)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		matches, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": "smith"}, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"r01", "r02", "r03"}, matchIDs(matches))
	}
}

type cancelledSource struct{ cancel context.CancelFunc }

func (c cancelledSource) Next(ctx context.Context) (ingestion.Row, error) {
	c.cancel()
	<-ctx.Done()
	return ingestion.Row{}, ctx.Err()
}

func TestCancelledRebuildKeepsServingPreviousStatistics(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.New())
	first, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Jones"), 10, 1)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	_, err = svc.BuildOrReplaceStatistics(cctx, cancelledSource{cancel: cancel}, 10, 1)
	require.Error(t, err)

	assert.Equal(t, first.BuildID, svc.Statistics().Meta.BuildID)
	matches, err := svc.FindPotentialMatches(ctx, map[string]string{"surname": "Jones"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, matchIDs(matches))
}

func TestReloadStatisticsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	builder := newService(t, store)
	report, err := builder.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Smith", "3", "Jones"), 10, 1)
	require.NoError(t, err)

	reader := newService(t, store)
	assert.True(t, reader.Snapshot().IsEmpty())
	meta, err := reader.ReloadStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.BuildID, meta.BuildID)
	assert.EqualValues(t, 1, meta.Generation)

	again, err := reader.ReloadStatistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, again.Generation, "reloading the same build does not swap")

	matches, err := reader.FindPotentialMatches(ctx, map[string]string{"surname": "Smith"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, matchIDs(matches))
}

func TestDeleteRecordExcludesCandidate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.New())
	_, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Smith"), 10, 1)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRecord(ctx, "1"))
	res, err := svc.Find(ctx, map[string]string{"surname": "Smith"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, matchIDs(res.Matches))
	assert.Equal(t, 1, res.Stale)

	assert.ErrorIs(t, svc.DeleteRecord(ctx, ""), apperrors.ErrValidation)
}

func TestExplain(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.New())
	_, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Smith", "3", "Jones"), 10, 1)
	require.NoError(t, err)

	br, err := svc.Explain(ctx, map[string]string{"surname": "Smith"}, "1")
	require.NoError(t, err)
	require.Len(t, br.Fields, 1)
	assert.Equal(t, []string{"SMITH"}, br.Fields[0].Matched)
	assert.InDelta(t, 1.0/3.0, br.Score, 1e-12)

	_, err = svc.Explain(ctx, map[string]string{"surname": "Smith"}, "missing")
	assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
}

type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (b *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memBackend) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func TestCacheIsInvalidatedByRebuild(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{data: map[string][]byte{}}
	cache := matchcache.New(backend, time.Minute, nil)
	svc := newService(t, memory.New(), WithCache(cache))

	_, err := svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Jones"), 10, 1)
	require.NoError(t, err)
	q := map[string]string{"surname": "Smith"}

	_, err = svc.FindPotentialMatches(ctx, q, 10)
	require.NoError(t, err)
	_, err = svc.FindPotentialMatches(ctx, q, 10)
	require.NoError(t, err)
	hits, _ := cache.Stats()
	assert.EqualValues(t, 1, hits)

	_, err = svc.BuildOrReplaceStatistics(ctx, surnames("1", "Smith", "2", "Smith", "3", "Jones"), 10, 1)
	require.NoError(t, err)
	assert.Empty(t, backend.data)

	matches, err := svc.FindPotentialMatches(ctx, q, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, matchIDs(matches))
}
