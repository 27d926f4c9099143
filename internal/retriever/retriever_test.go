package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/memory"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage/storagetest"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

var tok = tokenizer.New(tokenizer.WithFieldRule("surname", tokenizer.KindName))

func corpus(t *testing.T, rows map[string]map[string]string) (*memory.Store, *stats.Statistics) {
	t.Helper()
	s := memory.New()
	records := make([]*record.Record, 0, len(rows))
	for id, fields := range rows {
		r, err := record.New(id, fields, tok)
		require.NoError(t, err)
		records = append(records, r)
	}
	storagetest.Publish(t, s, "b1", records...)
	snap, err := s.LoadStatistics(context.Background())
	require.NoError(t, err)
	return s, snap
}

func query(t *testing.T, fields map[string]string) *record.Record {
	t.Helper()
	q, err := record.NewQuery(fields, tok)
	require.NoError(t, err)
	return q
}

func TestUnionAcrossFieldsAndTokens(t *testing.T) {
	s, snap := corpus(t, map[string]map[string]string{
		"1": {"surname": "Smith", "city": "Leeds"},
		"2": {"surname": "Smith", "city": "York"},
		"3": {"surname": "Jones", "city": "York"},
		"4": {"surname": "Brown", "city": "Hull"},
	})
	r := New(s, Config{}, nil)

	got, err := r.Retrieve(context.Background(), query(t, map[string]string{"surname": "jones", "city": "leeds"}), snap, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, got.IDs)
	assert.Equal(t, 2, got.TotalHits)
	assert.False(t, got.Truncated)
	assert.Equal(t, map[string]int{"city:LEEDS": 1, "surname:JONES": 1}, got.TermHits)
}

func TestMissingFieldYieldsEmptyShortlist(t *testing.T) {
	s, snap := corpus(t, map[string]map[string]string{
		"1": {"surname": "Smith"},
	})
	r := New(s, Config{}, nil)

	for name, fields := range map[string]map[string]string{
		"unpopulated field": {"first_name": "john"},
		"no tokens":         {"surname": "  ,. "},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := r.Retrieve(context.Background(), query(t, fields), snap, 10)
			require.NoError(t, err)
			assert.NotNil(t, got.IDs)
			assert.Empty(t, got.IDs)
		})
	}
}

func TestTruncationPrefersRareTokensThenID(t *testing.T) {
	rows := map[string]map[string]string{}
	// SMITH appears 6 times, QUIGLEY twice, so QUIGLEY hits outrank SMITH hits.
	for i := 1; i <= 6; i++ {
		rows[fmt.Sprintf("s%d", i)] = map[string]string{"surname": "Smith"}
	}
	rows["q2"] = map[string]string{"surname": "Quigley"}
	rows["q1"] = map[string]string{"surname": "Quigley"}
	s, snap := corpus(t, rows)
	r := New(s, Config{}, nil)
	q := query(t, map[string]string{"surname": "Smith Quigley"})

	first, err := r.Retrieve(context.Background(), q, snap, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2", "s1", "s2"}, first.IDs)
	assert.True(t, first.Truncated)
	assert.Equal(t, 8, first.TotalHits)

	second, err := r.Retrieve(context.Background(), q, snap, 4)
	require.NoError(t, err)
	assert.Equal(t, first.IDs, second.IDs)
}

func TestMaxTokenProportionSkipsCommonTokens(t *testing.T) {
	s, snap := corpus(t, map[string]map[string]string{
		"1": {"surname": "Smith", "title": "The Mill"},
		"2": {"surname": "Jones", "title": "The Barn"},
		"3": {"surname": "Brown", "title": "The Yard"},
	})
	r := New(s, Config{MaxTokenProportion: 0.5}, nil)

	got, err := r.Retrieve(context.Background(), query(t, map[string]string{"title": "the mill"}), snap, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, got.IDs)
	assert.Equal(t, []string{"title:THE"}, got.Skipped)

	got, err = r.Retrieve(context.Background(), query(t, map[string]string{"title": "the"}), snap, 0)
	require.NoError(t, err)
	assert.Len(t, got.IDs, 3, "a query made only of common tokens still retrieves")
	assert.Empty(t, got.Skipped)
}

type flakyIndex struct {
	fails int
	err   error
	calls int
}

func (f *flakyIndex) IndexLookup(context.Context, string, string) ([]string, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, f.err
	}
	return []string{"1"}, nil
}

func TestRetriesOnlyUnavailability(t *testing.T) {
	fast := resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	q := query(t, map[string]string{"surname": "smith"})

	t.Run("unavailable is retried", func(t *testing.T) {
		idx := &flakyIndex{fails: 2, err: apperrors.Unavailable("index_lookup", errors.New("timeout"))}
		m := metrics.NewForTest()
		got, err := New(idx, Config{Retry: fast}, m).Retrieve(context.Background(), q, stats.Empty(), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, got.IDs)
		assert.Equal(t, 3, idx.calls)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.StorageRetriesTotal.WithLabelValues("index_lookup")))
	})

	t.Run("other errors are not", func(t *testing.T) {
		idx := &flakyIndex{fails: 1, err: errors.New("bad token")}
		_, err := New(idx, Config{Retry: fast}, nil).Retrieve(context.Background(), q, stats.Empty(), 0)
		require.Error(t, err)
		assert.Equal(t, 1, idx.calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		idx := &flakyIndex{fails: 10, err: apperrors.Unavailable("index_lookup", errors.New("timeout"))}
		_, err := New(idx, Config{Retry: fast}, nil).Retrieve(context.Background(), q, stats.Empty(), 0)
		assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
		assert.Equal(t, 3, idx.calls)
	})
}
