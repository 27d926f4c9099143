// Package storagetest holds the behavioural contract every storage backend
// must satisfy. Backend test files call Run with a constructor.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

var tok = tokenizer.New(tokenizer.WithFieldRule("surname", tokenizer.KindName))

func mustRecord(t *testing.T, id string, fields map[string]string) *record.Record {
	t.Helper()
	r, err := record.New(id, fields, tok)
	require.NoError(t, err)
	return r
}

// Publish stages records and their counts under buildID and promotes them.
func Publish(t *testing.T, s storage.Store, buildID string, records ...*record.Record) stats.Meta {
	t.Helper()
	ctx := context.Background()
	counts := stats.NewTokenCount()
	for _, r := range records {
		counts.Add(r)
	}
	require.NoError(t, s.BulkWriteRecords(ctx, buildID, records))
	require.NoError(t, s.BulkWriteTokenCounts(ctx, buildID, counts))
	meta := stats.Meta{BuildID: buildID, BuiltAt: time.Now().UTC().Truncate(time.Second), RecordsProcessed: int64(len(records))}
	require.NoError(t, s.AtomicReplaceStatistics(ctx, meta))
	return meta
}

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	open := func(t *testing.T) storage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("empty store", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Ping(ctx))

		st, err := s.LoadStatistics(ctx)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.True(t, st.IsEmpty())

		ids, err := s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Empty(t, ids)

		_, err = s.GetRecord(ctx, "nope")
		assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
	})

	t.Run("staged data is invisible until promoted", func(t *testing.T) {
		s := open(t)
		r := mustRecord(t, "1", map[string]string{"surname": "Smith"})
		require.NoError(t, s.BulkWriteRecords(ctx, "b1", []*record.Record{r}))

		_, err := s.GetRecord(ctx, "1")
		assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
		ids, err := s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("promote replaces corpus, index and statistics", func(t *testing.T) {
		s := open(t)
		meta := Publish(t, s, "b1",
			mustRecord(t, "3", map[string]string{"surname": "Jones", "city": "Leeds"}),
			mustRecord(t, "1", map[string]string{"surname": "Smith", "city": "York"}),
			mustRecord(t, "2", map[string]string{"surname": "Mr Smith Smith", "city": ""}),
		)

		r, err := s.GetRecord(ctx, "2")
		require.NoError(t, err)
		assert.Equal(t, "2", r.ID())
		assert.Equal(t, []string{"SMITH", "SMITH"}, r.Tokens("surname"))
		v, ok := r.Field("city")
		assert.True(t, ok)
		assert.Equal(t, "", v)
		require.NoError(t, r.Verify(tok))

		ids, err := s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, ids)

		st, err := s.LoadStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, meta.BuildID, st.Meta().BuildID)
		assert.Equal(t, int64(3), st.Meta().RecordsProcessed)
		assert.True(t, meta.BuiltAt.Equal(st.Meta().BuiltAt))
		p, ok := st.Proportion("surname", "SMITH")
		require.True(t, ok)
		assert.InDelta(t, 2.0/3.0, p, 1e-12)
		assert.Equal(t, int64(2), st.FieldRecords("city"))

		// second build replaces the first entirely
		Publish(t, s, "b2", mustRecord(t, "9", map[string]string{"surname": "Brown"}))
		_, err = s.GetRecord(ctx, "1")
		assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
		ids, err = s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Empty(t, ids)
		st, err = s.LoadStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b2", st.Meta().BuildID)
		assert.Equal(t, []string{"surname"}, st.Fields())
	})

	t.Run("discarded build leaves live data intact", func(t *testing.T) {
		s := open(t)
		Publish(t, s, "b1", mustRecord(t, "1", map[string]string{"surname": "Smith"}))

		require.NoError(t, s.BulkWriteRecords(ctx, "b2", []*record.Record{mustRecord(t, "2", map[string]string{"surname": "Jones"})}))
		require.NoError(t, s.DiscardStaged(ctx, "b2"))
		assert.Error(t, s.AtomicReplaceStatistics(ctx, stats.Meta{BuildID: "b2"}))

		st, err := s.LoadStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b1", st.Meta().BuildID)
		_, err = s.GetRecord(ctx, "1")
		require.NoError(t, err)
		_, err = s.GetRecord(ctx, "2")
		assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
	})

	t.Run("deleted record leaves stale index entry", func(t *testing.T) {
		s := open(t)
		Publish(t, s, "b1",
			mustRecord(t, "1", map[string]string{"surname": "Smith"}),
			mustRecord(t, "2", map[string]string{"surname": "Smith"}),
		)
		require.NoError(t, s.DeleteRecord(ctx, "1"))
		assert.ErrorIs(t, s.DeleteRecord(ctx, "1"), apperrors.ErrStaleCandidate)

		ids, err := s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Contains(t, ids, "2")
		_, err = s.GetRecord(ctx, "1")
		assert.ErrorIs(t, err, apperrors.ErrStaleCandidate)
	})

	t.Run("batches accumulate across calls", func(t *testing.T) {
		s := open(t)
		counts := stats.NewTokenCount()
		for i, name := range []string{"smith", "jones", "brown", "smith"} {
			r := mustRecord(t, string(rune('a'+i)), map[string]string{"surname": name})
			counts.Add(r)
			require.NoError(t, s.BulkWriteRecords(ctx, "b1", []*record.Record{r}))
		}
		require.NoError(t, s.BulkWriteTokenCounts(ctx, "b1", counts))
		require.NoError(t, s.AtomicReplaceStatistics(ctx, stats.Meta{BuildID: "b1", RecordsProcessed: 4}))

		ids, err := s.IndexLookup(ctx, "surname", "SMITH")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "d"}, ids)
		st, err := s.LoadStatistics(ctx)
		require.NoError(t, err)
		assert.True(t, counts.Equal(st.Counts()))
	})
}
