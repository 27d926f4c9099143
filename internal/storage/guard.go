package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

// Observer receives the outcome of every guarded storage call.
type Observer func(op string, d time.Duration, err error)

// Guarded wraps a Store with a circuit breaker. Only availability failures
// count against the breaker; a stale candidate says nothing about backend
// health. While the breaker is open calls fail fast with
// ErrStorageUnavailable.
type Guarded struct {
	inner   Store
	breaker *resilience.CircuitBreaker
	observe Observer
}

// Guard wraps s. A nil observer is allowed.
func Guard(s Store, cfg resilience.CircuitBreakerConfig, observe Observer) *Guarded {
	cfg.IsFailure = func(err error) bool {
		return errors.Is(err, apperrors.ErrStorageUnavailable)
	}
	return &Guarded{
		inner:   s,
		breaker: resilience.NewCircuitBreaker("storage", cfg),
		observe: observe,
	}
}

// State reports the breaker state.
func (g *Guarded) State() resilience.State { return g.breaker.GetState() }

func (g *Guarded) do(op string, fn func() error) error {
	start := time.Now()
	err := g.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = apperrors.Unavailable(op, err)
	}
	if g.observe != nil {
		g.observe(op, time.Since(start), err)
	}
	return err
}

func (g *Guarded) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	var r *record.Record
	err := g.do("get_record", func() (err error) {
		r, err = g.inner.GetRecord(ctx, id)
		return err
	})
	return r, err
}

func (g *Guarded) IndexLookup(ctx context.Context, field, token string) ([]string, error) {
	var ids []string
	err := g.do("index_lookup", func() (err error) {
		ids, err = g.inner.IndexLookup(ctx, field, token)
		return err
	})
	return ids, err
}

func (g *Guarded) BulkWriteRecords(ctx context.Context, buildID string, batch []*record.Record) error {
	return g.do("bulk_write_records", func() error {
		return g.inner.BulkWriteRecords(ctx, buildID, batch)
	})
}

func (g *Guarded) BulkWriteTokenCounts(ctx context.Context, buildID string, counts *stats.TokenCount) error {
	return g.do("bulk_write_token_counts", func() error {
		return g.inner.BulkWriteTokenCounts(ctx, buildID, counts)
	})
}

func (g *Guarded) AtomicReplaceStatistics(ctx context.Context, meta stats.Meta) error {
	return g.do("atomic_replace_statistics", func() error {
		return g.inner.AtomicReplaceStatistics(ctx, meta)
	})
}

// DiscardStaged bypasses the breaker so cleanup is attempted even while the
// circuit is open.
func (g *Guarded) DiscardStaged(ctx context.Context, buildID string) error {
	return g.inner.DiscardStaged(ctx, buildID)
}

func (g *Guarded) LoadStatistics(ctx context.Context) (*stats.Statistics, error) {
	var s *stats.Statistics
	err := g.do("load_statistics", func() (err error) {
		s, err = g.inner.LoadStatistics(ctx)
		return err
	})
	return s, err
}

func (g *Guarded) DeleteRecord(ctx context.Context, id string) error {
	return g.do("delete_record", func() error {
		return g.inner.DeleteRecord(ctx, id)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
