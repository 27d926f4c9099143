// Package retriever shortlists candidate record ids for a query by looking up
// each query token in the (field, token) index and taking the union.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

// Index is the part of the store the retriever reads.
type Index interface {
	IndexLookup(ctx context.Context, field, token string) ([]string, error)
}

type Config struct {
	// MaxTokenProportion skips tokens more common than this. Zero disables
	// the cut. When every query token would be cut, none are.
	MaxTokenProportion float64
	FloorProportion    float64
	Retry              resilience.RetryConfig
}

// Shortlist is the outcome of one retrieval.
type Shortlist struct {
	// IDs are ordered by the rarest token that retrieved them, then by id.
	IDs       []string
	TotalHits int
	Truncated bool
	// TermHits counts index hits per "field:token" looked up.
	TermHits map[string]int
	Skipped  []string
}

type Retriever struct {
	index   Index
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(index Index, cfg Config, m *metrics.Metrics) *Retriever {
	if cfg.FloorProportion <= 0 {
		cfg.FloorProportion = 1e-6
	}
	r := &Retriever{
		index:   index,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "retriever"),
	}
	r.cfg.Retry.Retryable = func(err error) bool {
		return errors.Is(err, apperrors.ErrStorageUnavailable)
	}
	return r
}

type term struct {
	field, token string
	proportion   float64
}

// Retrieve returns at most limit candidate ids (limit <= 0 means no cap).
// A query without tokens, or one whose tokens hit nothing, yields an empty
// shortlist and no error.
func (r *Retriever) Retrieve(ctx context.Context, q *record.Record, snap *stats.Statistics, limit int) (*Shortlist, error) {
	out := &Shortlist{IDs: []string{}, TermHits: map[string]int{}}
	terms := r.terms(q, snap, out)
	if len(terms) == 0 {
		return out, nil
	}

	// best holds the lowest proportion among the tokens that hit each id.
	best := make(map[string]float64)
	for _, t := range terms {
		ids, err := r.lookup(ctx, t.field, t.token)
		if err != nil {
			return nil, fmt.Errorf("looking up %s:%s: %w", t.field, t.token, err)
		}
		out.TermHits[t.field+":"+t.token] = len(ids)
		for _, id := range ids {
			if p, ok := best[id]; !ok || t.proportion < p {
				best[id] = t.proportion
			}
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := best[ids[i]], best[ids[j]]
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})

	out.TotalHits = len(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		out.Truncated = true
	}
	out.IDs = ids

	if r.metrics != nil {
		r.metrics.CandidatesRetrieved.Observe(float64(len(ids)))
	}
	r.logger.Debug("candidates retrieved",
		"terms", len(terms),
		"hits", out.TotalHits,
		"returned", len(ids),
		"truncated", out.Truncated,
	)
	return out, nil
}

// terms lists the distinct (field, token) pairs to look up.
func (r *Retriever) terms(q *record.Record, snap *stats.Statistics, out *Shortlist) []term {
	var all []term
	for _, field := range q.TokenFields() {
		for _, tok := range q.DistinctTokens(field) {
			all = append(all, term{field: field, token: tok, proportion: snap.ProportionOr(field, tok, r.cfg.FloorProportion)})
		}
	}
	if r.cfg.MaxTokenProportion <= 0 || len(all) == 0 {
		return all
	}
	kept := make([]term, 0, len(all))
	var skipped []string
	for _, t := range all {
		if t.proportion > r.cfg.MaxTokenProportion {
			skipped = append(skipped, t.field+":"+t.token)
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return all
	}
	out.Skipped = skipped
	return kept
}

func (r *Retriever) lookup(ctx context.Context, field, token string) ([]string, error) {
	cfg := r.cfg.Retry
	if r.metrics != nil {
		cfg.OnRetry = func(int, error) {
			r.metrics.StorageRetriesTotal.WithLabelValues("index_lookup").Inc()
		}
	}
	var ids []string
	err := resilience.Retry(ctx, "index_lookup", cfg, func() error {
		var err error
		ids, err = r.index.IndexLookup(ctx, field, token)
		return err
	})
	return ids, err
}
