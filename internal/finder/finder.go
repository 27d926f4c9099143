// Package finder answers match queries: it shortlists candidates, resolves
// them to records, scores each against the query and returns the best ones
// ordered by score descending and id ascending.
package finder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/retriever"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/tracing"
)

// Resolver loads candidate records.
type Resolver interface {
	GetRecord(ctx context.Context, id string) (*record.Record, error)
}

type Config struct {
	// CandidateLimit caps the shortlist. It is raised to the query limit when
	// smaller; zero means no cap.
	CandidateLimit int
	MinScore       float64
	ResolveWorkers int
	Retry          resilience.RetryConfig
}

// Match is one ranked candidate.
type Match struct {
	CandidateID string            `json:"candidate_id"`
	Score       float64           `json:"score"`
	Fields      map[string]string `json:"fields"`
}

// Result carries the matches plus retrieval bookkeeping.
type Result struct {
	Matches    []Match `json:"matches"`
	Candidates int     `json:"candidates"`
	TotalHits  int     `json:"total_hits"`
	Stale      int     `json:"stale"`
	Truncated  bool    `json:"truncated"`
}

type Finder struct {
	retriever *retriever.Retriever
	resolver  Resolver
	scorer    *scorer.Scorer
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(r *retriever.Retriever, resolver Resolver, sc *scorer.Scorer, cfg Config, m *metrics.Metrics) *Finder {
	if cfg.ResolveWorkers <= 0 {
		cfg.ResolveWorkers = 8
	}
	cfg.Retry.Retryable = func(err error) bool {
		return errors.Is(err, apperrors.ErrStorageUnavailable)
	}
	return &Finder{
		retriever: r,
		resolver:  resolver,
		scorer:    sc,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default().With("component", "finder"),
	}
}

// Find ranks candidates for q against snap. limit <= 0 returns every
// candidate that clears MinScore.
func (f *Finder) Find(ctx context.Context, q *record.Record, snap *stats.Statistics, limit int) (*Result, error) {
	ctx, span := tracing.Start(ctx, "find_matches", logger.RequestID(ctx))
	defer span.End()

	result := &Result{Matches: []Match{}}
	if !q.HasTokens() {
		return result, nil
	}

	candidateLimit := f.cfg.CandidateLimit
	if candidateLimit > 0 && limit > candidateLimit {
		candidateLimit = limit
	}
	rctx, rspan := tracing.Start(ctx, "retrieve", "")
	shortlist, err := f.retriever.Retrieve(rctx, q, snap, candidateLimit)
	if err != nil {
		rspan.End()
		return nil, err
	}
	rspan.SetAttr("candidates", len(shortlist.IDs))
	rspan.End()
	result.Candidates = len(shortlist.IDs)
	result.TotalHits = shortlist.TotalHits
	result.Truncated = shortlist.Truncated
	if len(shortlist.IDs) == 0 {
		return result, nil
	}

	sctx, sspan := tracing.Start(ctx, "resolve_and_score", "")
	top, stale, err := f.resolveAndScore(sctx, q, snap, shortlist.IDs, limit)
	sspan.SetAttr("stale", stale)
	sspan.End()
	if err != nil {
		return nil, err
	}
	result.Stale = stale
	result.Matches = top.sorted()

	if stale > 0 {
		logger.FromContext(ctx).Warn("stale candidates excluded", "component", "finder", "count", stale)
		if f.metrics != nil {
			f.metrics.StaleCandidates.Add(float64(stale))
		}
	}
	span.SetAttr("results", len(result.Matches))
	return result, nil
}

func (f *Finder) resolveAndScore(ctx context.Context, q *record.Record, snap *stats.Statistics, ids []string, limit int) (*topK, int, error) {
	var (
		mu    sync.Mutex
		top   = newTopK(limit)
		stale int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ResolveWorkers)
	for _, id := range ids {
		g.Go(func() error {
			r, err := f.resolve(gctx, id)
			if errors.Is(err, apperrors.ErrStaleCandidate) {
				mu.Lock()
				stale++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolving candidate %s: %w", id, err)
			}
			score := f.scorer.Score(q, r, snap)
			if score < f.cfg.MinScore {
				return nil
			}
			m := Match{CandidateID: r.ID(), Score: score, Fields: r.Fields()}
			mu.Lock()
			top.offer(m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return top, stale, nil
}

func (f *Finder) resolve(ctx context.Context, id string) (*record.Record, error) {
	cfg := f.cfg.Retry
	if f.metrics != nil {
		cfg.OnRetry = func(int, error) {
			f.metrics.StorageRetriesTotal.WithLabelValues("get_record").Inc()
		}
	}
	var r *record.Record
	err := resilience.Retry(ctx, "get_record", cfg, func() error {
		var err error
		r, err = f.resolver.GetRecord(ctx, id)
		return err
	})
	return r, err
}
