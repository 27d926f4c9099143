// Package matcher is the caller-facing surface of the engine. A Service owns
// the statistics handle and wires the aggregation pipeline, retriever,
// scorer, finder and optional result cache around one store.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/aggregation"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/finder"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matchcache"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/retriever"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/stats"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

// Match is one ranked candidate returned to callers.
type Match = finder.Match

type Service struct {
	store    storage.Store
	tok      record.Tokenizer
	handle   *stats.Handle
	pipeline *aggregation.Pipeline
	scorer   *scorer.Scorer
	finder   *finder.Finder
	cache    *matchcache.Cache
	metrics  *metrics.Metrics
	notifier aggregation.Notifier

	defaultLimit   int
	maxLimit       int
	queryTimeout   time.Duration
	maxFailureRate float64
	logger         *slog.Logger
}

type Option func(*Service)

func WithCache(c *matchcache.Cache) Option { return func(s *Service) { s.cache = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithNotifier(n aggregation.Notifier) Option { return func(s *Service) { s.notifier = n } }

// New builds a service over store. The statistics handle starts empty; call
// ReloadStatistics to serve what the store already holds.
func New(cfg *config.Config, store storage.Store, tok record.Tokenizer, opts ...Option) (*Service, error) {
	comb, err := scorer.ParseCombination(cfg.Match.Combination)
	if err != nil {
		return nil, err
	}
	sc, err := scorer.New(scorer.Config{
		FieldWeights:    cfg.Match.FieldWeights,
		DefaultWeight:   cfg.Match.DefaultWeight,
		MismatchPenalty: cfg.Match.MismatchPenalty,
		FloorProportion: cfg.Match.FloorProportion,
		Combination:     comb,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring scorer: %w", err)
	}

	s := &Service{
		store:          store,
		tok:            tok,
		handle:         stats.NewHandle(),
		scorer:         sc,
		defaultLimit:   cfg.Match.DefaultLimit,
		maxLimit:       cfg.Match.MaxLimit,
		queryTimeout:   cfg.Match.QueryTimeout,
		maxFailureRate: cfg.Build.MaxFailureRate,
		logger:         slog.Default().With("component", "matcher"),
	}
	for _, o := range opts {
		o(s)
	}

	retry := resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
	r := retriever.New(store, retriever.Config{
		MaxTokenProportion: cfg.Match.MaxTokenProportion,
		FloorProportion:    cfg.Match.FloorProportion,
		Retry:              retry,
	}, s.metrics)
	s.finder = finder.New(r, store, sc, finder.Config{
		CandidateLimit: cfg.Match.CandidateLimit,
		MinScore:       cfg.Match.MinScore,
		ResolveWorkers: cfg.Match.ResolveWorkers,
		Retry:          retry,
	}, s.metrics)

	var popts []aggregation.Option
	if s.notifier != nil {
		popts = append(popts, aggregation.WithNotifier(s.notifier))
	}
	if s.metrics != nil {
		popts = append(popts, aggregation.WithMetrics(s.metrics))
	}
	s.pipeline = aggregation.New(store, s.handle, tok, popts...)
	return s, nil
}

// BuildOrReplaceStatistics rebuilds the corpus and its statistics from src.
// Readers keep using the previous snapshot until the new one is published.
func (s *Service) BuildOrReplaceStatistics(ctx context.Context, src ingestion.Source, batchSize, workers int) (aggregation.Report, error) {
	report, err := s.pipeline.Build(ctx, src, aggregation.Options{
		BatchSize:      batchSize,
		Workers:        workers,
		MaxFailureRate: s.maxFailureRate,
	})
	if err != nil {
		return report, err
	}
	s.published(ctx)
	return report, nil
}

// ReloadStatistics swaps in the statistics persisted in the store.
func (s *Service) ReloadStatistics(ctx context.Context) (stats.Meta, error) {
	loaded, err := s.store.LoadStatistics(ctx)
	if err != nil {
		return stats.Meta{}, fmt.Errorf("loading statistics: %w", err)
	}
	if cur := s.handle.Load(); cur.Meta().BuildID == loaded.Meta().BuildID {
		return cur.Meta(), nil
	}
	gen := s.handle.Swap(loaded)
	if s.metrics != nil {
		s.metrics.StatisticsGeneration.Set(float64(gen))
	}
	s.published(ctx)
	meta := s.handle.Load().Meta()
	s.logger.Info("statistics reloaded", "build_id", meta.BuildID, "records", meta.RecordsProcessed, "generation", gen)
	return meta, nil
}

func (s *Service) published(ctx context.Context) {
	snap := s.handle.Load()
	if s.metrics != nil {
		s.metrics.StatisticsTokens.Reset()
		for _, f := range snap.Fields() {
			s.metrics.StatisticsTokens.WithLabelValues(f).Set(float64(snap.DistinctTokens(f)))
		}
	}
	s.invalidate(ctx)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("match cache invalidation failed", "error", err)
	}
}

// FindPotentialMatches returns up to limit matches for the query fields,
// best first. limit 0 uses the configured default.
func (s *Service) FindPotentialMatches(ctx context.Context, fields map[string]string, limit int) ([]Match, error) {
	res, err := s.Find(ctx, fields, limit)
	if err != nil {
		return nil, err
	}
	return res.Matches, nil
}

// Find is FindPotentialMatches with retrieval bookkeeping.
func (s *Service) Find(ctx context.Context, fields map[string]string, limit int) (*finder.Result, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With("component", "matcher")

	limit, err := s.normalizeLimit(limit)
	if err != nil {
		s.countQuery("invalid")
		return nil, err
	}
	q, err := record.NewQuery(fields, s.tok)
	if err != nil {
		s.countQuery("invalid")
		return nil, err
	}
	if !q.HasTokens() {
		s.countQuery("no_tokens")
		return &finder.Result{Matches: []Match{}}, nil
	}

	snap := s.handle.Load()
	var (
		res    *finder.Result
		cached bool
	)
	err = resilience.WithTimeout(ctx, s.queryTimeout, "find_matches", func(ctx context.Context) error {
		var err error
		compute := func() (*finder.Result, error) { return s.finder.Find(ctx, q, snap, limit) }
		if s.cache != nil {
			res, cached, err = s.cache.GetOrCompute(ctx, snap.Meta().BuildID, q, limit, compute)
		} else {
			res, err = compute()
		}
		return err
	})
	if err != nil {
		s.countQuery("error")
		log.Error("match query failed", "error", err)
		return nil, err
	}

	resultType := "hit"
	if len(res.Matches) == 0 {
		resultType = "zero_result"
	}
	s.countQuery(resultType)
	if s.metrics != nil {
		status := "miss"
		if cached {
			status = "hit"
		}
		s.metrics.MatchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	log.Debug("match query completed",
		"fields", len(fields),
		"candidates", res.Candidates,
		"returned", len(res.Matches),
		"cache_hit", cached,
		"generation", snap.Meta().Generation,
	)
	return res, nil
}

// Explain scores one stored record against the query and reports the
// evidence per field.
func (s *Service) Explain(ctx context.Context, fields map[string]string, candidateID string) (scorer.Breakdown, error) {
	q, err := record.NewQuery(fields, s.tok)
	if err != nil {
		return scorer.Breakdown{}, err
	}
	c, err := s.store.GetRecord(ctx, candidateID)
	if err != nil {
		return scorer.Breakdown{}, err
	}
	return s.scorer.Explain(q, c, s.handle.Load()), nil
}

// DeleteRecord removes a record from the live corpus. Statistics and index
// entries keep counting it until the next rebuild.
func (s *Service) DeleteRecord(ctx context.Context, id string) error {
	if id == "" {
		return &apperrors.ValidationError{Fields: map[string]string{"id": "must not be empty"}}
	}
	if err := s.store.DeleteRecord(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Statistics returns the summary of the snapshot being served.
func (s *Service) Statistics() stats.Summary {
	return s.handle.Load().Summary()
}

// Snapshot returns the statistics being served.
func (s *Service) Snapshot() *stats.Statistics {
	return s.handle.Load()
}

func (s *Service) Building() bool { return s.pipeline.Running() }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, &apperrors.ValidationError{Fields: map[string]string{"limit": "must not be negative"}}
	case limit == 0:
		return s.defaultLimit, nil
	case s.maxLimit > 0 && limit > s.maxLimit:
		return s.maxLimit, nil
	}
	return limit, nil
}

func (s *Service) countQuery(resultType string) {
	if s.metrics != nil {
		s.metrics.MatchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

// IsBuildConflict reports whether err means another build is running.
func IsBuildConflict(err error) bool {
	return errors.Is(err, apperrors.ErrBuildInProgress)
}
