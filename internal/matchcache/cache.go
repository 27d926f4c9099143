// Package matchcache caches match results in Redis. Keys embed the build id
// of the statistics the result was computed against, so a new build never
// serves old results even before the explicit invalidation lands.
package matchcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/finder"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/redis"
)

const keyPrefix = "match:"

// Backend is satisfied by *pkgredis.Client.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
}

type Cache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "match-cache"),
	}
}

func (c *Cache) get(ctx context.Context, key string) (*finder.Result, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, pkgredis.ErrMiss) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var result finder.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

func (c *Cache) set(ctx context.Context, key string, result *finder.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q or computes and stores it.
// Concurrent identical queries share one computation. cached reports whether
// the result came from the cache.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	buildID string,
	q *record.Record,
	limit int,
	compute func() (*finder.Result, error),
) (result *finder.Result, cached bool, err error) {
	key := Key(buildID, q, limit)
	if r, ok := c.get(ctx, key); ok {
		c.hit()
		return r, true, nil
	}
	c.miss()
	val, err, _ := c.group.Do(key, func() (any, error) {
		r, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, r)
		return r, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*finder.Result), false, nil
}

// Invalidate drops every cached result.
func (c *Cache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.DeleteByPrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("invalidating match cache: %w", err)
	}
	c.logger.Info("match cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// Key derives the cache key from the query tokens, so raw values that
// normalize identically share an entry.
func Key(buildID string, q *record.Record, limit int) string {
	if buildID == "" {
		buildID = "none"
	}
	var b strings.Builder
	for _, field := range q.TokenFields() {
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(strings.Join(q.Tokens(field), " "))
		b.WriteByte(0)
	}
	fmt.Fprintf(&b, "limit=%d", limit)
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s%s:%x", keyPrefix, buildID, hash[:16])
}
