package matchcache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/finder"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/record"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/redis"
)

type mapBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapBackend() *mapBackend { return &mapBackend{data: map[string][]byte{}} }

func (m *mapBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (m *mapBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapBackend) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

var tok = tokenizer.New()

func query(t *testing.T, fields map[string]string) *record.Record {
	t.Helper()
	q, err := record.NewQuery(fields, tok)
	require.NoError(t, err)
	return q
}

func TestKeyNormalisesRawValues(t *testing.T) {
	a := Key("b1", query(t, map[string]string{"surname": "smith", "city": "York"}), 10)
	b := Key("b1", query(t, map[string]string{"city": " YORK ", "surname": "Smith!"}), 10)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("b2", query(t, map[string]string{"surname": "smith", "city": "York"}), 10))
	assert.NotEqual(t, a, Key("b1", query(t, map[string]string{"surname": "smith", "city": "York"}), 11))
	assert.True(t, strings.HasPrefix(Key("", query(t, nil), 1), "match:none:"))
}

func TestGetOrComputeCachesPerBuild(t *testing.T) {
	m := metrics.NewForTest()
	c := New(newMapBackend(), time.Minute, m)
	q := query(t, map[string]string{"surname": "smith"})
	var calls int
	compute := func() (*finder.Result, error) {
		calls++
		return &finder.Result{Matches: []finder.Match{{CandidateID: "1", Score: 0.5}}}, nil
	}

	r, cached, err := c.GetOrCompute(context.Background(), "b1", q, 10, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "1", r.Matches[0].CandidateID)

	r, cached, err = c.GetOrCompute(context.Background(), "b1", q, 10, compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 0.5, r.Matches[0].Score)
	assert.Equal(t, 1, calls)

	_, cached, err = c.GetOrCompute(context.Background(), "b2", q, 10, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, calls)

	require.NoError(t, c.Invalidate(context.Background()))
	_, cached, _ = c.GetOrCompute(context.Background(), "b1", q, 10, compute)
	assert.False(t, cached)

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 3, misses)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
}

func TestConcurrentMissesShareComputation(t *testing.T) {
	c := New(newMapBackend(), time.Minute, nil)
	q := query(t, map[string]string{"surname": "smith"})
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() (*finder.Result, error) {
		calls.Add(1)
		<-release
		return &finder.Result{Matches: []finder.Match{}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), "b1", q, 5, compute)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}
