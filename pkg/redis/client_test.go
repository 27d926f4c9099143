package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a live server; set FF_TEST_REDIS_ADDR to run.
func TestClientRoundTrip(t *testing.T) {
	addr := os.Getenv("FF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FF_TEST_REDIS_ADDR not set")
	}
	c := Wrap(redis.NewClient(&redis.Options{Addr: addr}))
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	_, err := c.Get(ctx, "fftest:missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "fftest:a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "fftest:b", []byte("2"), time.Minute))
	got, err := c.Get(ctx, "fftest:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	n, err := c.DeleteByPrefix(ctx, "fftest:")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
