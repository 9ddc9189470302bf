package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client), mr
}

func TestRateLimiterAllowConsumesTokens(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	// A full bucket of 5 allows exactly 5 immediate sends.
	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, "exec-1", 5)
		require.NoError(t, err)
		assert.True(t, ok, "token %d", i+1)
	}
	ok, err := limiter.Allow(ctx, "exec-1", 5)
	require.NoError(t, err)
	assert.False(t, ok, "bucket should be empty")
}

func TestRateLimiterZeroRateUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ok, err := limiter.Allow(context.Background(), "exec-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterKeysIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "exec-a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// exec-a is drained, exec-b has its own bucket.
	ok, _ = limiter.Allow(ctx, "exec-a", 1)
	assert.False(t, ok)
	ok, err = limiter.Allow(ctx, "exec-b", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "exec-1", 1))

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := limiter.Wait(cancelled, "exec-1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
