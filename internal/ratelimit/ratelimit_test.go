package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/scrapexi/creditledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestLockerSingleHolder(t *testing.T) {
	server, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, ok, err := locker.TryLock(ctx, "job:annual_reset", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "job:annual_reset", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// A stale token must not release someone else's lease.
	require.NoError(t, locker.Release(ctx, Lease{Key: lease.Key, Token: "stale"}))
	assert.True(t, server.Exists("job:annual_reset"))

	require.NoError(t, locker.Release(ctx, lease))
	assert.False(t, server.Exists("job:annual_reset"))

	_, ok, err = locker.TryLock(ctx, "job:annual_reset", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerExpires(t *testing.T) {
	server, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "job:expire", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	server.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "job:expire", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerValidation(t *testing.T) {
	var nilLocker *Locker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, nilLocker.Release(context.Background(), Lease{Key: "k", Token: "t"}))

	_, client := newRedis(t)
	_, _, err = NewLocker(client).TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidLock)
	_, _, err = NewLocker(client).TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidLock)
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := bucket.Allow(ctx, "bucket:a", 0.001, 3)
		require.NoError(t, err)
		if !result.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, 2-i, result.Remaining)
	}

	denied, err := bucket.Allow(ctx, "bucket:a", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	other, err := bucket.Allow(ctx, "bucket:b", 0.001, 3)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per key")
}

func TestTokenBucketValidation(t *testing.T) {
	var nilBucket *TokenBucket
	_, err := nilBucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)

	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	for _, tc := range []struct {
		key   string
		rate  float64
		burst int
	}{{"", 1, 1}, {"k", 0, 1}, {"k", 1, 0}} {
		_, err := bucket.Allow(context.Background(), tc.key, tc.rate, tc.burst)
		assert.ErrorIs(t, err, ErrInvalidBucket)
	}
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 80*time.Second, bucketTTL(1, 40))
	assert.Equal(t, time.Second, bucketTTL(1000, 1))
}

func TestReservationLimiter(t *testing.T) {
	_, client := newRedis(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, ReservationRate: 0.001, ReservationBurst: 2}}

	limiter, err := NewReservationLimiter(ReservationLimiterParams{Cfg: cfg, Client: client, Log: zap.NewNop()})
	require.NoError(t, err)
	require.True(t, limiter.Enabled())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
	result, err := limiter.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	result, err = limiter.Allow(ctx, "43")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestReservationLimiterDisabled(t *testing.T) {
	limiter, err := NewReservationLimiter(ReservationLimiterParams{Cfg: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	result, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	_, err = NewReservationLimiter(ReservationLimiterParams{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, ReservationRate: 1, ReservationBurst: 1}},
		Log: zap.NewNop(),
	})
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)
}
