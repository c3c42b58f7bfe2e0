package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "tms:invoice:K")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "tms:invoice:K", []byte(`{"recipient":"ACME"}`), time.Minute))
	require.True(t, mr.Exists("manifestsync:tms:invoice:K"))

	b, ok, err := c.Get(ctx, "tms:invoice:K")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"recipient":"ACME"}`, string(b))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "tms:invoice:K")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "x", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "x"))
	_, ok, _ = c.Get(ctx, "x")
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:tms:202501010000", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:tms:202501010000", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:tms:202501010000", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	ok, _, _ = rl.Allow(ctx, "rl:tms:202501010001", 2, time.Minute)
	require.True(t, ok)
}

func TestRateLimiter_SharesClientWithCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	rl := NewRateLimiterWithClient(c.Client())

	ok, _, err := rl.Allow(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("k"))
}
