package guard

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisGuard(t *testing.T) Guard {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test")
}

func TestRedisGuard(t *testing.T) {
	contract(t, newRedisGuard)
}

func TestRedisGuard_StoresClaimsPerResource(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewRedis(rdb, "bc")
	ctx := context.Background()

	_, err := g.TryClaim(ctx, req("a", span(0, 30), 1, 1))
	require.NoError(t, err)

	other := req("b", span(0, 30), 1, 1)
	other.ResourceID = "r2"
	_, err = g.TryClaim(ctx, other)
	require.NoError(t, err, "claims on another resource are independent")

	require.True(t, mr.Exists("bc:guard:t1/r1"))
	require.True(t, mr.Exists("bc:guard:t1/r2"))
	require.Equal(t, "bc:guard:t1/r1", mr.HGet("bc:guard:index", "a"))

	require.NoError(t, g.Release(ctx, "a"))
	require.Empty(t, mr.HGet("bc:guard:index", "a"))
}
