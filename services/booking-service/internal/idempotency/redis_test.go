package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLedger(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedis(rdb, "test", opts...)
}

func TestRedisLedger(t *testing.T) {
	ledgerContract(t, func(t *testing.T) Ledger {
		_, l := newRedisLedger(t)
		return l
	})
}

func TestRedisLedger_RetentionAndMarkers(t *testing.T) {
	mr, l := newRedisLedger(t, WithRetention(time.Hour), WithMaxWait(50*time.Millisecond))
	ctx := context.Background()

	r, err := l.Reserve(ctx, testKey)
	require.NoError(t, err)
	require.True(t, r.New)
	require.Equal(t, pendingMarker, mustGet(t, mr, "test:idem:t1:hold:cid-1"))

	_, err = l.Reserve(ctx, testKey)
	require.ErrorIs(t, err, model.ErrIdempotencyInProgress)

	require.NoError(t, l.Complete(ctx, testKey, Result{Kind: "hold", EntityID: "h1"}))
	require.JSONEq(t, `{"kind":"hold","entity_id":"h1"}`, mustGet(t, mr, "test:idem:t1:hold:cid-1"))

	mr.FastForward(61 * time.Minute)
	r, err = l.Reserve(ctx, testKey)
	require.NoError(t, err)
	require.True(t, r.New, "result must expire after retention")
}

func TestRedisLedger_AbortKeepsCompletedResult(t *testing.T) {
	_, l := newRedisLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testKey)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, testKey, Result{Kind: "booking", EntityID: "b1"}))
	require.NoError(t, l.Abort(ctx, testKey))

	r, err := l.Reserve(ctx, testKey)
	require.NoError(t, err)
	require.False(t, r.New)
	require.Equal(t, "b1", r.Existing.EntityID)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
