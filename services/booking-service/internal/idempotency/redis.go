package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// Redis stores an in-progress marker with SET NX and replaces it with the JSON result on
// completion. Duplicates poll until the marker is replaced or removed.
type Redis struct {
	rdb        redis.UniversalClient
	prefix     string
	retention  time.Duration
	maxWait    time.Duration
	pendingTTL time.Duration
	pollEvery  time.Duration
}

var abortScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(rdb redis.UniversalClient, prefix string, opts ...Option) *Redis {
	o := buildOptions(opts)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookingcore"
	}
	return &Redis{
		rdb:        rdb,
		prefix:     prefix,
		retention:  o.retention,
		maxWait:    o.maxWait,
		pendingTTL: 30 * time.Second,
		pollEvery:  25 * time.Millisecond,
	}
}

func (l *Redis) key(k Key) string {
	return l.prefix + ":idem:" + k.String()
}

func (l *Redis) Reserve(ctx context.Context, key Key) (Reservation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	rk := l.key(key)

	for {
		won, err := l.rdb.SetNX(ctx, rk, pendingMarker, l.pendingTTL).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency reserve: %w", err)
		}
		if won {
			return Reservation{New: true}, nil
		}

		raw, err := l.rdb.Get(ctx, rk).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return Reservation{}, fmt.Errorf("idempotency lookup: %w", err)
		case raw != pendingMarker:
			var res Result
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return Reservation{}, fmt.Errorf("idempotency decode: %w", err)
			}
			return Reservation{Existing: res}, nil
		}

		select {
		case <-time.After(l.pollEvery):
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Reservation{}, ctx.Err()
			}
			return Reservation{}, model.ErrIdempotencyInProgress
		}
	}
}

func (l *Redis) Complete(ctx context.Context, key Key, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := l.rdb.Set(ctx, l.key(key), raw, l.retention).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (l *Redis) Abort(ctx context.Context, key Key) error {
	if err := abortScript.Run(ctx, l.rdb, []string{l.key(key)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency abort: %w", err)
	}
	return nil
}
