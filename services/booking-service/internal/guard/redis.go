package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis keeps claims in one hash per resource (claim id -> "startMs|endMs|cost|owner") plus an
// index hash (claim id -> resource hash key). Admission runs as a Lua script, so the check and
// the insert are atomic for every engine instance sharing the Redis.
type Redis struct {
	rdb      redis.UniversalClient
	prefix   string
	observer Observer
}

// KEYS[1] resource hash, KEYS[2] index hash.
// ARGV: claim id, start ms, end ms, cost, capacity, owner, superseded claim id.
// Returns {1} when admitted, {2} when the claim id is already held, {0, owner...} when rejected.
var claimScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return {2}
end
local s = tonumber(ARGV[2])
local e = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local cap = tonumber(ARGV[5])
local entries = redis.call("HGETALL", KEYS[1])
local overlapping = {}
local owners = {}
for i = 1, #entries, 2 do
  local id = entries[i]
  if id ~= ARGV[7] then
    local cs, ce, cc, owner = string.match(entries[i + 1], "^(%-?%d+)|(%-?%d+)|(%d+)|(.*)$")
    cs = tonumber(cs)
    ce = tonumber(ce)
    cc = tonumber(cc)
    if cs < e and s < ce then
      table.insert(overlapping, {cs, ce, cc})
      if owner == "" then owner = id end
      table.insert(owners, owner)
    end
  end
end
local points = {s}
for _, c in ipairs(overlapping) do
  if c[1] > s then table.insert(points, c[1]) end
end
local peak = 0
for _, p in ipairs(points) do
  local load = 0
  for _, c in ipairs(overlapping) do
    if c[1] <= p and p < c[2] then load = load + c[3] end
  end
  if load > peak then peak = load end
end
if peak + cost > cap then
  local out = {0}
  for _, o in ipairs(owners) do table.insert(out, o) end
  return out
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2] .. "|" .. ARGV[3] .. "|" .. ARGV[4] .. "|" .. ARGV[6])
redis.call("HSET", KEYS[2], ARGV[1], KEYS[1])
return {1}
`)

// KEYS[1] index hash. ARGV[1] claim id.
var releaseScript = redis.NewScript(`
local key = redis.call("HGET", KEYS[1], ARGV[1])
if not key then
  return 0
end
redis.call("HDEL", key, ARGV[1])
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

func NewRedis(rdb redis.UniversalClient, prefix string, opts ...Option) *Redis {
	o := buildOptions(opts)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookingcore"
	}
	return &Redis{rdb: rdb, prefix: prefix, observer: o.observer}
}

func (g *Redis) resourceKey(tenantID, resourceID string) string {
	return g.prefix + ":guard:" + resourceKey(tenantID, resourceID)
}

func (g *Redis) indexKey() string {
	return g.prefix + ":guard:index"
}

func (g *Redis) TryClaim(ctx context.Context, req ClaimRequest) (Claim, error) {
	if err := req.validate(); err != nil {
		return Claim{}, err
	}
	started := time.Now()
	claim := req.claim()
	res, err := claimScript.Run(ctx, g.rdb,
		[]string{g.resourceKey(req.TenantID, req.ResourceID), g.indexKey()},
		claim.ID,
		claim.Interval.Start.UnixMilli(),
		claim.Interval.End.UnixMilli(),
		claim.Cost,
		req.Capacity,
		claim.OwnerID,
		req.Supersedes,
	).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("guard claim script: %w", err)
	}
	if len(res) == 0 {
		return Claim{}, errors.New("guard claim script: empty reply")
	}
	status, _ := res[0].(int64)
	switch status {
	case 1:
		g.observer.ObserveClaim(ResultAdmitted, time.Since(started))
		return claim, nil
	case 2:
		g.observer.ObserveClaim(ResultReplayed, time.Since(started))
		return g.load(ctx, req.TenantID, req.ResourceID, claim.ID)
	default:
		owners := make([]string, 0, len(res)-1)
		for _, v := range res[1:] {
			if s, ok := v.(string); ok {
				owners = append(owners, s)
			}
		}
		g.observer.ObserveClaim(ResultRejected, time.Since(started))
		return Claim{}, unavailable(req, owners)
	}
}

func (g *Redis) load(ctx context.Context, tenantID, resourceID, claimID string) (Claim, error) {
	raw, err := g.rdb.HGet(ctx, g.resourceKey(tenantID, resourceID), claimID).Result()
	if err != nil {
		return Claim{}, err
	}
	return decodeClaim(tenantID, resourceID, claimID, raw)
}

func (g *Redis) Release(ctx context.Context, claimID string) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{g.indexKey()}, claimID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("guard release script: %w", err)
	}
	return nil
}

func (g *Redis) Active(ctx context.Context, claimID string) (bool, error) {
	key, err := g.rdb.HGet(ctx, g.indexKey(), claimID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.rdb.HExists(ctx, key, claimID).Result()
}

func (g *Redis) Snapshot(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]Claim, error) {
	entries, err := g.rdb.HGetAll(ctx, g.resourceKey(tenantID, resourceID)).Result()
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, len(entries))
	for id, raw := range entries {
		c, err := decodeClaim(tenantID, resourceID, id, raw)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return filterWindow(claims, window), nil
}

func (g *Redis) Claims(ctx context.Context) ([]Claim, error) {
	index, err := g.rdb.HGetAll(ctx, g.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	byKey := map[string][]string{}
	for id, key := range index {
		byKey[key] = append(byKey[key], id)
	}

	var out []Claim
	keyPrefix := g.prefix + ":guard:"
	for key, ids := range byKey {
		tenantID, resourceID, ok := strings.Cut(strings.TrimPrefix(key, keyPrefix), "/")
		if !ok {
			return nil, fmt.Errorf("malformed guard key %q", key)
		}
		vals, err := g.rdb.HMGet(ctx, key, ids...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				// released between the two reads
				continue
			}
			c, err := decodeClaim(tenantID, resourceID, ids[i], raw)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// KEYS[1] resource hash, KEYS[2] index hash. ARGV: claim id, encoded claim.
var restoreScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], KEYS[1])
return 1
`)

func (g *Redis) Restore(ctx context.Context, claims []Claim) error {
	for _, c := range claims {
		key := g.resourceKey(c.TenantID, c.ResourceID)
		if err := restoreScript.Run(ctx, g.rdb, []string{key, g.indexKey()}, c.ID, encodeClaim(c)).Err(); err != nil {
			return fmt.Errorf("guard restore script: %w", err)
		}
	}
	return nil
}

func encodeClaim(c Claim) string {
	return strconv.FormatInt(c.Interval.Start.UnixMilli(), 10) + "|" +
		strconv.FormatInt(c.Interval.End.UnixMilli(), 10) + "|" +
		strconv.Itoa(c.Cost) + "|" + c.OwnerID
}

func decodeClaim(tenantID, resourceID, id, raw string) (Claim, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return Claim{}, fmt.Errorf("malformed claim %s: %q", id, raw)
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	cost, err3 := strconv.Atoi(parts[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return Claim{}, fmt.Errorf("malformed claim %s: %w", id, err)
	}
	return Claim{
		ID:         id,
		TenantID:   tenantID,
		ResourceID: resourceID,
		OwnerID:    parts[3],
		Interval:   model.Interval{Start: time.UnixMilli(start).UTC(), End: time.UnixMilli(end).UTC()},
		Cost:       cost,
	}, nil
}
