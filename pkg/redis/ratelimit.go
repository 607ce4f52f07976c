package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
)

// consumeScript refills and takes tokens atomically using the server clock, so replicas
// with drifting clocks share one view of every bucket.
// KEYS[1] bucket; ARGV capacity, refill rate, refill interval ms, tokens.
// Returns {remaining, reset at ms}.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "refill")
local tokens = tonumber(state[1])
local refill = tonumber(state[2])
if tokens == nil or refill == nil then
	tokens = capacity
	refill = now
end

local intervals = math.floor((now - refill) / interval)
if intervals > 0 then
	tokens = math.min(tokens + intervals * rate, capacity)
	refill = now
end

local remaining = tokens - n
if remaining >= 0 then
	tokens = remaining
end

redis.call("HSET", KEYS[1], "tokens", tokens, "refill", refill)
redis.call("PEXPIRE", KEYS[1], (math.ceil(capacity / rate) + 1) * interval)
return {remaining, refill + interval}
`)

// RateLimitStore keeps token buckets in Redis hashes.
type RateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ratelimiter.Store = (*RateLimitStore)(nil)

// NewRateLimitStore creates a RateLimitStore. Keys are stored as prefix+key.
func NewRateLimitStore(client redis.UniversalClient, prefix string) *RateLimitStore {
	if client == nil {
		panic("redis: client is required")
	}
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) ConsumeTokens(ctx context.Context, key string, tokens int, cfg ratelimiter.Config) (int, time.Time, error) {
	vals, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key},
		cfg.Capacity, cfg.RefillRate, cfg.RefillInterval.Milliseconds(), tokens,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	return int(vals[0]), time.UnixMilli(vals[1]).UTC(), nil
}

func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
