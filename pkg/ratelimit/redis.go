package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFingerprintScript is the same token-bucket algorithm as the
// in-process MemoryStore, executed atomically server-side so multiple
// gate instances share one quota per fingerprint.
//
// KEYS[1] = fingerprint bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (per-minute quota)
// ARGV[3] = current unix timestamp, microsecond precision
var redisFingerprintScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore shares one fingerprint's quota across every gate instance
// pointed at the same Redis.
type RedisStore struct {
	client    *redis.Client
	perMinute int
}

// NewRedisStore builds a store whose per-fingerprint bucket holds up to
// perMinute tokens and refills perMinute tokens per 60 seconds.
func NewRedisStore(client *redis.Client, perMinute int) *RedisStore {
	if perMinute < 1 {
		perMinute = 1
	}
	return &RedisStore{client: client, perMinute: perMinute}
}

func (s *RedisStore) Allow(ctx context.Context, fingerprint string) (Decision, error) {
	key := "ratelimit:canon:" + fingerprint
	rate := float64(s.perMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisFingerprintScript.Run(ctx, s.client, []string{key}, rate, s.perMinute, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit(redis): %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("ratelimit(redis): unexpected script result")
	}
	allowed, _ := results[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Minute}, nil
}
