// Package ratelimit throttles registration submissions per worker. The
// bucket state lives in Redis so the limit holds across API instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const workerKeyPrefix = "ratelimit:worker:"

// SubmitLimiter is a token bucket keyed by worker id. Each submission
// costs one token; tokens refill continuously up to capacity.
type SubmitLimiter struct {
	client *redis.Client
	// capacity bounds the burst a single worker can submit.
	capacity int
	// refill is tokens per second.
	refill float64
	ttl    time.Duration
}

// NewSubmitLimiter builds a limiter with the given burst capacity and
// refill rate. Bucket keys expire after ttl of inactivity.
func NewSubmitLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmitLimiter {
	return &SubmitLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowWorker takes one token from the worker's bucket. It reports
// whether the submission may proceed and how many tokens remain.
func (l *SubmitLimiter) AllowWorker(ctx context.Context, workerID string) (bool, float64, error) {
	key := workerKeyPrefix + workerID
	now := time.Now().UnixMilli()

	res, err := takeTokenScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, now, l.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check for worker %s: %w", workerID, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script returned %T", res)
	}
	allowed := arr[0].(int64) == 1
	remaining := 0.0
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

// The refill happens lazily: each call credits the elapsed time since
// the last one before trying to take a token.
var takeTokenScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then tokens = capacity end
if updated == nil then updated = now_ms end

local elapsed = math.max(0, now_ms - updated)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill_per_sec)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', key, ttl_ms) end
return {allowed, tokens}
`)
