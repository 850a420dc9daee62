package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLuaLimiter shares token-bucket state across control-plane instances
// via a single atomic Lua script. Redis errors fail open: the per-user
// quota check is the billing backstop.
type RedisLuaLimiter struct {
	redis  *redis.Client
	script *redis.Script
}

// NewRedisLuaLimiter constructs the Redis-backed limiter.
func NewRedisLuaLimiter(rdb *redis.Client) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{redis: rdb, script: redis.NewScript(luaTokenBucketScript)}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  local shortage = 1 - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return { allowed, tostring(tokens), tostring(retry_after) }
`

// Allow consumes one token from the shared bucket for key.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, capacity int64, refillPerSec float64) (Result, error) {
	if l == nil || l.redis == nil || capacity <= 0 || refillPerSec <= 0 {
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, nil
	}
	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + key}, capacity, refillPerSec, nowSec).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, nil
	}

	out := Result{
		Allowed:   toInt64(vals[0]) == 1,
		Limit:     capacity,
		Remaining: int64(toFloat64(vals[1])),
	}
	retryAfterSec := toFloat64(vals[2])
	out.RetryAfter = time.Duration(retryAfterSec * float64(time.Second))
	refillToFull := (float64(capacity) - toFloat64(vals[1])) / refillPerSec
	out.Reset = now.Add(time.Duration(refillToFull * float64(time.Second)))
	return out, nil
}

// Peek reads the shared bucket without consuming a token. Redis errors fail
// open like Allow.
func (l *RedisLuaLimiter) Peek(ctx context.Context, key string, capacity int64, refillPerSec float64) (Result, error) {
	if l == nil || l.redis == nil || capacity <= 0 || refillPerSec <= 0 {
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, nil
	}
	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	vals, err := l.redis.HMGet(ctx, "rate:"+key, "tokens", "last_refill").Result()
	if err != nil {
		slog.Error("redis rate limiter read error", slog.String("key", key), slog.Any("error", err))
		return Result{Allowed: true, Limit: capacity, Remaining: capacity}, err
	}

	tokens := float64(capacity)
	lastRefill := nowSec
	if len(vals) == 2 {
		if s, ok := vals[0].(string); ok {
			if f, perr := strconv.ParseFloat(s, 64); perr == nil {
				tokens = f
			}
		}
		if s, ok := vals[1].(string); ok {
			if f, perr := strconv.ParseFloat(s, 64); perr == nil {
				lastRefill = f
			}
		}
	}
	delta := nowSec - lastRefill
	if delta < 0 {
		delta = 0
	}
	tokens = math.Min(float64(capacity), tokens+delta*refillPerSec)

	out := Result{Allowed: tokens >= 1, Limit: capacity, Remaining: int64(tokens)}
	refillToFull := (float64(capacity) - tokens) / refillPerSec
	out.Reset = now.Add(time.Duration(refillToFull * float64(time.Second)))
	return out, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		// Lua returns fractional numbers as strings to avoid truncation.
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
