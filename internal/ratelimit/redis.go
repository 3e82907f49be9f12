package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/metrics"
)

// tokenBucketScript refills and consumes in one step on the server.
// KEYS[1] bucket key; ARGV capacity, refill per second, now (ms), ttl (ms).
// The refill timestamp only advances by the time spent producing whole
// tokens, so frequent polling at low rates still accrues tokens.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000
if elapsed < 0 then
  elapsed = 0
end

local added = 0
if refill > 0 then
  added = math.floor(elapsed * refill)
end
if added > 0 then
  tokens = math.min(capacity, tokens + added)
  ts = ts + (added / refill) * 1000
end
if tokens >= capacity then
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, ttl)
return allowed
`

// RedisLimiter is a token bucket shared by every process talking to the same
// Redis. It fails open when Redis cannot be reached.
type RedisLimiter struct {
	client redis.Scripter
	script *redis.Script
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

func NewRedisLimiter(client redis.Scripter, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: "ratelimit:",
		now:    time.Now,
		logger: logger,
	}
}

// TryConsume reports whether a token was granted for key.
func (l *RedisLimiter) TryConsume(ctx context.Context, key string, capacity int, refillPerSecond float64) bool {
	ttl := 2 * refillInterval(capacity, refillPerSecond)
	if ttl < time.Second {
		ttl = time.Second
	}

	allowed, err := l.script.Run(ctx, l.client,
		[]string{l.prefix + key},
		capacity,
		refillPerSecond,
		l.now().UnixMilli(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		l.logger.Warn("Rate limiter store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.IncLimiterDecision("fail_open")
		return true
	}

	if allowed == 1 {
		metrics.IncLimiterDecision("allowed")
		return true
	}
	metrics.IncLimiterDecision("denied")
	return false
}
