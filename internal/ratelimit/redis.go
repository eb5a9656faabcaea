package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rl:"

// slidingWindowLua trims the window, then records the request if under the
// limit.
// KEYS[1] = sorted set key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = max, ARGV[4] = member
// Returns {allowed, count, oldest score}
var slidingWindowLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)

local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisLimiter shares sliding windows between instances through Redis
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisLimiter creates a Redis backed limiter
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, p Policy) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindowLua.Run(ctx, l.client,
		[]string{redisKeyPrefix + key},
		nowMs, p.Window.Milliseconds(), p.Max, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script result", ErrBackendUnavailable)
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]
	resetAt := time.UnixMilli(oldest).Add(p.Window)
	d := Decision{
		Allowed:   allowed,
		Limit:     p.Max,
		Remaining: max(p.Max-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

func (l *RedisLimiter) Release(ctx context.Context, key string, _ Policy) error {
	if err := l.client.ZPopMax(ctx, redisKeyPrefix+key, 1).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
