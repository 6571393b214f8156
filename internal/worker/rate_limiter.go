package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates provider calls. One instance is shared by every dispatcher
// worker, so the configured rate is global to the pool.
type Limiter interface {
	// Wait blocks until a call may proceed or ctx is done.
	Wait(ctx context.Context) error
}

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	lim *rate.Limiter
}

// NewLocalLimiter allows perSecond calls per second with the given burst.
func NewLocalLimiter(perSecond, burst int) *LocalLimiter {
	if perSecond <= 0 {
		perSecond = 100
	}
	if burst <= 0 {
		burst = perSecond
	}
	return &LocalLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error { return l.lim.Wait(ctx) }

// Lua script for an atomic fixed one-second window: check before increment
// so a denied call never consumes capacity.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// RedisLimiter shares one per-second budget across every worker process.
// When Redis is unreachable it degrades to a local bucket of the same rate
// instead of failing sends.
type RedisLimiter struct {
	redis     *redis.Client
	script    *redis.Script
	keyPrefix string
	perSecond int
	fallback  *LocalLimiter
	now       func() time.Time
}

// NewRedisLimiter creates a distributed limiter keyed under keyPrefix.
func NewRedisLimiter(client *redis.Client, keyPrefix string, perSecond int) *RedisLimiter {
	if perSecond <= 0 {
		perSecond = 100
	}
	return &RedisLimiter{
		redis:     client,
		script:    redis.NewScript(windowLimitLuaScript),
		keyPrefix: keyPrefix,
		perSecond: perSecond,
		fallback:  NewLocalLimiter(perSecond, perSecond),
		now:       time.Now,
	}
}

// CheckAndIncrement atomically takes one slot from the current window.
// When denied, waitTime is the time left until the next window opens.
func (r *RedisLimiter) CheckAndIncrement(ctx context.Context) (allowed bool, waitTime time.Duration, err error) {
	now := r.now()
	key := fmt.Sprintf("%s:ratelimit:send:sec:%d", r.keyPrefix, now.Unix())

	res, err := r.script.Run(ctx, r.redis, []string{key}, r.perSecond, 2).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) > 0 && res[0] == 1 {
		return true, 0, nil
	}
	next := now.Truncate(time.Second).Add(time.Second)
	return false, next.Sub(now), nil
}

func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		allowed, wait, err := r.CheckAndIncrement(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("redis rate limiter unavailable, using local bucket", "error", err)
			return r.fallback.Wait(ctx)
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
