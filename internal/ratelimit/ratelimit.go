// Package ratelimit provides the single shared gate that spaces out
// requests to the external site.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Gate blocks until the caller may issue the next request.
type Gate interface {
	Wait(ctx context.Context) error
}

// Local is an in-process gate allowing one request per interval.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal creates a gate with the given minimum interval between
// requests. A zero interval never blocks.
func NewLocal(interval time.Duration) *Local {
	if interval <= 0 {
		return &Local{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Local{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// RedisRateLimiter shares one gate across processes. The holder of the key
// owns the current interval; the key expires after interval.
type RedisRateLimiter struct {
	rdb      redis.UniversalClient
	key      string
	interval time.Duration
	minPoll  time.Duration
}

// NewRedisRateLimiter creates a distributed gate stored under key.
func NewRedisRateLimiter(rdb redis.UniversalClient, key string, interval time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:      rdb,
		key:      key,
		interval: interval,
		minPoll:  10 * time.Millisecond,
	}
}

// Wait claims the next interval slot, sleeping for the remaining TTL of
// the current holder between tries.
func (r *RedisRateLimiter) Wait(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	for {
		ok, err := r.rdb.SetNX(ctx, r.key, time.Now().UnixNano(), r.interval).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire rate gate: %w", err)
		}
		if ok {
			return nil
		}

		ttl, err := r.rdb.PTTL(ctx, r.key).Result()
		if err != nil {
			return fmt.Errorf("failed to read rate gate ttl: %w", err)
		}
		if ttl < r.minPoll {
			ttl = r.minPoll
		}

		timer := time.NewTimer(ttl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
