/**
 * @description
 * This file implements a Redis-backed fixed-window rate limiter used to
 * protect the capture path from client-side retry storms. The count and the
 * window expiry are set in a single Lua script so the window cannot leak when
 * the process dies between INCR and PEXPIRE.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript increments the window counter and sets its expiry atomically.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimiter is a fixed-window rate limiter backed by Redis.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRateLimiter creates a limiter allowing `limit` calls per `window`.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "payment-service:ratelimit:",
	}
}

// Allow reports whether the caller identified by key may proceed.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := rateLimitScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return count <= int64(l.limit), nil
}
