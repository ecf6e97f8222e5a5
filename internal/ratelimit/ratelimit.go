// Package ratelimit implements a fixed-window request counter in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, prefix: "ratelimit:", limit: limit, window: window}
}

// Allow counts one hit for key. When the window's budget is spent it
// returns false and how long until the window resets.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	k := l.prefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
		}
	}

	if count > int64(l.limit) {
		retryAfter, err := l.client.TTL(ctx, k).Result()
		if err != nil {
			return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
		}
		if retryAfter < 0 {
			// The counter lost its expiry; start a new window.
			_ = l.client.Expire(ctx, k, l.window).Err()
			retryAfter = l.window
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
