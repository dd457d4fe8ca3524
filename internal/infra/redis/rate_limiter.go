package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter is a fixed-window counter shared by every worker process, so a
// provider-wide request budget holds no matter how many workers run.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		err = r.client.Expire(ctx, key, window)
		if err != nil {
			return false, err
		}
	}

	if count > int64(limit) {
		return false, nil
	}

	return true, nil
}

// FamilyWindowKey buckets predict calls per model family per window.
func FamilyWindowKey(family string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("rate_limit:%s:%d", family, now.UnixNano()/int64(window))
}
