package security

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles queue operations with a per-minute Redis counter,
// keyed by user when authenticated and by IP otherwise.
type RateLimiter struct {
	redis     *redis.Client
	perMinute int
}

func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{redis: redisClient, perMinute: perMinute}
}

// Allow counts one request against the key's minute window. Store failures
// fail open: rate limiting is protection, not a correctness gate.
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	counterKey := fmt.Sprintf("mq:ratelimit:%s", key)

	count, err := r.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.redis.Expire(ctx, counterKey, time.Minute)
	}

	return count <= int64(r.perMinute)
}

// Guard wraps a route handler with the rate limit check.
func (r *RateLimiter) Guard(next func(*core.RequestEvent) error) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := e.RealIP()
		if e.Auth != nil {
			key = "user:" + e.Auth.Id
		}

		if !r.Allow(e.Request.Context(), key) {
			return apis.NewApiError(429, "Rate limit exceeded. Please try again later.", nil)
		}

		return next(e)
	}
}
