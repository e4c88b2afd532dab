package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tecnicocursos/render-api/pkg/response"
)

// RateLimiter counts requests per user. With Redis the window is shared by
// every API process; without it each process keeps its own token buckets.
type RateLimiter struct {
	redis *redis.Client

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:   redisClient,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next() // Skip rate limiting if no user (auth middleware should catch this)
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		if rl.redis == nil {
			return rl.limitLocal(c, key, maxRequests, window)
		}
		ctx := context.Background()

		// Increment counter
		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// If Redis fails, allow the request
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			// Get TTL for retry-after header
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		// Add rate limit headers
		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

func (rl *RateLimiter) limitLocal(c *fiber.Ctx, key string, maxRequests int, window time.Duration) error {
	rl.mu.Lock()
	lim, ok := rl.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests)
		rl.buckets[key] = lim
	}
	rl.mu.Unlock()

	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		c.Set("Retry-After", fmt.Sprintf("%d", int(delay.Seconds())+1))
		return response.RateLimited(c)
	}

	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(lim.Tokens())))
	return c.Next()
}

// SubmitLimit returns a rate limiter for render submissions
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("render-submit", maxPerHour, time.Hour)
}
