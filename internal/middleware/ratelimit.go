package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"sudooom.portal.messaging/pkg/response"
)

// Counter is the part of the Redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RateLimiter allows Limit requests per user in each fixed Window.
type RateLimiter struct {
	counter Counter
	prefix  string
	limit   int
	window  time.Duration
	logger  *slog.Logger
}

// NewRateLimiter creates a limiter storing its counters under prefix.
func NewRateLimiter(counter Counter, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		prefix:  prefix,
		limit:   limit,
		window:  window,
		logger:  slog.Default(),
	}
}

// Allow counts one request for userID and reports whether it is within the limit.
func (r *RateLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	key := fmt.Sprintf("%s:%d", r.prefix, userID)
	count, err := r.counter.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.counter.Expire(ctx, key, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(r.limit), nil
}

// PerUser limits authenticated requests. When Redis is unreachable requests
// are let through.
func (r *RateLimiter) PerUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r == nil || r.limit <= 0 {
			c.Next()
			return
		}

		userID := GetUserID(c)
		allowed, err := r.Allow(c.Request.Context(), userID)
		if err != nil {
			r.logger.Warn("Rate limiter unavailable", "userId", userID, "error", err)
			c.Next()
			return
		}
		if !allowed {
			response.TooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
