package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"shop/internal/config"
	"shop/pkg/limiter"
	"shop/pkg/log"
	"shop/pkg/utils"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// UserOrIPKey counts authenticated callers by user id and everyone else by IP.
func UserOrIPKey(c *gin.Context) string {
	if id, ok := GetUserID(c); ok {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// NewLimiter builds the limiter for cfg. With a redis client the window is
// shared across replicas and the local token bucket takes over while redis
// is failing; without one only the local bucket is used.
func NewLimiter(cfg config.RateLimitConfig, client redis.UniversalClient) limiter.RateLimiter {
	local := limiter.NewKeyedTokenBucket(rate.Limit(cfg.RPS), cfg.Burst, 10*time.Minute)
	if client == nil {
		return local
	}

	perWindow := int(float64(cfg.RPS) * cfg.Window.Seconds())
	if perWindow < cfg.Burst {
		perWindow = cfg.Burst
	}
	shared := limiter.NewSlidingWindowLimiter(client, perWindow, cfg.Window)
	return limiter.NewFallbackLimiter(shared, local, func(err error) {
		log.WithError(err).Warn("Shared rate limiter unavailable, using local buckets")
	})
}

// RateLimit rejects requests over the limit with 429.
func RateLimit(l limiter.RateLimiter, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = UserOrIPKey
	}
	return func(c *gin.Context) {
		key := keyFunc(c)
		allowed, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			// fail open
			log.WithContext(c.Request.Context()).WithError(err).WithField("key", key).Warn("Rate limit check failed")
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", "1")
			utils.Error(c, utils.ErrRateLimit)
			c.Abort()
			return
		}
		c.Next()
	}
}
