package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"subsync/pkg/metrics"
)

type RedisWindowConfig struct {
	KeyPrefix string
	Limit     int
	Window    time.Duration
}

// RedisWindowMiddleware is a fixed-window counter limiter shared across
// replicas. The counter key carries the window start, so each window gets a
// fresh counter and expired counters vanish on their own. On Redis failure
// the request is allowed; the limiter protects capacity, it is not an
// authentication boundary.
func RedisWindowMiddleware(rdb *redis.Client, config RedisWindowConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		windowStart := time.Now().Truncate(config.Window).Unix()
		key := config.KeyPrefix + clientIP + ":" + strconv.FormatInt(windowStart, 10)

		ctx := c.Request.Context()
		pipe := rdb.TxPipeline()
		count := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, config.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			metrics.RateLimitRequestsTotal.WithLabelValues("error").Inc()
			c.Next()
			return
		}

		if count.Val() > int64(config.Limit) {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Limit", strconv.Itoa(config.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(config.Window.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			c.Abort()
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()

		remaining := int64(config.Limit) - count.Val()
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		c.Next()
	}
}
