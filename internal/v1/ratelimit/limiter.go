// Package ratelimit throttles streaming connection attempts and admin API calls
// using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/config"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	api         *limiter.Limiter
	accept      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance. A nil redisClient
// selects the in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}

	acceptRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAcceptIP)
	if err != nil {
		return nil, fmt.Errorf("invalid accept rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "vrlink:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	return &RateLimiter{
		api:         limiter.New(store, apiRate),
		accept:      limiter.New(store, acceptRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// Allow consumes one connection attempt for key (the remote IP) on the
// streaming port. Store failures fail open.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	lctx, err := rl.accept.Get(ctx, "accept:"+key)
	if err != nil {
		logging.Error(ctx, "Accept rate limiter store failed", zap.Error(err))
		return true, nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("stream_accept", "ip").Inc()
		return false, nil
	}
	metrics.RateLimitRequests.WithLabelValues("stream_accept").Inc()
	return true, nil
}

// Middleware returns a Gin middleware limiting admin API calls per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := rl.api.Get(ctx, "api:"+c.ClientIP())
		if err != nil {
			// Fail open for availability.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// StandardMiddleware wraps the API limiter in the stock ulule gin middleware,
// for routes that need no metrics, such as /metrics itself.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.api)
}
