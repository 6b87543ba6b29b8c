// Package ratelimit throttles the admin HTTP surface and the WebSocket
// gateway using Redis or local memory as the counting store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/syncroom/engine/internal/v1/config"
	"github.com/syncroom/engine/internal/v1/logging"
	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the limiter instances for the admin HTTP surface and the
// WebSocket gateway. Gateway command throttling is independent of a Room's
// own single-writer atomicity: a guest hammering playback.seek is stopped
// here before it ever reaches the Room's write lock.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiRooms    *limiter.Limiter
	wsIP        *limiter.Limiter
	wsSender    *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter from the configured rate strings
// (spec.md §6.3 formats, e.g. "100-M"). When redisClient is nil it falls
// back to an in-process memory store, suitable for a single instance or
// tests.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid api global rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid api rooms rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWSIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}
	wsSenderRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWSSender)
	if err != nil {
		return nil, fmt.Errorf("invalid ws sender rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "syncroom:limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsSender:    limiter.New(store, wsSenderRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// GlobalMiddleware enforces the global per-IP admin API rate limit.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiGlobal, "api_global")
}

// RoomsMiddleware enforces the stricter per-IP limit on room-creation and
// room-mutating admin endpoints (spec.md §6.2).
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiRooms, "api_rooms")
}

func (rl *RateLimiter) middlewareFor(inst *limiter.Limiter, limitType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := inst.Get(ctx, key)
		if err != nil {
			// Fail open: an unavailable store should not take the admin API down.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocketConnect enforces the per-IP connection rate limit at
// WebSocket upgrade time, before any frame has been read.
func (rl *RateLimiter) CheckWebSocketConnect(ctx context.Context, ip string) bool {
	lctx, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect", "ip").Inc()
		return false
	}
	return true
}

// CheckSenderCommand enforces the per-sender command rate limit at the
// Gateway, ahead of dispatch to a Room. Independent of any Room-level
// ordering guarantee: this only protects against a single sender flooding
// the command surface.
func (rl *RateLimiter) CheckSenderCommand(ctx context.Context, senderID string) error {
	lctx, err := rl.wsSender.Get(ctx, senderID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (sender)", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_command", "sender").Inc()
		return fmt.Errorf("rate limit exceeded for sender %s", senderID)
	}
	return nil
}
