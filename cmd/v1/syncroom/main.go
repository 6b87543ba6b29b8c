// Command syncroom runs the room coordination engine: the WebSocket gateway,
// the admin HTTP surface, and the background health monitor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncroom/engine/internal/v1/api"
	"github.com/syncroom/engine/internal/v1/auth"
	"github.com/syncroom/engine/internal/v1/broadcast"
	"github.com/syncroom/engine/internal/v1/bus"
	"github.com/syncroom/engine/internal/v1/config"
	"github.com/syncroom/engine/internal/v1/gateway"
	"github.com/syncroom/engine/internal/v1/health"
	"github.com/syncroom/engine/internal/v1/logging"
	"github.com/syncroom/engine/internal/v1/middleware"
	"github.com/syncroom/engine/internal/v1/ratelimit"
	"github.com/syncroom/engine/internal/v1/registry"
	"github.com/syncroom/engine/internal/v1/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		os.Stderr.WriteString("no .env file found, relying on environment variables\n")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()

	tracingEnabled := false
	if cfg.OTLPCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OTLPCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			tracingEnabled = true
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisBus *bus.Service
	if cfg.RedisEnabled {
		redisBus, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis, running without cross-instance fan-out", zap.Error(err))
			redisBus = nil
		}
	}

	var redisClient *redis.Client
	if redisBus != nil {
		redisClient = redisBus.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	var validator interface {
		ValidateToken(string) (*auth.CustomClaims, error)
	}
	if !cfg.SkipAuth {
		domain := os.Getenv("AUTH0_DOMAIN")
		audience := os.Getenv("AUTH0_AUDIENCE")
		v, err := auth.NewValidator(ctx, domain, audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize token validator", zap.Error(err))
		}
		validator = v
	} else {
		logging.Warn(ctx, "SKIP_AUTH enabled: WebSocket upgrades accept any or no bearer token")
		validator = &auth.MockValidator{}
	}

	broadcaster := broadcast.New(redisBus)
	reg := registry.New(broadcaster)
	gw := gateway.New(reg, broadcaster, limiter, validator, cfg)
	adminHandler := api.NewHandler(reg)

	monitor := health.NewMonitor(reg, cfg.HostTimeout, cfg.ReconnectionWindow, cfg.HealthCheckInterval, cfg.CleanupInterval)
	monitor.Start()

	healthHandler := health.NewHandler(redisBus, monitor, cfg.HealthCheckInterval)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/metrics", limiter.GlobalMiddleware(), gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	adminGroup := router.Group("/", limiter.RoomsMiddleware())
	adminHandler.Register(adminGroup)

	router.GET("/ws", gw.Handle)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "syncroom engine starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info(ctx, "shutting down")

	// Graceful shutdown order (spec.md §5): stop the HealthMonitor, stop
	// accepting inbound connections (http.Server.Shutdown neither closes nor
	// waits for the upgraded WS connections, since they are hijacked), then
	// terminate every remaining room so members get a room_closed broadcast
	// and their connections are closed.
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	for _, r := range reg.IterSnapshot() {
		_ = reg.Delete(r.ID(), r.HostID())
	}

	if redisBus != nil {
		_ = redisBus.Close()
	}

	logging.Info(ctx, "shutdown complete")
}
