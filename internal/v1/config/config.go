// Package config validates and exposes the environment-driven configuration
// for the room coordination engine.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// JWTSecret is required unless SKIP_AUTH=true; Port defaults to 8080.
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	AllowedOrigins string
	SkipAuth       bool

	// Room coordination timing, see spec §6.3. All sourced from *_MS
	// environment variables and converted to time.Duration once here.
	HostTimeout         time.Duration
	ReconnectionWindow  time.Duration
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	ClientIdleTimeout   time.Duration
	MaxOutboundBacklog  int

	// Rate limits (Defaults: M = Minute, H = Hour)
	RateLimitAPIGlobal string
	RateLimitAPIRooms  string
	RateLimitWSIP      string
	RateLimitWSSender  string

	// Tracing
	OTLPCollectorAddr string
	ServiceName       string
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an aggregated error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required unless SKIP_AUTH=true: JWT_SECRET (minimum 32 characters). It
	// is validated and logged (redacted) here only; bearer tokens at WebSocket
	// upgrade are verified against the AUTH0_DOMAIN JWKS, not this secret, and
	// the core command surface authorizes purely on sender_id == host_id.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if !cfg.SkipAuth {
		if cfg.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required unless SKIP_AUTH=true")
		} else if len(cfg.JWTSecret) < 32 {
			errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	cfg.HostTimeout = durationMS("HOST_TIMEOUT_MS", 600_000)
	cfg.ReconnectionWindow = durationMS("RECONNECTION_WINDOW_MS", 300_000)
	cfg.HealthCheckInterval = durationMS("HEALTH_CHECK_INTERVAL_MS", 10_000)
	cfg.CleanupInterval = durationMS("CLEANUP_INTERVAL_MS", 30_000)
	cfg.ClientIdleTimeout = durationMS("CLIENT_IDLE_TIMEOUT_MS", 600_000)

	backlogRaw := getEnvOrDefault("MAX_OUTBOUND_BACKLOG", "256")
	backlog, err := strconv.Atoi(backlogRaw)
	if err != nil || backlog < 1 {
		errs = append(errs, fmt.Sprintf("MAX_OUTBOUND_BACKLOG must be a positive integer (got '%s')", backlogRaw))
	}
	cfg.MaxOutboundBacklog = backlog

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWSIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "200-M")
	cfg.RateLimitWSSender = getEnvOrDefault("RATE_LIMIT_WS_SENDER", "60-M")

	cfg.OTLPCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.ServiceName = getEnvOrDefault("OTEL_SERVICE_NAME", "syncroom-engine")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func durationMS(key string, defaultMS int64) time.Duration {
	raw := getEnvOrDefault(key, strconv.FormatInt(defaultMS, 10))
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		slog.Warn("invalid duration env var, falling back to default", "key", key, "value", raw, "default", defaultMS)
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"host_timeout", cfg.HostTimeout,
		"reconnection_window", cfg.ReconnectionWindow,
		"health_check_interval", cfg.HealthCheckInterval,
		"cleanup_interval", cfg.CleanupInterval,
		"client_idle_timeout", cfg.ClientIdleTimeout,
		"max_outbound_backlog", cfg.MaxOutboundBacklog,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
