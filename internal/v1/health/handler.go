// Package health exposes the HTTP liveness/readiness probes and holds the
// Monitor that runs the periodic scans (spec.md §4.3, monitor.go); the
// Handler in this file only reports on it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syncroom/engine/internal/v1/bus"
	"github.com/syncroom/engine/internal/v1/logging"
	"go.uber.org/zap"
)

// ScanFreshnessChecker reports when the HealthMonitor last completed a
// liveness scan cycle (spec.md §4.3). A scan older than a few multiples of
// the configured interval indicates the monitor goroutine has stalled.
type ScanFreshnessChecker interface {
	LastScanAt() time.Time
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	monitor      ScanFreshnessChecker
	staleAfter   time.Duration
}

// NewHandler creates a new health check handler. monitor may be nil, in
// which case readiness only reports on Redis connectivity.
func NewHandler(redisService *bus.Service, monitor ScanFreshnessChecker, healthCheckInterval time.Duration) *Handler {
	staleAfter := healthCheckInterval * 3
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Handler{
		redisService: redisService,
		monitor:      monitor,
		staleAfter:   staleAfter,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles GET /health/ready. Returns 503 if Redis (when
// configured) is unreachable, or if the HealthMonitor's last scan is older
// than staleAfter.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.monitor != nil {
		scanStatus := h.checkScanFreshness()
		checks["health_monitor"] = scanStatus
		if scanStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

func (h *Handler) checkScanFreshness() string {
	last := h.monitor.LastScanAt()
	if last.IsZero() {
		return "unhealthy"
	}
	if time.Since(last) > h.staleAfter {
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
