package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/logging"
	"go.uber.org/zap"
)

// ExternalChecker checks the health of an external HTTP-backed helper
// (the collaborative-document or whiteboard service).
type ExternalChecker interface {
	Check(ctx context.Context, baseURL string) string
}

// DefaultExternalChecker pings a helper's /health endpoint over HTTP.
type DefaultExternalChecker struct {
	client *http.Client
}

// Check verifies HTTP connectivity to an external helper's health endpoint.
func (c *DefaultExternalChecker) Check(ctx context.Context, baseURL string) string {
	if baseURL == "" {
		return "disabled"
	}
	client := c.client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		logging.Error(ctx, "Failed to build external health request", zap.Error(err), zap.String("baseURL", baseURL))
		return "unhealthy"
	}

	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "External helper health check failed", zap.Error(err), zap.String("baseURL", baseURL))
		return "unhealthy"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn(ctx, "External helper is not healthy", zap.Int("status", resp.StatusCode), zap.String("baseURL", baseURL))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService   *bus.Service
	etherpadAddr   string
	whiteboardAddr string
	checksEnabled  bool
	checker        ExternalChecker
}

// NewHandler creates a new health check handler
func NewHandler(redisService *bus.Service) *Handler {
	etherpadAddr := os.Getenv("ETHERPAD_BASE_URL")
	whiteboardAddr := os.Getenv("WHITEBOARD_BASE_URL")

	// Check if external-helper health checks should be enabled
	checksDisabled := os.Getenv("EXTERNAL_HEALTH_CHECK_ENABLED") == "false"

	return &Handler{
		redisService:   redisService,
		etherpadAddr:   etherpadAddr,
		whiteboardAddr: whiteboardAddr,
		checksEnabled:  !checksDisabled,
		checker:        &DefaultExternalChecker{},
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /healthz
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /readyz
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity — this is the only hard dependency; the
	// room coordinator cannot function without it.
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// External helpers are best-effort: their absence degrades the
	// protocol/whiteboard modules but not the rest of the service, so
	// an unhealthy helper is reported but doesn't flip readiness.
	if h.checksEnabled {
		checks["etherpad"] = h.checker.Check(ctx, h.etherpadAddr)
		checks["whiteboard"] = h.checker.Check(ctx, h.whiteboardAddr)
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

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	// Try to ping Redis
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
