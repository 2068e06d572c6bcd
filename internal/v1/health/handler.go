// Package health serves liveness and readiness probes for the VR host.
package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Status values reported per dependency.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Pinger is anything readiness can probe: the stream listener, the Redis
// bus, the match store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	name     string
	pinger   Pinger
	critical bool
}

// Handler manages health check endpoints
type Handler struct {
	checks  []check
	timeout time.Duration
}

// NewHandler creates a handler with no dependency checks.
func NewHandler() *Handler {
	return &Handler{timeout: 3 * time.Second}
}

// Register adds a dependency to the readiness probe. A nil pinger is
// skipped so disabled backends need no special casing. Non-critical
// failures are reported but keep the host ready.
func (h *Handler) Register(name string, p Pinger, critical bool) *Handler {
	if p == nil {
		return h
	}
	h.checks = append(h.checks, check{name: name, pinger: p, critical: critical})
	return h
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

// Liveness handles GET /health/live. It never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 503 if any critical dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	checks, ready := h.Check(ctx)

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Check runs every registered probe and reports per-dependency status.
func (h *Handler) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checks))
	ready := true
	for _, chk := range h.checks {
		if err := chk.pinger.Ping(ctx); err != nil {
			logging.Error(ctx, "Health check failed", zap.String("check", chk.name), zap.Error(err))
			checks[chk.name] = StatusUnhealthy
			if chk.critical {
				ready = false
			}
			continue
		}
		checks[chk.name] = StatusHealthy
	}
	return checks, ready
}

// Names lists the registered checks in order.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.checks))
	for _, chk := range h.checks {
		names = append(names, chk.name)
	}
	sort.Strings(names)
	return names
}
