package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/analyzer/cmd/analyzer-api/service"
)

// HealthHandler reports readiness
type HealthHandler struct {
	health *service.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(health *service.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

// Check reports whether the service can accept work
// GET /health
func (h *HealthHandler) Check(c echo.Context) error {
	status := h.health.Check(c.Request().Context())

	if !status.Healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unhealthy",
			"analyzer": status.Analyzer,
			"version":  status.Version,
			"reason":   status.Reason,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"analyzer": status.Analyzer,
		"version":  status.Version,
	})
}
