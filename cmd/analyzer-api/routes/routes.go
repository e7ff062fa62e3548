package routes

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/analyzer/cmd/analyzer-api/container"
	"github.com/lyzr/analyzer/cmd/analyzer-api/handlers"
	"github.com/lyzr/analyzer/common/middleware"
)

// maxRequestBody bounds an AnalysisRequest; manifests carry URLs, not content
const maxRequestBody = "1M"

// RegisterMiddleware installs the middleware shared by every route
func RegisterMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestContext())
	e.Use(middleware.RequestLogger(c.Components.Logger))
	e.Use(echomw.BodyLimit(maxRequestBody))
}

// RegisterAnalyzeRoutes registers the submission endpoint behind rate limiting and backpressure
func RegisterAnalyzeRoutes(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	h := handlers.NewAnalyzeHandler(c.DispatchService, c.Components.Logger)

	guards := []echo.MiddlewareFunc{
		middleware.Backpressure(c.Components.Queue, middleware.BackpressureConfig{
			MaxPending: cfg.Queue.MaxPending,
			RetryAfter: 30 * time.Second,
			Timeout:    cfg.Timeouts.Health,
		}, c.Components.Logger),
	}
	if cfg.Service.RateLimitRPS > 0 {
		guards = append([]echo.MiddlewareFunc{middleware.RateLimit(cfg.Service.RateLimitRPS)}, guards...)
	}

	e.POST("/analyze", h.Submit, guards...) // POST /analyze
}

// RegisterHealthRoutes registers the readiness endpoint
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.HealthService)

	e.GET("/health", h.Check) // GET /health
}

// RegisterJobRoutes registers operator job lookups
func RegisterJobRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewJobHandler(c.JobService, c.Components.Logger)

	jobs := e.Group("/jobs")
	{
		jobs.GET("/:job_id", h.GetJob) // GET /jobs/{job_id}
	}
}

// Register wires middleware and every route
func Register(e *echo.Echo, c *container.Container) {
	RegisterMiddleware(e, c)
	RegisterAnalyzeRoutes(e, c)
	RegisterHealthRoutes(e, c)
	RegisterJobRoutes(e, c)
}
