package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/lyzr/analyzer/common/logger"
)

// DepthReporter reports how many jobs are waiting
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// BackpressureConfig configures the queue-depth guard
type BackpressureConfig struct {
	MaxPending int64
	RetryAfter time.Duration
	Timeout    time.Duration
}

// Backpressure rejects requests with 503 while the queue holds MaxPending jobs or more.
// A failing depth lookup lets the request through (fail open for availability);
// the enqueue itself will still fail if the backend is really down.
func Backpressure(queue DepthReporter, cfg BackpressureConfig, log *logger.Logger) echo.MiddlewareFunc {
	retryAfter := strconv.Itoa(int(cfg.RetryAfter.Seconds()))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.MaxPending <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			depth, err := queue.Depth(ctx)
			cancel()
			if err != nil {
				log.Warn("queue depth lookup failed, admitting request", "error", err)
				return next(c)
			}

			if depth >= cfg.MaxPending {
				c.Response().Header().Set("Retry-After", retryAfter)
				return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
					"status": "unavailable",
					"reason": "queue_full",
					"details": map[string]interface{}{
						"depth":               depth,
						"max_pending":         cfg.MaxPending,
						"retry_after_seconds": int(cfg.RetryAfter.Seconds()),
					},
				})
			}

			return next(c)
		}
	}
}

// RateLimit applies a process-wide token bucket per client IP
func RateLimit(rps float64) echo.MiddlewareFunc {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"status": "rejected",
				"reason": "rate_limit_exceeded",
			})
		},
	})
}
