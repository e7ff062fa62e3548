package bootstrap

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/db"
	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/queue"
	"github.com/lyzr/analyzer/common/redis"
	"github.com/lyzr/analyzer/common/telemetry"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Redis     *redis.Client // nil when queue and store were injected
	Queue     queue.JobQueue
	Store     jobstore.Store
	DB        *db.DB // nil unless the postgres dead-letter sink is configured
	Telemetry *telemetry.Telemetry

	// Internal
	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components
// Should be called with defer after Setup()
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var result *multierror.Error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			result = multierror.Append(result, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	c.cleanupFuncs = nil

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if err := c.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue unhealthy: %w", err)
	}

	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}

	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
