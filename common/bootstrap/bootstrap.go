package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/db"
	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/queue"
	"github.com/lyzr/analyzer/common/redis"
	"github.com/lyzr/analyzer/common/telemetry"
)

// JobKeyPrefix namespaces job records in Redis
const JobKeyPrefix = "analyzer:job:"

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
		"analyzer", cfg.Analyzer.Name,
		"version", cfg.Analyzer.Version,
	)

	// 3. Connect to Redis unless both queue and store were injected
	if options.queue == nil || options.store == nil {
		components.Logger.Info("connecting to redis")
		components.Redis, err = redis.Dial(cfg.Queue.RedisURL, components.Logger.WithComponent("redis"))
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 4. Initialize queue
	if options.queue != nil {
		components.Queue = options.queue
	} else {
		components.Logger.Info("initializing queue", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group)

		// The group may not exist yet and Redis may still be starting; give it a bounded wait
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		components.Queue, err = queue.NewRedisQueue(initCtx, components.Redis, cfg.Queue, components.Logger)
		cancel()
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
	}
	components.addCleanup(func() error {
		components.Logger.Info("closing queue")
		return components.Queue.Close()
	})

	// 5. Initialize job store
	if options.store != nil {
		components.Store = options.store
	} else {
		components.Store = jobstore.NewRedisStore(components.Redis, JobKeyPrefix, cfg.Queue.RecordTTL, components.Logger)
	}

	// 6. Initialize database (only the postgres dead-letter sink needs it)
	if !options.skipDB && cfg.DeadLetter.Uses("postgres") {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx) // Cleanup what we've initialized
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 7. Initialize telemetry (if not skipped). Durations are always recorded;
	// the pprof endpoint only starts when enabled.
	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(cfg.Telemetry.PprofPort, components.Logger.WithComponent("telemetry"))

		if cfg.Telemetry.EnablePprof {
			components.Logger.Info("starting pprof endpoint")
			if err := components.Telemetry.Start(ctx); err != nil {
				// Don't fail startup if telemetry fails
				components.Logger.Warn("failed to start telemetry", "error", err)
			}
			components.addCleanup(func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return components.Telemetry.Shutdown(shutdownCtx)
			})
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"queue", components.Queue.Backend(),
		"db", components.DB != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
