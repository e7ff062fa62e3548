package bootstrap

import (
	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/db"
	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/queue"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB        bool
	skipTelemetry bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	queue         queue.JobQueue
	store         jobstore.Store
	dbInitHook    func(*db.DB) error
}

// WithoutDB skips database initialization even when the postgres sink is configured
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithQueue injects a queue instead of connecting to Redis
func WithQueue(q queue.JobQueue) Option {
	return func(o *options) {
		o.queue = q
	}
}

// WithStore injects a job store instead of connecting to Redis
func WithStore(s jobstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithDBInitHook runs a custom function after DB initialization
// Useful for running migrations
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
