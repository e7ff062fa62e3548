package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Analyzer   AnalyzerConfig
	Queue      QueueConfig
	Timeouts   TimeoutConfig
	Retry      RetryConfig
	Worker     WorkerConfig
	DeadLetter DeadLetterConfig
	Database   DatabaseConfig
	Telemetry  TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name         string
	Port         int
	Environment  string
	LogLevel     string
	LogFormat    string
	RateLimitRPS float64
}

// AnalyzerConfig identifies the analyzer and the tools it runs
type AnalyzerConfig struct {
	Name    string
	Version string

	ToolsFile string
	Tools     []ToolSpec

	// Artifact types every request must carry
	RequiredArtifactTypes []string

	// Optional CEL expression; findings for which it evaluates false are dropped
	FindingFilter string

	AllowPrivateHosts     bool
	NotifyFailureCallback bool
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	RedisURL   string
	Stream     string
	Group      string
	Lease      time.Duration
	Block      time.Duration
	MaxPending int64
	RecordTTL  time.Duration
}

// TimeoutConfig bounds every blocking operation
type TimeoutConfig struct {
	Health   time.Duration
	Enqueue  time.Duration
	Staging  time.Duration
	Transfer time.Duration
	Tool     time.Duration
	Callback time.Duration
}

// RetryConfig bounds phase retries
type RetryConfig struct {
	MaxAttempts         int
	MaxDeliveryAttempts int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	DeliveryBase        time.Duration
	DeliveryMax         time.Duration
}

// WorkerConfig holds executor pool settings
type WorkerConfig struct {
	Concurrency int
	ScratchDir  string
}

// DeadLetterConfig selects where failed jobs are recorded
type DeadLetterConfig struct {
	Sinks []string // any of "redis", "postgres"
}

// Uses reports whether the named sink is configured
func (d DeadLetterConfig) Uses(name string) bool {
	for _, s := range d.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:         serviceName,
			Port:         getEnvInt("PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			LogFormat:    getEnv("LOG_FORMAT", "text"),
			RateLimitRPS: getEnvFloat("RATE_LIMIT_RPS", 50),
		},
		Analyzer: AnalyzerConfig{
			Name:                  os.Getenv("ANALYZER_NAME"),
			Version:               os.Getenv("ANALYZER_VERSION"),
			ToolsFile:             os.Getenv("ANALYZER_TOOLS_FILE"),
			RequiredArtifactTypes: getEnvSlice("ANALYZER_REQUIRED_ARTIFACT_TYPES", nil),
			FindingFilter:         os.Getenv("ANALYZER_FINDING_FILTER"),
			AllowPrivateHosts:     getEnvBool("ALLOW_PRIVATE_HOSTS", false),
			NotifyFailureCallback: getEnvBool("NOTIFY_FAILURE_CALLBACK", true),
		},
		Queue: QueueConfig{
			RedisURL:   os.Getenv("REDIS_URL"),
			Stream:     getEnv("QUEUE_STREAM", "analyzer:jobs"),
			Group:      getEnv("QUEUE_GROUP", "analyzer-workers"),
			Lease:      getEnvDuration("QUEUE_LEASE", 5*time.Minute),
			Block:      getEnvDuration("QUEUE_BLOCK", 5*time.Second),
			MaxPending: int64(getEnvInt("QUEUE_MAX_PENDING", 1000)),
			RecordTTL:  getEnvDuration("JOB_RECORD_TTL", 7*24*time.Hour),
		},
		Timeouts: TimeoutConfig{
			Health:   getEnvDuration("HEALTH_TIMEOUT", 500*time.Millisecond),
			Enqueue:  getEnvDuration("ENQUEUE_TIMEOUT", 2*time.Second),
			Staging:  getEnvDuration("STAGING_TIMEOUT", 30*time.Minute),
			Transfer: getEnvDuration("TRANSFER_TIMEOUT", 300*time.Second),
			Tool:     getEnvDuration("TOOL_TIMEOUT", 30*time.Minute),
			Callback: getEnvDuration("CALLBACK_TIMEOUT", 60*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:         getEnvInt("MAX_ATTEMPTS", 3),
			MaxDeliveryAttempts: getEnvInt("MAX_DELIVERY_ATTEMPTS", 3),
			BaseDelay:           getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
			MaxDelay:            getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute),
			DeliveryBase:        getEnvDuration("DELIVERY_BACKOFF_BASE", 1*time.Second),
			DeliveryMax:         getEnvDuration("DELIVERY_BACKOFF_MAX", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			ScratchDir:  getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "analyzer")),
		},
		DeadLetter: DeadLetterConfig{
			Sinks: getEnvSlice("DEAD_LETTER_SINK", []string{"redis"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "analyzer"),
			User:        getEnv("POSTGRES_USER", "analyzer"),
			Password:    getEnv("POSTGRES_PASSWORD", "analyzer"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 10),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 1),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	if cfg.Analyzer.ToolsFile != "" {
		tools, err := LoadToolSet(cfg.Analyzer.ToolsFile)
		if err != nil {
			return nil, err
		}
		cfg.Analyzer.Tools = tools
	}

	if cfg.Analyzer.RequiredArtifactTypes == nil {
		cfg.Analyzer.RequiredArtifactTypes = RequiredTypes(cfg.Analyzer.Tools)
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid. Missing identity or queue endpoint fails startup.
func (c *Config) Validate() error {
	if c.Analyzer.Name == "" {
		return fmt.Errorf("ANALYZER_NAME env var not set")
	}
	if c.Analyzer.Version == "" {
		return fmt.Errorf("ANALYZER_VERSION env var not set")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("REDIS_URL env var not set")
	}
	if u, err := url.Parse(c.Queue.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return fmt.Errorf("invalid REDIS_URL: must be redis:// or rediss://")
	}

	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be >= 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}

	for name, d := range map[string]time.Duration{
		"HEALTH_TIMEOUT":   c.Timeouts.Health,
		"ENQUEUE_TIMEOUT":  c.Timeouts.Enqueue,
		"STAGING_TIMEOUT":  c.Timeouts.Staging,
		"TRANSFER_TIMEOUT": c.Timeouts.Transfer,
		"TOOL_TIMEOUT":     c.Timeouts.Tool,
		"CALLBACK_TIMEOUT": c.Timeouts.Callback,
		"QUEUE_LEASE":      c.Queue.Lease,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if len(c.DeadLetter.Sinks) == 0 {
		return fmt.Errorf("DEAD_LETTER_SINK must name at least one sink")
	}
	for _, sink := range c.DeadLetter.Sinks {
		switch sink {
		case "redis":
		case "postgres":
			if c.Database.MaxConns < c.Database.MinConns {
				return fmt.Errorf("max_conns must be >= min_conns")
			}
		default:
			return fmt.Errorf("unknown DEAD_LETTER_SINK: %s", sink)
		}
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RequiredTypes returns the sorted union of artifact types demanded by required tools
func RequiredTypes(tools []ToolSpec) []string {
	set := make(map[string]bool)
	for _, t := range tools {
		if !t.Required {
			continue
		}
		for _, at := range t.ArtifactTypes {
			set[at] = true
		}
	}

	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSlice parses a comma-separated list. A set-but-empty variable yields an empty,
// non-nil slice so callers can tell "explicitly none" from "unset".
func getEnvSlice(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}

	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
