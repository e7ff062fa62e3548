package service

import (
	"context"
	"time"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/queue"
)

// HealthStatus is the result of a readiness check
type HealthStatus struct {
	Healthy  bool
	Analyzer string
	Version  string
	Reason   string
}

// HealthService checks the dependencies a submission needs
type HealthService struct {
	queue   queue.JobQueue
	name    string
	version string
	timeout time.Duration
	log     *logger.Logger
}

// NewHealthService creates a new health service
func NewHealthService(q queue.JobQueue, name, version string, timeout time.Duration, log *logger.Logger) *HealthService {
	return &HealthService{
		queue:   q,
		name:    name,
		version: version,
		timeout: timeout,
		log:     log.WithComponent("health"),
	}
}

// Check pings the queue backend within the health timeout
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, Analyzer: s.name, Version: s.version}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.queue.Ping(ctx); err != nil {
		s.log.Warn("queue backend unreachable", "backend", s.queue.Backend(), "error", err)
		status.Healthy = false
		status.Reason = s.queue.Backend() + "_unreachable"
	}

	return status
}
