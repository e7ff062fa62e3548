package service

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/queue"
	"github.com/lyzr/analyzer/common/validation"
)

// Accepted is returned for a request that has been durably enqueued
type Accepted struct {
	AssetID string
	JobID   string
}

// UnavailableError reports that the queue backend could not take the job
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Reason is the machine-readable cause reported to callers
func (e *UnavailableError) Reason() string {
	return e.Backend + "_unreachable"
}

// DispatchService validates analysis requests and hands them to the queue
type DispatchService struct {
	queue          queue.JobQueue
	validator      *validation.RequestValidator
	enqueueTimeout time.Duration
	now            func() time.Time
	log            *logger.Logger
}

// NewDispatchService creates a new dispatch service
func NewDispatchService(q queue.JobQueue, validator *validation.RequestValidator, enqueueTimeout time.Duration, log *logger.Logger) *DispatchService {
	return &DispatchService{
		queue:          q,
		validator:      validator,
		enqueueTimeout: enqueueTimeout,
		now:            time.Now,
		log:            log.WithComponent("dispatch"),
	}
}

// Submit validates req and enqueues exactly one job for it. It returns a
// *validation.ValidationError for a bad request and an *UnavailableError when
// the queue cannot be reached in time; nothing is enqueued in either case.
func (s *DispatchService) Submit(ctx context.Context, req *models.AnalysisRequest) (*Accepted, error) {
	if err := s.validator.Validate(req); err != nil {
		s.log.WithContext(ctx).Info("rejected analysis request", "asset_id", req.AssetID, "error", err)
		return nil, err
	}

	job := models.NewJob(*req, s.now().UTC())
	log := s.log.WithContext(ctx).WithJobID(job.JobID, job.Request.AssetID)

	enqueueCtx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
	defer cancel()

	if err := s.queue.Enqueue(enqueueCtx, job); err != nil {
		log.Error("failed to enqueue job", "backend", s.queue.Backend(), "error", err)
		return nil, &UnavailableError{Backend: s.queue.Backend(), Err: err}
	}

	log.Info("job accepted",
		"artifact_types", req.ArtifactManifest.Types(),
		"artifacts", req.ArtifactManifest.Count())

	return &Accepted{AssetID: job.Request.AssetID, JobID: job.JobID}, nil
}
