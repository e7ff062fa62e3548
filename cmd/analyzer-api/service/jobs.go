package service

import (
	"context"

	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/models"
)

// JobService exposes job records to operators
type JobService struct {
	store jobstore.Store
}

// NewJobService creates a new job service
func NewJobService(store jobstore.Store) *JobService {
	return &JobService{store: store}
}

// Get returns the record for jobID, or jobstore.ErrNotFound
func (s *JobService) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return s.store.Get(ctx, jobID)
}
