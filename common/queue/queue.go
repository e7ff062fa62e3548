package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/analyzer/common/models"
)

// ErrLeaseLost is returned when a receipt no longer identifies an in-flight claim,
// typically because the lease expired and the job was handed to another worker.
var ErrLeaseLost = errors.New("queue: lease lost")

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue: closed")

// Delivery is one claimed job together with the receipt needed to extend, ack or nack it
type Delivery struct {
	Job      *models.Job
	Receipt  string
	Consumer string
}

// JobQueue is the durable hand-off between the front door and the executors.
// A claimed job stays invisible to other consumers until its lease expires,
// it is acknowledged, or it is returned with Nack.
type JobQueue interface {
	// Enqueue persists one job
	Enqueue(ctx context.Context, job *models.Job) error

	// Claim returns the next visible job, or nil when none arrived before the block window
	Claim(ctx context.Context, consumer string) (*Delivery, error)

	// Extend renews the lease on a claimed job
	Extend(ctx context.Context, d *Delivery) error

	// Ack removes a claimed job permanently
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the job (with any changes made to d.Job) after delay
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// Depth counts jobs not yet acknowledged, including delayed ones
	Depth(ctx context.Context) (int64, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Backend names the implementation for health reporting
	Backend() string

	Close() error
}

func encodeJob(job *models.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("failed to decode job: missing job_id")
	}
	return &job, nil
}
