package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState represents where a Job is in its lifecycle
type JobState string

const (
	JobPending   JobState = "pending"
	JobStaging   JobState = "staging"
	JobAnalyzing JobState = "analyzing"
	JobReporting JobState = "reporting"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
)

// transitions lists the legal next states for every non-terminal state.
// pending -> reporting resumes delivery of a result persisted by an earlier attempt.
var transitions = map[JobState][]JobState{
	JobPending:   {JobStaging, JobReporting, JobFailed},
	JobStaging:   {JobAnalyzing, JobPending, JobFailed},
	JobAnalyzing: {JobReporting, JobPending, JobFailed},
	JobReporting: {JobDelivered, JobPending, JobFailed},
}

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == JobDelivered || s == JobFailed
}

// CanTransition reports whether s -> to is a legal move
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// jobNamespace scopes job ids so they never collide with other UUIDv5 users
var jobNamespace = uuid.MustParse("6f1c3b8e-5d2a-4c61-9a55-2d0f3e7b9a10")

// NewJobID derives the job id from the asset id and the enqueue timestamp.
// The same pair always yields the same id, so a redelivered message keeps its identity.
func NewJobID(assetID string, enqueuedAt time.Time) string {
	key := assetID + "|" + enqueuedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(jobNamespace, []byte(key)).String()
}

// Job is the durable unit of work carried by the queue
type Job struct {
	JobID        string          `json:"job_id"`
	Request      AnalysisRequest `json:"request"`
	AttemptCount int             `json:"attempt_count"`
	State        JobState        `json:"state"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// NewJob creates a pending Job for req
func NewJob(req AnalysisRequest, enqueuedAt time.Time) *Job {
	return &Job{
		JobID:      NewJobID(req.AssetID, enqueuedAt),
		Request:    req,
		State:      JobPending,
		EnqueuedAt: enqueuedAt.UTC(),
	}
}

// Transition moves the job to a new state, rejecting illegal moves
func (j *Job) Transition(to JobState) error {
	if !j.State.CanTransition(to) {
		return fmt.Errorf("illegal job transition %s -> %s", j.State, to)
	}
	j.State = to
	return nil
}
