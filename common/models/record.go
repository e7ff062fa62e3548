package models

import "time"

// Phase names the executor step that produced an error
type Phase string

const (
	PhaseStaging   Phase = "staging"
	PhaseAnalyzing Phase = "analyzing"
	PhaseReporting Phase = "reporting"
	PhaseDelivery  Phase = "delivery"
)

// JobRecord is the per-job trail kept next to the queue.
// Maps to: analyzer:job:<job_id> hash
type JobRecord struct {
	JobID            string    `json:"job_id"`
	AssetID          string    `json:"asset_id"`
	State            JobState  `json:"state"`
	AttemptCount     int       `json:"attempt_count"`
	DeliveryAttempts int       `json:"delivery_attempts"`
	FailedPhase      Phase     `json:"failed_phase,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	PayloadDigest    string    `json:"payload_digest,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Canonical result document; never exposed over the API
	Payload []byte `json:"-"`
}

// TerminalRecord is what a dead-letter sink keeps for a Failed job
type TerminalRecord struct {
	JobID            string    `json:"job_id"`
	AssetID          string    `json:"asset_id"`
	State            JobState  `json:"state"`
	Phase            Phase     `json:"phase"`
	Reason           string    `json:"reason"`
	AttemptCount     int       `json:"attempt_count"`
	DeliveryAttempts int       `json:"delivery_attempts"`
	LastError        string    `json:"last_error"`
	FailedAt         time.Time `json:"failed_at"`
}
