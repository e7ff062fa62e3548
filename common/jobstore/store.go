package jobstore

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/lyzr/analyzer/common/models"
)

// ErrNotFound is returned when no record exists for a job id
var ErrNotFound = errors.New("jobstore: record not found")

// Store keeps the per-job record that makes redelivery idempotent
type Store interface {
	// Get returns the record for jobID or ErrNotFound
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)

	// Save writes the state fields of rec. The payload is never touched.
	Save(ctx context.Context, rec *models.JobRecord) error

	// SavePayload stores the result document if none exists yet and returns the stored
	// (canonical) bytes with their digest. The first writer wins.
	SavePayload(ctx context.Context, jobID string, payload []byte) ([]byte, string, error)
}

// Digest returns the hex BLAKE3-256 digest of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
