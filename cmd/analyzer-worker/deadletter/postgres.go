package deadletter

import (
	"context"
	"fmt"

	"github.com/lyzr/analyzer/common/db"
	"github.com/lyzr/analyzer/common/models"
)

// Schema creates the dead-letter table; run through the bootstrap DB init hook
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS analyzer_dead_letter (
		job_id            TEXT PRIMARY KEY,
		asset_id          TEXT NOT NULL,
		state             TEXT NOT NULL,
		phase             TEXT NOT NULL,
		reason            TEXT NOT NULL,
		attempt_count     INTEGER NOT NULL,
		delivery_attempts INTEGER NOT NULL,
		last_error        TEXT NOT NULL,
		failed_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS analyzer_dead_letter_asset_idx ON analyzer_dead_letter (asset_id)`,
}

// EnsureSchema is a bootstrap DB init hook
func EnsureSchema(database *db.DB) error {
	return database.Migrate(context.Background(), Schema...)
}

// PostgresSink upserts terminal records keyed by job id, so a redelivered
// failure overwrites rather than duplicates
type PostgresSink struct {
	db *db.DB
}

// NewPostgresSink creates a sink on an initialized database
func NewPostgresSink(database *db.DB) *PostgresSink {
	return &PostgresSink{db: database}
}

// Record implements Sink
func (s *PostgresSink) Record(ctx context.Context, rec *models.TerminalRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO analyzer_dead_letter
			(job_id, asset_id, state, phase, reason, attempt_count, delivery_attempts, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			phase = EXCLUDED.phase,
			reason = EXCLUDED.reason,
			attempt_count = EXCLUDED.attempt_count,
			delivery_attempts = EXCLUDED.delivery_attempts,
			last_error = EXCLUDED.last_error,
			failed_at = EXCLUDED.failed_at`,
		rec.JobID, rec.AssetID, string(rec.State), string(rec.Phase), rec.Reason,
		rec.AttemptCount, rec.DeliveryAttempts, rec.LastError, rec.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter record %s: %w", rec.JobID, err)
	}
	return nil
}
