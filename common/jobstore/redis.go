package jobstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/redis"
)

const (
	fieldJobID            = "job_id"
	fieldAssetID          = "asset_id"
	fieldState            = "state"
	fieldAttemptCount     = "attempt_count"
	fieldDeliveryAttempts = "delivery_attempts"
	fieldFailedPhase      = "failed_phase"
	fieldLastError        = "last_error"
	fieldUpdatedAt        = "updated_at"
	fieldPayload          = "payload"
	fieldPayloadDigest    = "payload_digest"
)

// RedisStore keeps one hash per job.
// Maps to: <prefix><job_id>
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, log *logger.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    log.WithComponent("jobstore"),
	}
}

func (s *RedisStore) key(jobID string) string {
	return s.prefix + jobID
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	fields, err := s.client.GetAllHash(ctx, s.key(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &models.JobRecord{
		JobID:         fields[fieldJobID],
		AssetID:       fields[fieldAssetID],
		State:         models.JobState(fields[fieldState]),
		FailedPhase:   models.Phase(fields[fieldFailedPhase]),
		LastError:     fields[fieldLastError],
		PayloadDigest: fields[fieldPayloadDigest],
	}
	if rec.JobID == "" {
		rec.JobID = jobID
	}
	rec.AttemptCount, _ = strconv.Atoi(fields[fieldAttemptCount])
	rec.DeliveryAttempts, _ = strconv.Atoi(fields[fieldDeliveryAttempts])
	if ts := fields[fieldUpdatedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.UpdatedAt = t
		}
	}
	if p, ok := fields[fieldPayload]; ok {
		rec.Payload = []byte(p)
	}

	return rec, nil
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, rec *models.JobRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	err := s.client.SetHashFields(ctx, s.key(rec.JobID), map[string]interface{}{
		fieldJobID:            rec.JobID,
		fieldAssetID:          rec.AssetID,
		fieldState:            string(rec.State),
		fieldAttemptCount:     rec.AttemptCount,
		fieldDeliveryAttempts: rec.DeliveryAttempts,
		fieldFailedPhase:      string(rec.FailedPhase),
		fieldLastError:        rec.LastError,
		fieldUpdatedAt:        rec.UpdatedAt.Format(time.RFC3339Nano),
	}, s.ttl)
	if err != nil {
		return fmt.Errorf("failed to save record for job %s: %w", rec.JobID, err)
	}
	return nil
}

// SavePayload implements Store
func (s *RedisStore) SavePayload(ctx context.Context, jobID string, payload []byte) ([]byte, string, error) {
	key := s.key(jobID)

	won, err := s.client.SetHashFieldNX(ctx, key, fieldPayload, payload)
	if err != nil {
		return nil, "", err
	}

	if won {
		digest := Digest(payload)
		if err := s.client.SetHashFields(ctx, key, map[string]interface{}{fieldPayloadDigest: digest}, s.ttl); err != nil {
			return nil, "", err
		}
		return payload, digest, nil
	}

	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("result already stored, reusing canonical payload", "job_id", jobID)
	return rec.Payload, Digest(rec.Payload), nil
}
