package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/analyzer/common/models"
)

// MemoryStore is a Store for tests and single-process runs
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.JobRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.JobRecord)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, rec *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	stored := cloneRecord(rec)
	if prev, ok := s.records[rec.JobID]; ok {
		stored.Payload = prev.Payload
		stored.PayloadDigest = prev.PayloadDigest
	} else {
		stored.Payload = nil
		stored.PayloadDigest = ""
	}
	s.records[rec.JobID] = stored
	return nil
}

// SavePayload implements Store
func (s *MemoryStore) SavePayload(ctx context.Context, jobID string, payload []byte) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		rec = &models.JobRecord{JobID: jobID}
		s.records[jobID] = rec
	}
	if rec.Payload == nil {
		rec.Payload = append([]byte(nil), payload...)
		rec.PayloadDigest = Digest(payload)
	}
	return append([]byte(nil), rec.Payload...), rec.PayloadDigest, nil
}

// All returns a snapshot of every record
func (s *MemoryStore) All() []*models.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func cloneRecord(rec *models.JobRecord) *models.JobRecord {
	c := *rec
	if rec.Payload != nil {
		c.Payload = append([]byte(nil), rec.Payload...)
	}
	return &c
}
