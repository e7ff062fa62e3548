package deadletter

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/lyzr/analyzer/common/db"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/redis"
)

// Sink keeps the terminal record of a Failed job for operators
type Sink interface {
	Record(ctx context.Context, rec *models.TerminalRecord) error
}

// MemorySink keeps records in process
type MemorySink struct {
	mu      sync.Mutex
	records []models.TerminalRecord
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink
func (s *MemorySink) Record(ctx context.Context, rec *models.TerminalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// Records returns a copy of everything recorded so far
func (s *MemorySink) Records() []models.TerminalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TerminalRecord(nil), s.records...)
}

// Multi writes to every sink and reports all failures
type Multi []Sink

// Record implements Sink
func (m Multi) Record(ctx context.Context, rec *models.TerminalRecord) error {
	var result *multierror.Error
	for i, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			result = multierror.Append(result, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// Build returns the sink for the configured names ("redis", "postgres").
// Several names fan out through Multi.
func Build(names []string, client *redis.Client, stream string, database *db.DB) (Sink, error) {
	var sinks Multi
	for _, name := range names {
		switch name {
		case "redis":
			if client == nil {
				return nil, fmt.Errorf("redis dead-letter sink needs a redis client")
			}
			sinks = append(sinks, NewRedisSink(client, stream))
		case "postgres":
			if database == nil {
				return nil, fmt.Errorf("postgres dead-letter sink needs a database")
			}
			sinks = append(sinks, NewPostgresSink(database))
		default:
			return nil, fmt.Errorf("unknown dead-letter sink %q", name)
		}
	}

	switch len(sinks) {
	case 0:
		return nil, fmt.Errorf("no dead-letter sink configured")
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
