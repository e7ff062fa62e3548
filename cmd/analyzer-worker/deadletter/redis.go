package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/redis"
)

// streamMaxLen caps the dead-letter stream so it cannot grow without bound
const streamMaxLen = 100000

// RedisSink appends terminal records to a capped stream.
// Maps to: <queue stream>:dead
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink creates a sink writing to stream
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

// Record implements Sink
func (s *RedisSink) Record(ctx context.Context, rec *models.TerminalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode terminal record: %w", err)
	}

	_, err = s.client.AddToCappedStream(ctx, s.stream, streamMaxLen, map[string]interface{}{
		"job_id":   rec.JobID,
		"asset_id": rec.AssetID,
		"phase":    string(rec.Phase),
		"record":   string(data),
	})
	return err
}
