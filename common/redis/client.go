package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with the operations the analyzer uses and per-op logging
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// Dial parses a redis:// URL and returns a wrapped client
func Dial(redisURL string, logger Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewClient(redis.NewClient(opts), logger), nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.redis.Close()
}

// AddToStream adds a message to a Redis stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id)
	return id, nil
}

// AddToCappedStream adds a message and trims the stream to roughly maxLen entries
func (c *Client) AddToCappedStream(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id, "max_len", maxLen)
	return id, nil
}

// CreateStreamGroup creates a consumer group for a stream
func (c *Client) CreateStreamGroup(ctx context.Context, stream, group string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.logger.Error("redis XGROUP CREATE failed", "stream", stream, "group", group, "error", err)
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	c.logger.Debug("redis XGROUP CREATE", "stream", stream, "group", group)
	return nil
}

// ReadFromStreamGroup reads new messages from a stream using consumer groups
func (c *Client) ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		// Timeout/no messages - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREADGROUP failed", "stream", stream, "group", group, "error", err)
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	c.logger.Debug("redis XREADGROUP", "stream", stream, "group", group, "message_count", len(messages))
	return messages, nil
}

// AutoClaim transfers pending messages idle for at least minIdle to consumer
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	messages, _, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XAUTOCLAIM failed", "stream", stream, "group", group, "error", err)
		return nil, fmt.Errorf("failed to autoclaim from stream %s: %w", stream, err)
	}
	if len(messages) > 0 {
		c.logger.Debug("redis XAUTOCLAIM", "stream", stream, "group", group, "claimed", len(messages))
	}
	return messages, nil
}

// RefreshClaim resets the idle time of a message the consumer already owns.
// It fails when the message was acked or reclaimed by another consumer.
func (c *Client) RefreshClaim(ctx context.Context, stream, group, consumer, messageID string) error {
	pending, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect pending %s: %w", messageID, err)
	}
	if len(pending) == 0 || pending[0].Consumer != consumer {
		return fmt.Errorf("message %s is not owned by %s", messageID, consumer)
	}

	ids, err := c.redis.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Result()
	if err != nil {
		c.logger.Error("redis XCLAIM failed", "stream", stream, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to refresh claim %s: %w", messageID, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("message %s is no longer pending", messageID)
	}
	return nil
}

// AckAndDelete acknowledges a message and removes it from the stream atomically
func (c *Client) AckAndDelete(ctx context.Context, stream, group, messageID string) error {
	pipe := c.redis.TxPipeline()
	pipe.XAck(ctx, stream, group, messageID)
	pipe.XDel(ctx, stream, messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("redis XACK failed", "stream", stream, "group", group, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	c.logger.Debug("redis XACK", "stream", stream, "group", group, "message_id", messageID)
	return nil
}

// StreamLength returns the number of entries in a stream
func (c *Client) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := c.redis.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", stream, err)
	}
	return n, nil
}

// SortedSetSize returns the cardinality of a sorted set
func (c *Client) SortedSetSize(ctx context.Context, key string) (int64, error) {
	n, err := c.redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get size of %s: %w", key, err)
	}
	return n, nil
}

// SetHashFields sets several hash fields and refreshes the key's expiry
func (c *Client) SetHashFields(ctx context.Context, key string, fields map[string]interface{}, expiry time.Duration) error {
	pipe := c.redis.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if expiry > 0 {
		pipe.Expire(ctx, key, expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("redis HSET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	c.logger.Debug("redis HSET", "key", key, "field_count", len(fields))
	return nil
}

// SetHashFieldNX sets a hash field only if absent; returns whether it was set
func (c *Client) SetHashFieldNX(ctx context.Context, key, field string, value interface{}) (bool, error) {
	wasSet, err := c.redis.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		c.logger.Error("redis HSETNX failed", "key", key, "field", field, "error", err)
		return false, fmt.Errorf("failed to setnx hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HSETNX", "key", key, "field", field, "was_set", wasSet)
	return wasSet, nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}

// RunScript evaluates a Lua script
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := script.Run(ctx, c.redis, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Error("redis EVALSHA failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return result, nil
}
