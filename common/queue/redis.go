package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/analyzer/common/config"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/redis"
)

const (
	jobField     = "job"
	promoteBatch = 100
)

// promoteScript moves due members of the delayed set onto the stream in one step,
// so a job is never visible in both places or lost between them.
// KEYS[1] = delayed zset, KEYS[2] = stream, ARGV[1] = now (ms), ARGV[2] = batch
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('XADD', KEYS[2], '*', 'job', payload)
end
return #due
`)

// ackScript removes an entry only while the caller still owns it.
// KEYS[1] = stream, ARGV[1] = group, ARGV[2] = message id, ARGV[3] = consumer
var ackScript = goredis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or p[1][2] ~= ARGV[3] then
	return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
return 1
`)

// nackScript re-adds the job (delayed when ARGV[5] > 0) and removes the owned entry.
// KEYS[1] = stream, KEYS[2] = delayed zset
// ARGV[1] = group, ARGV[2] = message id, ARGV[3] = consumer, ARGV[4] = job, ARGV[5] = visible-at (ms)
var nackScript = goredis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or p[1][2] ~= ARGV[3] then
	return 0
end
if tonumber(ARGV[5]) > 0 then
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[4])
else
	redis.call('XADD', KEYS[1], '*', 'job', ARGV[4])
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
return 1
`)

// RedisQueue implements JobQueue on a Redis stream with a consumer group.
// Delayed redeliveries wait in a sorted set scored by their visible-at time.
type RedisQueue struct {
	client     *redis.Client
	stream     string
	group      string
	delayedKey string
	lease      time.Duration
	block      time.Duration
	now        func() time.Time
	log        *logger.Logger
}

// NewRedisQueue creates the consumer group if needed and returns the queue
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg config.QueueConfig, log *logger.Logger) (*RedisQueue, error) {
	q := &RedisQueue{
		client:     client,
		stream:     cfg.Stream,
		group:      cfg.Group,
		delayedKey: cfg.Stream + ":delayed",
		lease:      cfg.Lease,
		block:      cfg.Block,
		now:        time.Now,
		log:        log.WithComponent("queue"),
	}

	if err := client.CreateStreamGroup(ctx, q.stream, q.group); err != nil {
		return nil, err
	}

	return q, nil
}

// Enqueue implements JobQueue
func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	id, err := q.client.AddToStream(ctx, q.stream, map[string]interface{}{jobField: string(data)})
	if err != nil {
		return err
	}

	q.log.Debug("job enqueued", "job_id", job.JobID, "message_id", id)
	return nil
}

// Claim promotes due delayed jobs, reclaims entries whose lease lapsed, then reads new entries
func (q *RedisQueue) Claim(ctx context.Context, consumer string) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.log.Warn("failed to promote delayed jobs", "error", err)
	}

	reclaimed, err := q.client.AutoClaim(ctx, q.stream, q.group, consumer, q.lease, 1)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		q.log.Warn("reclaimed job with expired lease", "message_id", reclaimed[0].ID, "consumer", consumer)
		return q.toDelivery(ctx, consumer, reclaimed[0])
	}

	messages, err := q.client.ReadFromStreamGroup(ctx, q.group, consumer, q.stream, 1, q.block)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	return q.toDelivery(ctx, consumer, messages[0])
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	res, err := q.client.RunScript(ctx, promoteScript,
		[]string{q.delayedKey, q.stream},
		q.now().UnixMilli(), promoteBatch)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); ok && n > 0 {
		q.log.Debug("promoted delayed jobs", "count", n)
	}
	return nil
}

// toDelivery decodes a stream entry. Entries that cannot be decoded would be redelivered
// forever, so they are dropped with an error log instead.
func (q *RedisQueue) toDelivery(ctx context.Context, consumer string, msg goredis.XMessage) (*Delivery, error) {
	raw, _ := msg.Values[jobField].(string)

	job, err := decodeJob([]byte(raw))
	if err != nil {
		q.log.Error("dropping malformed queue entry", "message_id", msg.ID, "error", err)
		if ackErr := q.client.AckAndDelete(ctx, q.stream, q.group, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}

	return &Delivery{Job: job, Receipt: msg.ID, Consumer: consumer}, nil
}

// Extend implements JobQueue
func (q *RedisQueue) Extend(ctx context.Context, d *Delivery) error {
	if err := q.client.RefreshClaim(ctx, q.stream, q.group, d.Consumer, d.Receipt); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return nil
}

// Ack implements JobQueue. A consumer whose lease was taken over gets ErrLeaseLost
// and the entry stays with its new owner.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.client.RunScript(ctx, ackScript, []string{q.stream}, q.group, d.Receipt, d.Consumer)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.Job.JobID, err)
	}
	if !owned(res) {
		return fmt.Errorf("%w: ack of %s by %s", ErrLeaseLost, d.Receipt, d.Consumer)
	}
	return nil
}

// Nack acknowledges the current entry and re-adds the (possibly updated) job,
// immediately or through the delayed set, in one script. Like Ack it only acts
// for the consumer that still owns the entry.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	data, err := encodeJob(d.Job)
	if err != nil {
		return err
	}

	var visibleAt int64
	if delay > 0 {
		visibleAt = q.now().Add(delay).UnixMilli()
	}

	res, err := q.client.RunScript(ctx, nackScript,
		[]string{q.stream, q.delayedKey},
		q.group, d.Receipt, d.Consumer, string(data), visibleAt)
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", d.Job.JobID, err)
	}
	if !owned(res) {
		return fmt.Errorf("%w: nack of %s by %s", ErrLeaseLost, d.Receipt, d.Consumer)
	}

	q.log.Debug("job nacked", "job_id", d.Job.JobID, "delay", delay)
	return nil
}

func owned(res interface{}) bool {
	n, ok := res.(int64)
	return ok && n == 1
}

// Depth implements JobQueue
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	streamLen, err := q.client.StreamLength(ctx, q.stream)
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.SortedSetSize(ctx, q.delayedKey)
	if err != nil {
		return 0, err
	}
	return streamLen + delayed, nil
}

// Ping implements JobQueue
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx)
}

// Backend implements JobQueue
func (q *RedisQueue) Backend() string {
	return "redis"
}

// Close is a no-op; the Redis client is owned by bootstrap
func (q *RedisQueue) Close() error {
	return nil
}
