package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
)

type memoryEntry struct {
	data      []byte
	receipt   string
	deadline  time.Time // lease expiry while in flight
	visibleAt time.Time // while delayed
}

// MemoryQueue is an in-process JobQueue with lease and delay semantics.
// Jobs are stored encoded so a consumer never shares memory with the queue.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*memoryEntry
	delayed  []*memoryEntry
	inflight map[string]*memoryEntry
	closed   bool

	notify chan struct{}
	lease  time.Duration
	block  time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(lease, block time.Duration, log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*memoryEntry),
		notify:   make(chan struct{}, 1),
		lease:    lease,
		block:    block,
		now:      time.Now,
		log:      log,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a job to the ready list
func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.ready = append(q.ready, &memoryEntry{data: data})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Claim waits up to the block window for a visible job
func (q *MemoryQueue) Claim(ctx context.Context, consumer string) (*Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		d, wait, err := q.tryClaim(consumer)
		if err != nil || d != nil {
			return d, err
		}

		var wake <-chan time.Time
		var due *time.Timer
		if wait > 0 {
			due = time.NewTimer(wait)
			wake = due.C
		}

		select {
		case <-ctx.Done():
			stopTimer(due)
			return nil, ctx.Err()
		case <-timer.C:
			stopTimer(due)
			return nil, nil
		case <-q.notify:
		case <-wake:
		}
		stopTimer(due)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// tryClaim hands out the next ready job. When nothing is ready it reports how long until
// the earliest delayed job or lease becomes due, or zero when nothing is pending.
func (q *MemoryQueue) tryClaim(consumer string) (*Delivery, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrClosed
	}

	now := q.now()
	q.promoteLocked(now)

	if len(q.ready) == 0 {
		return nil, q.nextDueLocked(now), nil
	}

	e := q.ready[0]
	q.ready = q.ready[1:]

	job, err := decodeJob(e.data)
	if err != nil {
		q.log.Error("dropping undecodable job", "error", err)
		return nil, 0, nil
	}

	e.receipt = uuid.NewString()
	e.deadline = now.Add(q.lease)
	q.inflight[e.receipt] = e

	return &Delivery{Job: job, Receipt: e.receipt, Consumer: consumer}, 0, nil
}

// promoteLocked moves due delayed jobs and expired leases back to ready
func (q *MemoryQueue) promoteLocked(now time.Time) {
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if !now.Before(e.visibleAt) {
			q.ready = append(q.ready, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.delayed = kept

	for receipt, e := range q.inflight {
		if !now.Before(e.deadline) {
			delete(q.inflight, receipt)
			q.log.Warn("lease expired, job visible again", "receipt", receipt)
			q.ready = append(q.ready, e)
		}
	}
}

func (q *MemoryQueue) nextDueLocked(now time.Time) time.Duration {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, e := range q.delayed {
		consider(e.visibleAt)
	}
	for _, e := range q.inflight {
		consider(e.deadline)
	}
	if next.IsZero() {
		return 0
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

// Extend renews the lease for a receipt that is still in flight
func (q *MemoryQueue) Extend(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[d.Receipt]
	if !ok {
		return ErrLeaseLost
	}
	e.deadline = q.now().Add(q.lease)
	return nil
}

// Ack drops the job
func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[d.Receipt]; !ok {
		return ErrLeaseLost
	}
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack re-encodes d.Job and makes it visible again after delay
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	data, err := encodeJob(d.Job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if _, ok := q.inflight[d.Receipt]; !ok {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.inflight, d.Receipt)

	e := &memoryEntry{data: data}
	if delay > 0 {
		e.visibleAt = q.now().Add(delay)
		q.delayed = append(q.delayed, e)
	} else {
		q.ready = append(q.ready, e)
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// Depth counts ready, delayed and in-flight jobs
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed) + len(q.inflight)), nil
}

// Ping always succeeds unless the queue is closed
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Backend implements JobQueue
func (q *MemoryQueue) Backend() string {
	return "memory"
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.log.Info("closed memory queue",
		"ready", len(q.ready),
		"delayed", len(q.delayed),
		"inflight", len(q.inflight))
	return nil
}
