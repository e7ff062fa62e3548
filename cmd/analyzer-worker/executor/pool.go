package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/queue"
	"github.com/lyzr/analyzer/common/retry"
)

const claimErrorDelay = time.Second

// Pool runs a fixed number of executors against the queue
type Pool struct {
	executor    *Executor
	queue       queue.JobQueue
	concurrency int
	name        string
	log         *logger.Logger
}

// NewPool creates a pool of concurrency workers
func NewPool(executor *Executor, q queue.JobQueue, concurrency int, log *logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		executor:    executor,
		queue:       q,
		concurrency: concurrency,
		name:        fmt.Sprintf("analyzer_worker_%s", uuid.New().String()[:8]),
		log:         log.WithComponent("pool"),
	}
}

// Run claims and processes jobs until ctx is cancelled, then waits for in-flight
// attempts to hand their jobs back
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", "consumer", p.name, "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, fmt.Sprintf("%s_%d", p.name, id))
		}(i)
	}

	wg.Wait()
	p.log.Info("worker pool stopped", "consumer", p.name)
	return nil
}

func (p *Pool) work(ctx context.Context, consumer string) {
	log := p.log.WithFields(map[string]any{"consumer": consumer})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.processNext(ctx, consumer, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to process message", "error", err)
			_ = retry.Sleep(ctx, claimErrorDelay)
		}
	}
}

func (p *Pool) processNext(ctx context.Context, consumer string, log *logger.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in worker loop", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	d, err := p.queue.Claim(ctx, consumer)
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}
	if d == nil {
		return nil
	}

	return p.executor.Process(ctx, d)
}
