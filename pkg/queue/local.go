package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// LocalOptions tune the in-process queue.
type LocalOptions struct {
	Capacity    int
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
}

func (o LocalOptions) withDefaults() LocalOptions {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	return o
}

// LocalQueue is the in-process fallback: a bounded channel drained by N
// goroutine workers with the same retry policy as the broker path. Jobs do
// not survive a restart.
type LocalQueue struct {
	opts   LocalOptions
	jobs   chan chat.Job
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewLocalQueue creates an in-process queue.
func NewLocalQueue(opts LocalOptions) *LocalQueue {
	o := opts.withDefaults()
	return &LocalQueue{opts: o, jobs: make(chan chat.Job, o.Capacity)}
}

// Enqueue adds a job without blocking; a full buffer yields ErrQueueFull.
func (q *LocalQueue) Enqueue(ctx context.Context, job chat.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool. Workers drain remaining buffered jobs after
// Close, then exit.
func (q *LocalQueue) Start(ctx context.Context, handler Handler) error {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					q.handleWithRetry(ctx, job, handler)
				}
			}
		}()
	}
	return nil
}

func (q *LocalQueue) handleWithRetry(ctx context.Context, job chat.Job, handler Handler) {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, job)
		if err == nil {
			return
		}
		log := logger.G(ctx).WithError(err).WithFields(map[string]any{
			"conversation_id": job.ConversationID,
			"attempt":         attempt,
		})
		if IsPermanent(err) || attempt >= q.opts.MaxAttempts {
			log.Warn("job dropped after final attempt")
			return
		}
		log.Warn("job failed, retrying")

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * q.opts.BaseBackoff
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Close stops accepting jobs and waits for the workers to drain the buffer.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
