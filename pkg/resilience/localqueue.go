// Package resilience holds the process-level safety nets: a bounded
// concurrency controller for cooperative async work and the ordered
// shutdown registry.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency caps cooperative fan-out when nothing is configured.
const DefaultConcurrency = 3

// LocalQueue bounds how many cooperative tasks run at once, e.g. outbound
// notification fan-out that must not stampede a provider.
type LocalQueue struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewLocalQueue creates a controller with the given slot count.
func NewLocalQueue(concurrency int) *LocalQueue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &LocalQueue{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Go runs fn on its own goroutine once a slot frees up. It blocks only while
// waiting for the slot and returns the context error if cancelled first.
func (q *LocalQueue) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.sem.Release(1)
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every started task has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
