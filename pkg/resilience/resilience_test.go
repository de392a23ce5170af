package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueueBoundsConcurrency(t *testing.T) {
	q := NewLocalQueue(2)

	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		err := q.Go(context.Background(), func(_ context.Context) {
			now := running.Add(1)
			for {
				p := peak.Load()
				if now <= p || peak.CompareAndSwap(p, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
		require.NoError(t, err)
	}
	q.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, running.Load())
}

func TestLocalQueueCancelWhileWaiting(t *testing.T) {
	q := NewLocalQueue(1)
	release := make(chan struct{})
	require.NoError(t, q.Go(context.Background(), func(_ context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Go(ctx, func(_ context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	q.Wait()
}

func TestShutdownRunsHighestPriorityFirst(t *testing.T) {
	r := NewShutdownRegistry(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHandler {
		return func(_ context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	// Priority 1 is the last to close.
	r.Register("db", 1, record("db"))
	r.Register("http", 10, record("http"))
	r.Register("queue", 5, record("queue"))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "queue", "db"}, order)
}

func TestShutdownAggregatesFailuresAndContinues(t *testing.T) {
	r := NewShutdownRegistry(time.Second)

	var closed []string
	r.Register("broken", 10, func(_ context.Context) error { return errors.New("socket already closed") })
	r.Register("db", 1, func(_ context.Context) error {
		closed = append(closed, "db")
		return nil
	})

	err := r.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"db"}, closed)
}

func TestShutdownSkipsStuckHandlers(t *testing.T) {
	r := NewShutdownRegistry(20 * time.Millisecond)

	var closed atomic.Bool
	r.Register("stuck", 10, func(_ context.Context) error {
		select {} // never returns
	})
	r.Register("db", 1, func(_ context.Context) error {
		closed.Store(true)
		return nil
	})

	start := time.Now()
	err := r.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, closed.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdownRunsOnlyOnce(t *testing.T) {
	r := NewShutdownRegistry(time.Second)

	var calls atomic.Int32
	r.Register("db", 1, func(_ context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}
