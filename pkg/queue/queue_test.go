package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/types/chat"
)

type recordingHandler struct {
	mu   sync.Mutex
	jobs []chat.Job
	errs []error
}

func (h *recordingHandler) handle(_ context.Context, job chat.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestRedisQueue(t *testing.T, opts RedisOptions) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	opts.BlockTimeout = 50 * time.Millisecond
	return NewRedisQueue(client, opts), client
}

func testJob(msg string) chat.Job {
	return chat.Job{
		ConversationID: "conv-1",
		AccountID:      "acct-1",
		ContactID:      "contact-1",
		Message:        msg,
		ReceivedAt:     time.Now(),
	}
}

func TestRedisQueueDelivers(t *testing.T) {
	q, _ := newTestRedisQueue(t, RedisOptions{Workers: 1})
	handler := &recordingHandler{}

	ctx := context.Background()
	require.NoError(t, q.Start(ctx, handler.handle))
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	waitFor(t, func() bool { return handler.count() == 1 })

	handler.mu.Lock()
	assert.Equal(t, "hola", handler.jobs[0].Message)
	assert.Equal(t, "conv-1", handler.jobs[0].ConversationID)
	handler.mu.Unlock()
}

func TestRedisQueueRedeliversOnFailure(t *testing.T) {
	q, _ := newTestRedisQueue(t, RedisOptions{Workers: 1, MaxDeliveries: 3})
	handler := &recordingHandler{errs: []error{errors.New("transient")}}

	ctx := context.Background()
	require.NoError(t, q.Start(ctx, handler.handle))
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	// First delivery fails, the redelivered copy succeeds.
	waitFor(t, func() bool { return handler.count() == 2 })
}

func TestRedisQueueDeadLettersPermanentErrors(t *testing.T) {
	q, client := newTestRedisQueue(t, RedisOptions{Workers: 1, MaxDeliveries: 3})
	handler := &recordingHandler{errs: []error{Permanent(errors.New("bad payload"))}}

	ctx := context.Background()
	require.NoError(t, q.Start(ctx, handler.handle))
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	waitFor(t, func() bool { return handler.count() == 1 })
	waitFor(t, func() bool {
		return client.XLen(ctx, q.opts.DeadLetterStream).Val() == 1
	})
	// No redelivery after dead-lettering.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, handler.count())
}

func TestRedisQueueDeadLettersAfterMaxDeliveries(t *testing.T) {
	q, client := newTestRedisQueue(t, RedisOptions{Workers: 1, MaxDeliveries: 2})
	boom := errors.New("still failing")
	handler := &recordingHandler{errs: []error{boom, boom, boom, boom}}

	ctx := context.Background()
	require.NoError(t, q.Start(ctx, handler.handle))
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	waitFor(t, func() bool {
		return client.XLen(ctx, q.opts.DeadLetterStream).Val() == 1
	})
	assert.Equal(t, 2, handler.count())
}

func TestLocalQueueOverflow(t *testing.T) {
	q := NewLocalQueue(LocalOptions{Capacity: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob("1")))
	require.NoError(t, q.Enqueue(ctx, testJob("2")))
	assert.ErrorIs(t, q.Enqueue(ctx, testJob("3")), ErrQueueFull)
}

func TestLocalQueueProcessesAndRetries(t *testing.T) {
	q := NewLocalQueue(LocalOptions{Capacity: 10, Workers: 2, MaxAttempts: 3, BaseBackoff: time.Millisecond})
	handler := &recordingHandler{errs: []error{errors.New("transient")}}

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	require.NoError(t, q.Start(ctx, handler.handle))

	waitFor(t, func() bool { return handler.count() == 2 })
	require.NoError(t, q.Close())
}

func TestLocalQueueDropsPermanentErrors(t *testing.T) {
	q := NewLocalQueue(LocalOptions{Capacity: 10, Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond})
	handler := &recordingHandler{errs: []error{Permanent(errors.New("bad"))}}

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testJob("hola")))
	require.NoError(t, q.Start(ctx, handler.handle))

	waitFor(t, func() bool { return handler.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, handler.count())
	require.NoError(t, q.Close())
}

func TestBrokerProbeSelectsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	q := New(context.Background(), "redis://"+mr.Addr(), RedisOptions{}, LocalOptions{})
	assert.Equal(t, ModeRedis, q.Mode())
}

func TestBrokerProbeFallsBackToLocal(t *testing.T) {
	q := New(context.Background(), "redis://127.0.0.1:1", RedisOptions{}, LocalOptions{})
	assert.Equal(t, ModeLocal, q.Mode())

	// And with no URL at all.
	q = New(context.Background(), "", RedisOptions{}, LocalOptions{})
	assert.Equal(t, ModeLocal, q.Mode())
}

func TestPermanentClassification(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.True(t, IsPermanent(errors.Wrap(Permanent(errors.New("x")), "wrapped")))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.NoError(t, Permanent(nil))
}
