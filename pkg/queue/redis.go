package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// RedisOptions tune the stream consumer.
type RedisOptions struct {
	Stream            string
	Group             string
	Consumer          string
	DeadLetterStream  string
	Workers           int
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
	ClaimInterval     time.Duration
	MaxLen            int64
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.Stream == "" {
		o.Stream = "tania:jobs"
	}
	if o.Group == "" {
		o.Group = "tania-workers"
	}
	if o.Consumer == "" {
		o.Consumer = "worker"
	}
	if o.DeadLetterStream == "" {
		o.DeadLetterStream = o.Stream + ":dead"
	}
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 3
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = time.Minute
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 30 * time.Second
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 10000
	}
	return o
}

// RedisQueue is the Redis Streams backend: XADD on enqueue, consumer-group
// XREADGROUP workers, XAUTOCLAIM for entries abandoned past the visibility
// timeout, and a dead-letter stream once the delivery budget is spent.
type RedisQueue struct {
	client redis.UniversalClient
	opts   RedisOptions

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewRedisQueue creates a queue over an existing Redis client.
func NewRedisQueue(client redis.UniversalClient, opts RedisOptions) *RedisQueue {
	return &RedisQueue{client: client, opts: opts.withDefaults()}
}

// Ping verifies broker reachability.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a job to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, job chat.Job) error {
	return q.add(ctx, q.opts.Stream, job, 1)
}

func (q *RedisQueue) add(ctx context.Context, stream string, job chat.Job, delivery int) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.opts.MaxLen,
		Approx: true,
		Values: map[string]any{
			"job":      string(payload),
			"delivery": strconv.Itoa(delivery),
		},
	}).Err()
	return errors.Wrapf(err, "failed to enqueue to %s", stream)
}

// Start launches the worker pool and the claim loop. It returns immediately;
// workers stop when the context ends or Close is called.
func (q *RedisQueue) Start(ctx context.Context, handler Handler) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "failed to create consumer group")
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.opts.Workers; i++ {
		consumer := q.opts.Consumer + "-" + strconv.Itoa(i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.claimLoop(ctx, handler)
	}()
	return nil
}

// Close stops the workers and waits for in-flight jobs.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    1,
			Block:    q.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.G(ctx).WithError(err).Warn("stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.process(ctx, msg, handler)
			}
		}
	}
}

// claimLoop re-delivers entries whose consumer went away: anything pending and
// idle longer than the visibility timeout is claimed and processed here.
func (q *RedisQueue) claimLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.opts.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer + "-claimer",
			MinIdle:  q.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err != nil {
			logger.G(ctx).WithError(err).Warn("stream claim failed")
			continue
		}
		for _, msg := range messages {
			q.process(ctx, msg, handler)
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, delivery, err := decodeMessage(msg)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", msg.ID).Warn("dropping undecodable job")
		q.ack(ctx, msg.ID)
		return
	}

	log := logger.G(ctx).WithFields(map[string]any{
		"conversation_id": job.ConversationID,
		"delivery":        delivery,
	})

	err = handler(ctx, job)
	if err == nil {
		q.ack(ctx, msg.ID)
		return
	}

	if IsPermanent(err) || delivery >= q.opts.MaxDeliveries {
		log.WithError(err).Warn("job dead-lettered")
		if dlErr := q.add(ctx, q.opts.DeadLetterStream, job, delivery); dlErr != nil {
			log.WithError(dlErr).Error("failed to dead-letter job")
		}
		q.ack(ctx, msg.ID)
		return
	}

	// Retryable: ack this entry and append a copy with the bumped delivery
	// count. The memory layer's duplicate elision keeps redelivery idempotent.
	log.WithError(err).Warn("job failed, redelivering")
	if reErr := q.add(ctx, q.opts.Stream, job, delivery+1); reErr != nil {
		log.WithError(reErr).Error("failed to redeliver job")
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", id).Warn("failed to ack job")
	}
}

func decodeMessage(msg redis.XMessage) (chat.Job, int, error) {
	var job chat.Job
	raw, ok := msg.Values["job"].(string)
	if !ok {
		return job, 0, errors.New("message missing job payload")
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, 0, errors.Wrap(err, "failed to decode job")
	}
	delivery := 1
	if d, ok := msg.Values["delivery"].(string); ok {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			delivery = parsed
		}
	}
	return job, delivery, nil
}
