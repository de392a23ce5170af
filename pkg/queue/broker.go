package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// Mode identifies the selected backend.
type Mode string

const (
	ModeRedis Mode = "redis"
	ModeLocal Mode = "local"
)

// BrokerQueue fronts the Redis queue with the local fallback: enqueues that
// fail at the broker land in process instead of being lost, at reduced
// durability.
type BrokerQueue struct {
	redis *RedisQueue
	local *LocalQueue
	mode  Mode
}

// New probes the broker and picks the backend: a reachable Redis URL selects
// the stream queue (with local fallback armed), anything else runs purely in
// process.
func New(ctx context.Context, redisURL string, redisOpts RedisOptions, localOpts LocalOptions) *BrokerQueue {
	local := NewLocalQueue(localOpts)

	if redisURL == "" {
		logger.G(ctx).Info("no broker configured, using in-process queue")
		return &BrokerQueue{local: local, mode: ModeLocal}
	}

	redisCfg, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("invalid broker URL, using in-process queue")
		return &BrokerQueue{local: local, mode: ModeLocal}
	}

	rq := NewRedisQueue(redis.NewClient(redisCfg), redisOpts)
	if err := rq.Ping(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("broker unreachable, using in-process queue")
		return &BrokerQueue{local: local, mode: ModeLocal}
	}

	logger.G(ctx).WithField("stream", rq.opts.Stream).Info("broker queue selected")
	return &BrokerQueue{redis: rq, local: local, mode: ModeRedis}
}

// Mode reports which backend won the startup probe.
func (q *BrokerQueue) Mode() Mode {
	return q.mode
}

// Enqueue prefers the broker and degrades to the local buffer on broker
// errors.
func (q *BrokerQueue) Enqueue(ctx context.Context, job chat.Job) error {
	if q.redis != nil {
		err := q.redis.Enqueue(ctx, job)
		if err == nil {
			return nil
		}
		logger.G(ctx).WithError(err).Warn("broker enqueue failed, using in-process queue")
	}
	return q.local.Enqueue(ctx, job)
}

// Start launches workers on every armed backend.
func (q *BrokerQueue) Start(ctx context.Context, handler Handler) error {
	if q.redis != nil {
		if err := q.redis.Start(ctx, handler); err != nil {
			return err
		}
	}
	return q.local.Start(ctx, handler)
}

// Close drains both backends.
func (q *BrokerQueue) Close() error {
	var firstErr error
	if q.redis != nil {
		firstErr = q.redis.Close()
	}
	if err := q.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
