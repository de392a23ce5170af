// Package queue moves webhook jobs from the HTTP edge to the reply workers
// with at-least-once delivery. The primary backend is Redis Streams; a bounded
// in-process queue covers development and broker outages.
package queue

import (
	"context"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/types/chat"
)

// Handler processes one dequeued job. Returning nil acknowledges the job; a
// Permanent error dead-letters it immediately; any other error redelivers it
// up to the backend's delivery budget.
type Handler func(ctx context.Context, job chat.Job) error

// Queue is the transport between the webhook gate and the workers.
type Queue interface {
	Enqueue(ctx context.Context, job chat.Job) error
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// ErrQueueFull signals a bounded queue at capacity; the webhook gate turns it
// into a 503 so the provider retries later.
var ErrQueueFull = errors.New("queue full")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the job goes straight to
// the dead-letter stream.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
