package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
)

// Handler-side failure classes that bypass retry. Handlers wrap these so the
// executor fails fast instead of hammering an external system with a request
// that can never succeed.
var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTargetNotFound    = errors.New("not found")
	ErrInvalidActionType = errors.New("invalid action type")
)

func nonRetryable(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrTargetNotFound) ||
		errors.Is(err, ErrInvalidActionType)
}

// Handler performs one action against an external system.
type Handler interface {
	Execute(ctx context.Context, actionType string, payload, actionContext json.RawMessage) (json.RawMessage, error)
}

// DryRunner is implemented by handlers that can preview an action without
// side effects.
type DryRunner interface {
	Validate(ctx context.Context, actionType string, payload, actionContext json.RawMessage) (*actiontypes.ValidationResult, error)
}

// Rollbacker is implemented by handlers whose actions can be reversed.
type Rollbacker interface {
	Rollback(ctx context.Context, actionType string, payload, actionContext, executionResult json.RawMessage) error
}

// ExecutorOptions tune dispatch timing.
type ExecutorOptions struct {
	Timeout     time.Duration // overall budget per action, default 30s
	MaxAttempts int           // default 3
	BaseBackoff time.Duration // first retry wait, doubled each attempt; default 2s
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	return o
}

// Executor dispatches approved records to their handlers and writes the
// outcome back through the store.
type Executor struct {
	store    Store
	handlers map[actiontypes.HandlerKind]Handler
	opts     ExecutorOptions
}

// NewExecutor wires the executor with one handler per kind.
func NewExecutor(store Store, handlers map[actiontypes.HandlerKind]Handler, opts ExecutorOptions) *Executor {
	return &Executor{store: store, handlers: handlers, opts: opts.withDefaults()}
}

// Run takes an APPROVED record through EXECUTING to EXECUTED or FAILED. The
// handler invocation result lands in the record's metadata either way.
func (e *Executor) Run(ctx context.Context, record *actiontypes.Record) error {
	if !actiontypes.CanTransition(record.State, actiontypes.StateExecuting) {
		return errors.Wrapf(ErrStateConflict, "%s -> %s", record.State, actiontypes.StateExecuting)
	}
	record.State = actiontypes.StateExecuting
	record.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, record); err != nil {
		return err
	}

	start := time.Now()
	output, attempts, execErr := e.execute(ctx, record)

	result := actiontypes.ExecutionResult{
		Success:    execErr == nil,
		Output:     output,
		Attempts:   attempts,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode execution result")
	}
	record.Metadata.ExecutionResult = raw
	record.Metadata.Attempts = attempts

	if execErr != nil {
		record.State = actiontypes.StateFailed
		record.Metadata.FailureReason = execErr.Error()
		logger.G(ctx).WithError(execErr).
			WithField("action_id", record.ActionID).
			WithField("action_type", record.ActionType).
			Warn("action execution failed")
	} else {
		record.State = actiontypes.StateExecuted
		executedAt := time.Now()
		record.Metadata.ExecutedAt = &executedAt
	}
	record.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, record); err != nil {
		return err
	}
	return execErr
}

func (e *Executor) execute(ctx context.Context, record *actiontypes.Record) (json.RawMessage, int, error) {
	handler, ok := e.handlers[record.Handler]
	if !ok {
		return nil, 0, errors.Errorf("no handler registered for %q", record.Handler)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var output json.RawMessage
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			var err error
			output, err = handler.Execute(execCtx, record.ActionType, record.Payload, record.Context)
			return err
		},
		retry.Attempts(uint(e.opts.MaxAttempts)),
		retry.Delay(e.opts.BaseBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return !nonRetryable(err) }),
		retry.Context(execCtx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).
				WithField("action_id", record.ActionID).
				WithField("attempt", n+1).
				Debug("retrying action execution")
		}),
	)
	return output, attempts, err
}

// Validate asks the handler for a dry-run preview. Handlers without dry-run
// support report that as an error rather than a fake pass.
func (e *Executor) Validate(ctx context.Context, record *actiontypes.Record) (*actiontypes.ValidationResult, error) {
	handler, ok := e.handlers[record.Handler]
	if !ok {
		return nil, errors.Errorf("no handler registered for %q", record.Handler)
	}
	dry, ok := handler.(DryRunner)
	if !ok {
		return nil, errors.Errorf("handler %q does not support dry-run", record.Handler)
	}
	return dry.Validate(ctx, record.ActionType, record.Payload, record.Context)
}

// Rollback reverses an executed record where the handler supports it.
func (e *Executor) Rollback(ctx context.Context, record *actiontypes.Record) error {
	handler, ok := e.handlers[record.Handler]
	if !ok {
		return errors.Errorf("no handler registered for %q", record.Handler)
	}
	rb, ok := handler.(Rollbacker)
	if !ok {
		return errors.Errorf("handler %q does not support rollback", record.Handler)
	}
	return rb.Rollback(ctx, record.ActionType, record.Payload, record.Context, record.Metadata.ExecutionResult)
}
