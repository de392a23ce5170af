package resilience

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
)

// ShutdownHandler closes one component within the given context's deadline.
type ShutdownHandler func(ctx context.Context) error

type shutdownEntry struct {
	name     string
	priority int
	order    int
	fn       ShutdownHandler
}

// ShutdownRegistry runs named close handlers in priority order on shutdown.
// Higher priorities close first; priority 1 is the last thing to go, so the
// HTTP listener registers high and the database pool registers at 1.
type ShutdownRegistry struct {
	mu      sync.Mutex
	entries []shutdownEntry
	timeout time.Duration
	once    sync.Once
	err     error
}

// NewShutdownRegistry creates a registry with a per-handler deadline.
// Zero means 10 seconds.
func NewShutdownRegistry(perHandlerTimeout time.Duration) *ShutdownRegistry {
	if perHandlerTimeout <= 0 {
		perHandlerTimeout = 10 * time.Second
	}
	return &ShutdownRegistry{timeout: perHandlerTimeout}
}

// Register adds a named handler at the given priority.
func (r *ShutdownRegistry) Register(name string, priority int, fn ShutdownHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, shutdownEntry{name: name, priority: priority, order: len(r.entries), fn: fn})
}

// Shutdown runs every handler once, highest priority first. Each handler gets
// a bounded deadline; a failing or stuck handler is logged and skipped so
// shutdown always completes. The aggregated error covers every failure.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) error {
	r.once.Do(func() { r.err = r.run(ctx) })
	return r.err
}

func (r *ShutdownRegistry) run(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]shutdownEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].order < entries[j].order
	})

	var result *multierror.Error
	for _, entry := range entries {
		log := logger.G(ctx).WithField("handler", entry.name)
		log.Info("running shutdown handler")

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		done := make(chan error, 1)
		go func(fn ShutdownHandler) {
			done <- fn(hctx)
		}(entry.fn)

		var err error
		select {
		case err = <-done:
		case <-hctx.Done():
			err = errors.Errorf("shutdown handler %q timed out after %s", entry.name, r.timeout)
		}
		cancel()

		if err != nil {
			log.WithError(err).Warn("shutdown handler failed")
			result = multierror.Append(result, errors.Wrapf(err, "handler %q", entry.name))
		}
	}
	return result.ErrorOrNil()
}

// Listen blocks until SIGTERM/SIGINT or context cancellation, then runs
// Shutdown.
func (r *ShutdownRegistry) Listen(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.G(ctx).WithField("signal", sig.String()).Info("shutdown signal received")
	case <-ctx.Done():
	}
	return r.Shutdown(context.WithoutCancel(ctx))
}
