package pipeline

import (
	"context"
	"math/rand"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/types/chat"
)

// SelectorOptions tune pipeline routing.
type SelectorOptions struct {
	// OptimizedFlow gates the hot path entirely; false means legacy always.
	OptimizedFlow bool
	// OptimizedRatio in [0,1] is the A/B share routed to the hot path.
	OptimizedRatio float64
	// Rand overrides the ratio draw in tests.
	Rand func() float64
}

// Selector routes requests between the two pipelines and falls back from
// optimized to legacy on error.
type Selector struct {
	optimized *Optimized
	legacy    *Legacy
	opts      SelectorOptions
}

// NewSelector wires the router.
func NewSelector(optimized *Optimized, legacy *Legacy, opts SelectorOptions) *Selector {
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Selector{optimized: optimized, legacy: legacy, opts: opts}
}

// Handle picks a pipeline and answers the request. Legacy mode wins outright;
// otherwise the ratio draw decides, and an optimized failure falls back to
// legacy.
func (s *Selector) Handle(ctx context.Context, req Request) (*chat.Result, error) {
	if !s.useOptimized() {
		return s.legacy.Handle(ctx, req)
	}

	result, err := s.optimized.Handle(ctx, req)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("optimized pipeline failed, falling back to legacy")
		return s.legacy.Handle(ctx, req)
	}
	return result, nil
}

func (s *Selector) useOptimized() bool {
	if !s.opts.OptimizedFlow || s.optimized == nil {
		return false
	}
	if s.opts.OptimizedRatio >= 1 {
		return true
	}
	return s.opts.Rand() < s.opts.OptimizedRatio
}
