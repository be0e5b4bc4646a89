// Package strategy implements the treatment strategy framework: a named
// registry of pluggable algorithms that transform, accumulate, or drop an
// inbound data point according to its resolved policy key. Strategies
// hold no per-request state of their own; anything that must survive
// between invocations (accumulation buffers, due-queue entries) lives in
// the cache store, not in the strategy.
package strategy

import (
	"context"
	"strings"

	"privacygateway/cache"
)

// Strategy is the capability every registered treatment implements.
// Execute returns a nil map to mean "do not publish now" — the data
// point was either dropped or accumulated for later release. A non-nil
// map means "publish this downstream".
type Strategy interface {
	Execute(ctx context.Context, deviceID, subjectID string, payload map[string]any, params map[string]any) (map[string]any, error)
}

// Accumulated refines Strategy for treatments that defer output to the
// aggregation scheduler.
type Accumulated interface {
	Strategy

	// Aggregate reduces a non-empty slice of drained points to a single
	// published value. Callers must not invoke it with an empty slice.
	Aggregate(points []any) (any, error)
}

// Registry is a lookup from an uppercased action tag to its Strategy.
// Adding a new treatment is a registration-only change: nothing in
// ingest or scheduler needs to change to support it.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds the registry with the built-in treatments (RAW,
// GNOISE, AVG) plus any extra strategies supplied by the caller, keyed by
// uppercased action tag.
func NewRegistry(store cache.Store, extra map[string]Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.register("RAW", NewRaw())
	r.register("GNOISE", NewGaussianNoise())
	r.register("AVG", NewAverage(store))
	for action, s := range extra {
		r.register(action, s)
	}
	return r
}

func (r *Registry) register(action string, s Strategy) {
	r.strategies[strings.ToUpper(action)] = s
}

// Get returns the strategy registered for action, if any.
func (r *Registry) Get(action string) (Strategy, bool) {
	s, ok := r.strategies[strings.ToUpper(action)]
	return s, ok
}

// IsAccumulated reports whether the strategy registered for action
// defers its output to the aggregation scheduler.
func (r *Registry) IsAccumulated(action string) bool {
	s, ok := r.Get(action)
	if !ok {
		return false
	}
	_, ok = s.(Accumulated)
	return ok
}
