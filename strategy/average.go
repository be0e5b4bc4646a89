package strategy

import (
	"context"
	"fmt"

	"privacygateway/cache"
)

// Average accumulates numeric values for later release as their
// arithmetic mean. Execute never publishes; it appends to the cache's
// accumulation buffer and returns nil.
type Average struct {
	store cache.Store
}

// NewAverage constructs the AVG strategy against the shared cache store.
// The store reference is infrastructure, not per-request state: every
// data point it handles is written straight through to the cache.
func NewAverage(store cache.Store) *Average {
	return &Average{store: store}
}

func (a *Average) Execute(ctx context.Context, deviceID, subjectID string, payload map[string]any, params map[string]any) (map[string]any, error) {
	value, ok := asFloat64(payload["value"])
	if !ok {
		return nil, fmt.Errorf("avg: payload value is not numeric")
	}
	if err := a.store.AppendPoint(ctx, deviceID, subjectID, value); err != nil {
		return nil, fmt.Errorf("avg: append point: %w", err)
	}
	return nil, nil
}

// Aggregate returns the arithmetic mean of points. It is undefined
// (returns an error) on an empty slice; callers must only invoke it
// after confirming the drained buffer is non-empty.
func (a *Average) Aggregate(points []any) (any, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("avg: aggregate called on empty buffer")
	}
	var sum float64
	for _, point := range points {
		number, ok := asFloat64(point)
		if !ok {
			return nil, fmt.Errorf("avg: non-numeric point in buffer: %v", point)
		}
		sum += number
	}
	return sum / float64(len(points)), nil
}
