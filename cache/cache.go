// Package cache wraps the shared key/value service that backs the
// gateway's policy cache, per-(device,subject) accumulation buffers, and
// the aggregation due-queue. The gateway process holds no authoritative
// in-memory state of its own: every mutation described in spec.md §4.C
// goes through Store, and the two multi-step operations (DrainPoints,
// PopDue) are implemented as single atomic round trips against the
// backing service rather than as two unrelated calls.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetPolicy when no cache entry exists for the
// (device, subject) pair.
var ErrNotFound = errors.New("cache: policy not found")

// Store is the contract every component in this module depends on. The
// production implementation is backed by Redis (see redis.go); tests use
// Memory (see memory.go).
type Store interface {
	// GetPolicy returns the cached policy for (device, subject), or
	// ErrNotFound if no entry exists or it has expired/been invalidated.
	GetPolicy(ctx context.Context, device, subject string) (map[string]any, error)

	// SetPolicy stores policy with the process-wide TTL.
	SetPolicy(ctx context.Context, device, subject string, policy map[string]any) error

	// InvalidatePolicy deletes the cached policy. Idempotent.
	InvalidatePolicy(ctx context.Context, device, subject string) error

	// AppendPoint prepends value to the (device, subject) accumulation
	// buffer, creating it if absent.
	AppendPoint(ctx context.Context, device, subject string, value any) error

	// DrainPoints atomically returns the full ordered buffer for
	// (device, subject) and deletes it. A second immediate call returns
	// an empty slice.
	DrainPoints(ctx context.Context, device, subject string) ([]any, error)

	// Schedule upserts an aggregation due-time for (device, subject),
	// replacing any prior entry for the same pair.
	Schedule(ctx context.Context, device, subject string, dueAt time.Time) error

	// PopDue atomically returns and removes every (device, subject) pair
	// whose due-time is at or before now.
	PopDue(ctx context.Context, now time.Time) ([]Task, error)

	// Ping verifies connectivity to the backing store; used at boot.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error
}

// Task is a due (device, subject) pair popped off the aggregation queue.
type Task struct {
	DeviceID  string
	SubjectID string
}
