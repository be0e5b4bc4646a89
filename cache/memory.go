package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests in place of Redis. It
// reproduces the same atomicity contracts (drain-and-delete, pop-and-remove)
// by holding a single mutex across the whole operation, the way
// gateway/middleware's RateLimiter guards its visitor map.
type Memory struct {
	mu       sync.Mutex
	policies map[string]memoryPolicy
	data     map[string][]any
	due      map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

type memoryPolicy struct {
	value     map[string]any
	expiresAt time.Time
}

// NewMemory constructs an empty Memory store with the given TTL applied
// to SetPolicy entries.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		policies: make(map[string]memoryPolicy),
		data:     make(map[string][]any),
		due:      make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) GetPolicy(ctx context.Context, device, subject string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.policies[policyKey(device, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.policies, policyKey(device, subject))
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) SetPolicy(ctx context.Context, device, subject string, policy map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if m.ttl > 0 {
		expiresAt = m.now().Add(m.ttl)
	}
	m.policies[policyKey(device, subject)] = memoryPolicy{value: policy, expiresAt: expiresAt}
	return nil
}

func (m *Memory) InvalidatePolicy(ctx context.Context, device, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, policyKey(device, subject))
	return nil
}

func (m *Memory) AppendPoint(ctx context.Context, device, subject string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dataKey(device, subject)
	m.data[key] = append([]any{value}, m.data[key]...)
	return nil
}

func (m *Memory) DrainPoints(ctx context.Context, device, subject string) ([]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dataKey(device, subject)
	points := m.data[key]
	delete(m.data, key)
	return points, nil
}

func (m *Memory) Schedule(ctx context.Context, device, subject string, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due[memberKey(device, subject)] = dueAt
	return nil
}

func (m *Memory) PopDue(ctx context.Context, now time.Time) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0)
	for member, dueAt := range m.due {
		if !dueAt.After(now) {
			members = append(members, member)
		}
	}
	sort.Strings(members)
	tasks := make([]Task, 0, len(members))
	for _, member := range members {
		delete(m.due, member)
		device, subject, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		tasks = append(tasks, Task{DeviceID: device, SubjectID: subject})
	}
	return tasks, nil
}

// SetNow overrides the clock used for TTL expiry checks. Test-only.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// DueLen reports the number of pending entries in the due-queue. Test-only.
func (m *Memory) DueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.due)
}
