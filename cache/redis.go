package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backed by a shared Redis instance.
// It holds no per-request state of its own; every sequence of commands
// that must be atomic (drain, pop-due) is executed as a single
// TxPipelined round trip, matching the "atomic drain" design note in
// SPEC_FULL.md §4.C.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	queueKey string
	log      *slog.Logger
}

// Config configures a RedisStore.
type Config struct {
	Host     string
	Port     int
	TTL      time.Duration
	QueueKey string
}

// NewRedisStore dials the configured Redis instance. It does not ping the
// server; callers should call Ping during boot per spec.md §6's exit
// behavior ("process exits non-zero if the cache service is unreachable
// at startup").
func NewRedisStore(cfg Config, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{Addr: addr})
	queueKey := cfg.QueueKey
	if strings.TrimSpace(queueKey) == "" {
		queueKey = "agg_queue"
	}
	return &RedisStore{client: client, ttl: cfg.TTL, queueKey: queueKey, log: log}
}

func policyKey(device, subject string) string {
	return "policy:" + device + ":" + subject
}

func dataKey(device, subject string) string {
	return "data:" + device + ":" + subject
}

func memberKey(device, subject string) string {
	return device + ":" + subject
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetPolicy(ctx context.Context, device, subject string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, policyKey(device, subject)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	var policy map[string]any
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return nil, fmt.Errorf("decode cached policy: %w", err)
	}
	return policy, nil
}

func (s *RedisStore) SetPolicy(ctx context.Context, device, subject string, policy map[string]any) error {
	encoded, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	ttl := s.ttl
	if ttl <= 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, policyKey(device, subject), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidatePolicy(ctx context.Context, device, subject string) error {
	if err := s.client.Del(ctx, policyKey(device, subject)).Err(); err != nil {
		return fmt.Errorf("invalidate policy: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendPoint(ctx context.Context, device, subject string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode data point: %w", err)
	}
	if err := s.client.LPush(ctx, dataKey(device, subject), encoded).Err(); err != nil {
		return fmt.Errorf("append data point: %w", err)
	}
	return nil
}

// DrainPoints executes LRANGE+DEL inside a single TxPipelined call so the
// read and the delete are indivisible from the perspective of a
// concurrent AppendPoint: a point appended after the pipeline starts
// either lands entirely in this drain's result or entirely in the next
// buffer, never both and never lost.
func (s *RedisStore) DrainPoints(ctx context.Context, device, subject string) ([]any, error) {
	key := dataKey(device, subject)
	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain data points: %w", err)
	}
	raw, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("drain data points: %w", err)
	}
	points := make([]any, 0, len(raw))
	for _, item := range raw {
		var value any
		if err := json.Unmarshal([]byte(item), &value); err != nil {
			s.log.Warn("drop malformed accumulated point", "device", device, "subject", subject, "error", err)
			continue
		}
		points = append(points, value)
	}
	return points, nil
}

func (s *RedisStore) Schedule(ctx context.Context, device, subject string, dueAt time.Time) error {
	member := memberKey(device, subject)
	score := float64(dueAt.UnixNano()) / float64(time.Second)
	if err := s.client.ZAdd(ctx, s.queueKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("schedule aggregation: %w", err)
	}
	return nil
}

// PopDue executes ZRANGEBYSCORE and ZREMRANGEBYSCORE over the identical
// score range inside a single TxPipelined call. MULTI/EXEC runs both
// commands back to back with no other client's commands interleaved, so
// a concurrent Schedule either lands before the range snapshot (and is
// popped here if its due-time is already reached) or after EXEC completes
// (and waits for a later tick) —
// never both dispatched and rescheduled in the same pass.
func (s *RedisStore) PopDue(ctx context.Context, now time.Time) ([]Task, error) {
	max := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', -1, 64)
	var membersCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		membersCmd = pipe.ZRangeByScore(ctx, s.queueKey, &redis.ZRangeBy{Min: "-inf", Max: max})
		pipe.ZRemRangeByScore(ctx, s.queueKey, "-inf", max)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pop due tasks: %w", err)
	}
	members, err := membersCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("pop due tasks: %w", err)
	}
	tasks := make([]Task, 0, len(members))
	for _, member := range members {
		device, subject, ok := strings.Cut(member, ":")
		if !ok {
			s.log.Warn("drop malformed aggregation queue member", "member", member)
			continue
		}
		tasks = append(tasks, Task{DeviceID: device, SubjectID: subject})
	}
	return tasks, nil
}
