// Package scheduler runs the background aggregation loop: on every tick
// it pops due (device, subject) pairs off the cache's due-queue, drains
// their accumulation buffer, reduces it through the matched Accumulated
// strategy, and publishes the result — rescheduling the next tick from
// the policy's interval rather than the prior due-time, so cadence drifts
// with processing latency instead of coalescing missed ticks.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"privacygateway/broker"
	"privacygateway/cache"
	"privacygateway/consent"
	"privacygateway/observability/logging"
	"privacygateway/observability/metrics"
	"privacygateway/policykey"
	"privacygateway/strategy"
)

// Scheduler drives the periodic aggregation sweep described in
// SPEC_FULL.md §4.E.
type Scheduler struct {
	store     cache.Store
	registry  *strategy.Registry
	fetcher   consent.Fetcher
	publisher broker.Client

	outTopicPrefix string
	tick           time.Duration
	log            *slog.Logger
	now            func() time.Time
}

// New constructs a Scheduler. tick is the polling interval of the
// background loop, not the per-subject aggregation interval — each
// (device, subject) pair carries its own interval in its policy key.
func New(store cache.Store, registry *strategy.Registry, fetcher consent.Fetcher, publisher broker.Client, outTopicPrefix string, tick time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:          store,
		registry:       registry,
		fetcher:        fetcher,
		publisher:      publisher,
		outTopicPrefix: outTopicPrefix,
		tick:           tick,
		log:            log,
		now:            time.Now,
	}
}

// Run polls on Scheduler's tick interval until ctx is cancelled. It
// returns once the in-flight tick (if any) completes, so shutdown
// latency is bounded by a single tick's processing time, never by the
// tick interval itself.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep pops every due task and processes each independently; one
// task's failure never blocks another's.
func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.store.PopDue(ctx, s.now())
	if err != nil {
		s.log.Warn("pop due tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		s.process(ctx, task)
	}
}

func (s *Scheduler) process(ctx context.Context, task cache.Task) {
	policy, err := s.resolvePolicy(ctx, task.DeviceID, task.SubjectID)
	if err != nil {
		s.log.Warn("aggregation: policy resolution failed", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "error", err)
		return
	}
	if policy == nil {
		s.log.Info("aggregation: no policy, dropping without reschedule", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID))
		return
	}

	key := policykey.Parse(policyKeyOf(policy))
	s.processForKey(ctx, task, key)
}

func (s *Scheduler) processForKey(ctx context.Context, task cache.Task, key policykey.Key) {
	if !key.Accumulated() {
		s.log.Warn("aggregation: policy is no longer accumulated, dropping without reschedule", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID))
		return
	}

	strat, ok := s.registry.Get(key.Action)
	if !ok {
		s.log.Warn("aggregation: unknown treatment action, dropping without reschedule", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "action", key.Action)
		return
	}
	accumulator, ok := strat.(strategy.Accumulated)
	if !ok {
		s.log.Warn("aggregation: strategy is not accumulated, dropping without reschedule", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "action", key.Action)
		return
	}

	points, err := s.store.DrainPoints(ctx, task.DeviceID, task.SubjectID)
	if err != nil {
		s.log.Warn("aggregation: drain points failed", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "error", err)
		return
	}
	if len(points) == 0 {
		s.reschedule(ctx, task, key)
		return
	}

	value, err := accumulator.Aggregate(points)
	if err != nil {
		s.log.Warn("aggregation: reduce failed", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "error", err)
		s.reschedule(ctx, task, key)
		return
	}

	s.publish(task, value)
	metrics.Fired()
	s.reschedule(ctx, task, key)
}

func (s *Scheduler) reschedule(ctx context.Context, task cache.Task, key policykey.Key) {
	dueAt := s.now().Add(time.Duration(key.IntervalSeconds) * time.Second)
	if err := s.store.Schedule(ctx, task.DeviceID, task.SubjectID, dueAt); err != nil {
		s.log.Warn("aggregation: reschedule failed", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "error", err)
		return
	}
	metrics.Scheduled()
}

func (s *Scheduler) resolvePolicy(ctx context.Context, deviceID, subjectID string) (map[string]any, error) {
	policy, err := s.store.GetPolicy(ctx, deviceID, subjectID)
	if err == nil {
		return policy, nil
	}
	if err != cache.ErrNotFound {
		return nil, err
	}

	policy, err = s.fetcher.FetchPolicy(ctx, deviceID, subjectID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, nil
	}
	if err := s.store.SetPolicy(ctx, deviceID, subjectID, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

func (s *Scheduler) publish(task cache.Task, value any) {
	encoded, err := json.Marshal(map[string]any{
		"dispositivo_id": task.DeviceID,
		"titular_id":     task.SubjectID,
		"value":          value,
	})
	if err != nil {
		s.log.Warn("aggregation: encode result failed", "device", task.DeviceID, logging.MaskField("subject", task.SubjectID), "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%s", s.outTopicPrefix, task.DeviceID)
	if err := s.publisher.Publish(topic, encoded); err != nil {
		s.log.Warn("aggregation: publish failed", "topic", topic, "error", err)
	}
}

func policyKeyOf(policy map[string]any) string {
	option, ok := policy["opcao_tratamento"].(map[string]any)
	if !ok {
		return ""
	}
	key, _ := option["chave_politica"].(string)
	return key
}
