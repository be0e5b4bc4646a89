// Package ingest implements the gateway's inbound data-plane dispatch:
// resolving the privacy policy for a (device, subject) pair, applying
// the matched treatment strategy, and either publishing the result or
// accumulating it for later release. It also carries the notification
// handler that processes upstream cache-invalidation events.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"privacygateway/broker"
	"privacygateway/cache"
	"privacygateway/consent"
	"privacygateway/observability/logging"
	"privacygateway/observability/metrics"
	"privacygateway/policykey"
	"privacygateway/strategy"
)

// Handler processes inbound device-data and MGC-notification messages.
// It holds no per-(device,subject) state: every fact it needs to act on
// a message (policy, accumulation buffer, due-queue entry) is read from
// or written to the cache store inline.
type Handler struct {
	store     cache.Store
	registry  *strategy.Registry
	fetcher   consent.Fetcher
	publisher broker.Client

	outTopicPrefix string
	log            *slog.Logger
	now            func() time.Time
}

// New constructs an ingest Handler. outTopicPrefix is the base topic
// processed payloads are published under as "{outTopicPrefix}/{device_id}".
func New(store cache.Store, registry *strategy.Registry, fetcher consent.Fetcher, publisher broker.Client, outTopicPrefix string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:          store,
		registry:       registry,
		fetcher:        fetcher,
		publisher:      publisher,
		outTopicPrefix: strings.TrimRight(outTopicPrefix, "/"),
		log:            log,
		now:            time.Now,
	}
}

// HandleData is the broker.Handler for the inbound device-data topic.
// Step numbering follows SPEC_FULL.md §4.D.
func (h *Handler) HandleData(topic string, payload []byte) {
	ctx := context.Background()
	metrics.Ingested()

	deviceID, ok := deviceIDFromTopic(topic)
	if !ok {
		h.log.Warn("drop message: topic missing device segment", "topic", topic)
		metrics.Dropped("bad_topic")
		return
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		h.log.Warn("drop message: malformed json", "device", deviceID, "error", err)
		metrics.Dropped("malformed_json")
		return
	}
	subjectID, _ := data["titular_id"].(string)
	if subjectID == "" {
		h.log.Warn("drop message: missing titular_id", "device", deviceID)
		metrics.Dropped("missing_subject")
		return
	}

	policy, err := h.resolvePolicy(ctx, deviceID, subjectID)
	if err != nil {
		h.log.Warn("drop message: policy resolution failed", "device", deviceID, logging.MaskField("subject", subjectID), "error", err)
		metrics.Dropped("policy_unavailable")
		return
	}
	if policy == nil {
		h.log.Info("drop message: no privacy policy available", "device", deviceID, logging.MaskField("subject", subjectID))
		metrics.Dropped("no_policy")
		return
	}

	key := policykey.Parse(policyKeyOf(policy))
	if key.Action == "" {
		h.log.Warn("drop message: policy key missing action", "device", deviceID, logging.MaskField("subject", subjectID))
		metrics.Dropped("missing_action")
		return
	}

	s, ok := h.registry.Get(key.Action)
	if !ok {
		h.log.Warn("drop message: unknown treatment action", "device", deviceID, logging.MaskField("subject", subjectID), "action", key.Action)
		metrics.Dropped("unknown_strategy")
		return
	}

	processed, err := s.Execute(ctx, deviceID, subjectID, data, key.Params)
	if err != nil {
		h.log.Warn("drop message: strategy execution failed", "device", deviceID, logging.MaskField("subject", subjectID), "action", key.Action, "error", err)
		metrics.Dropped("strategy_error")
		return
	}
	if processed == nil {
		metrics.Accumulated()
		return
	}

	h.publish(deviceID, processed)
	metrics.Published()
}

// HandleNotification is the broker.Handler for the MGC invalidation
// topic (SPEC_FULL.md §4.F).
func (h *Handler) HandleNotification(topic string, payload []byte) {
	var notification struct {
		DeviceID  string `json:"dispositivo_id"`
		SubjectID string `json:"titular_id"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		h.log.Warn("drop notification: malformed json", "error", err)
		return
	}
	if notification.DeviceID == "" || notification.SubjectID == "" {
		h.log.Warn("drop notification: missing device or subject id")
		return
	}
	if err := h.store.InvalidatePolicy(context.Background(), notification.DeviceID, notification.SubjectID); err != nil {
		h.log.Warn("invalidate policy failed", "device", notification.DeviceID, logging.MaskField("subject", notification.SubjectID), "error", err)
	}
}

// resolvePolicy implements the cache-then-fetch rule plus the kickstart
// side effect on a fresh fetch.
func (h *Handler) resolvePolicy(ctx context.Context, deviceID, subjectID string) (map[string]any, error) {
	policy, err := h.store.GetPolicy(ctx, deviceID, subjectID)
	if err == nil {
		return policy, nil
	}
	if err != cache.ErrNotFound {
		return nil, err
	}

	policy, err = h.fetcher.FetchPolicy(ctx, deviceID, subjectID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, nil
	}
	if err := h.store.SetPolicy(ctx, deviceID, subjectID, policy); err != nil {
		return nil, err
	}

	h.kickstart(ctx, deviceID, subjectID, policy)
	return policy, nil
}

// kickstart arms the aggregation timer the first time a policy is
// cached, if its action is accumulated and carries a positive interval.
func (h *Handler) kickstart(ctx context.Context, deviceID, subjectID string, policy map[string]any) {
	key := policykey.Parse(policyKeyOf(policy))
	if !h.registry.IsAccumulated(key.Action) || !key.Accumulated() {
		return
	}
	dueAt := h.now().Add(time.Duration(key.IntervalSeconds) * time.Second)
	if err := h.store.Schedule(ctx, deviceID, subjectID, dueAt); err != nil {
		h.log.Warn("kickstart schedule failed", "device", deviceID, logging.MaskField("subject", subjectID), "error", err)
		return
	}
	metrics.Scheduled()
}

func (h *Handler) publish(deviceID string, processed map[string]any) {
	encoded, err := json.Marshal(processed)
	if err != nil {
		h.log.Warn("drop publish: encode failed", "device", deviceID, "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%s", h.outTopicPrefix, deviceID)
	if err := h.publisher.Publish(topic, encoded); err != nil {
		h.log.Warn("publish failed", "topic", topic, "error", err)
	}
}

// policyKeyOf walks policy.opcao_tratamento.chave_politica, returning ""
// if any step of the path is absent or mistyped.
func policyKeyOf(policy map[string]any) string {
	option, ok := policy["opcao_tratamento"].(map[string]any)
	if !ok {
		return ""
	}
	key, _ := option["chave_politica"].(string)
	return key
}

// deviceIDFromTopic extracts the topic's second path segment, per
// SPEC_FULL.md §4.D step 1.
func deviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
