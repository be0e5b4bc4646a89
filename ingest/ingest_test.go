package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"privacygateway/broker"
	"privacygateway/cache"
	"privacygateway/strategy"
)

type fakeFetcher struct {
	policy map[string]any
	err    error
	calls  int
}

func (f *fakeFetcher) FetchPolicy(ctx context.Context, deviceID, subjectID string) (map[string]any, error) {
	f.calls++
	return f.policy, f.err
}

func policyWithKey(key string) map[string]any {
	return map[string]any{"opcao_tratamento": map[string]any{"chave_politica": key}}
}

func newHandler(t *testing.T, store cache.Store, fetcher *fakeFetcher, pub broker.Client) *Handler {
	t.Helper()
	registry := strategy.NewRegistry(store, nil)
	return New(store, registry, fetcher, pub, "out", nil)
}

func TestRawForwarding(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("RAW")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	payload := `{"dispositivo_id":"d1","titular_id":"s1","value":42}`
	h.HandleData("data/d1", []byte(payload))

	published := pub.All()
	if len(published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(published))
	}
	if published[0].Topic != "out/d1" {
		t.Fatalf("unexpected topic %q", published[0].Topic)
	}
	var got map[string]any
	if err := json.Unmarshal(published[0].Payload, &got); err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	if got["value"].(float64) != 42 {
		t.Fatalf("expected value 42 forwarded unchanged, got %v", got["value"])
	}
}

func TestGNoiseZeroSigma(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("GNOISE:sigma=0")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":10,"label":"x"}`))

	published := pub.All()
	if len(published) != 1 {
		t.Fatalf("expected one publish, got %d", len(published))
	}
	var got map[string]any
	if err := json.Unmarshal(published[0].Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["value"].(float64) != 10 {
		t.Fatalf("expected value 10 with sigma=0, got %v", got["value"])
	}
	if got["label"] != "x" {
		t.Fatalf("expected label passthrough, got %v", got["label"])
	}
}

func TestAvgFirstPointAccumulatesAndKickstarts(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("AVG::0:10S")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)
	fixedNow := time.Unix(1000, 0)
	h.now = func() time.Time { return fixedNow }

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":5}`))

	if len(pub.All()) != 0 {
		t.Fatalf("AVG must not publish on first point")
	}
	if store.DueLen() != 1 {
		t.Fatalf("expected a kickstarted due-queue entry")
	}
	tasks, err := store.PopDue(context.Background(), fixedNow.Add(10*time.Second))
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(tasks) != 1 || tasks[0].DeviceID != "d1" || tasks[0].SubjectID != "s1" {
		t.Fatalf("unexpected due tasks: %v", tasks)
	}
}

func TestKickstartOnlyOnFreshFetchNotOnCacheHit(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	if err := store.SetPolicy(context.Background(), "d1", "s1", policyWithKey("AVG::0:10S")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	fetcher := &fakeFetcher{policy: policyWithKey("AVG::0:10S")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":5}`))

	if fetcher.calls != 0 {
		t.Fatalf("expected cache hit to skip consent fetch, got %d calls", fetcher.calls)
	}
	if store.DueLen() != 0 {
		t.Fatalf("cache hit must not re-kickstart, got %d due entries", store.DueLen())
	}
}

func TestUnknownStrategyDropsWithoutPublish(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("DROP")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":1}`))

	if len(pub.All()) != 0 {
		t.Fatalf("expected no publish for unknown strategy")
	}
}

func TestMissingSubjectDrops(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("RAW")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","value":1}`))

	if len(pub.All()) != 0 {
		t.Fatalf("expected no publish when titular_id missing")
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no consent fetch when message is dropped before policy resolution")
	}
}

func TestEmptyPolicyKeyDrops(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: policyWithKey("")}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":1}`))

	if len(pub.All()) != 0 {
		t.Fatalf("expected no publish for empty policy key")
	}
}

func TestConsentFetchFailureDrops(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	fetcher := &fakeFetcher{policy: nil}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleData("data/d1", []byte(`{"dispositivo_id":"d1","titular_id":"s1","value":1}`))

	if len(pub.All()) != 0 {
		t.Fatalf("expected no publish when consent fetch yields no policy")
	}
}

func TestHandleNotificationInvalidatesCache(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	if err := store.SetPolicy(context.Background(), "d1", "s1", policyWithKey("RAW")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	fetcher := &fakeFetcher{}
	pub := broker.NewFake()
	h := newHandler(t, store, fetcher, pub)

	h.HandleNotification("notifications", []byte(`{"dispositivo_id":"d1","titular_id":"s1"}`))

	if _, err := store.GetPolicy(context.Background(), "d1", "s1"); err != cache.ErrNotFound {
		t.Fatalf("expected cache miss after invalidation, got %v", err)
	}
}

func TestHandleNotificationMalformedDropped(t *testing.T) {
	store := cache.NewMemory(time.Minute)
	if err := store.SetPolicy(context.Background(), "d1", "s1", policyWithKey("RAW")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	h := newHandler(t, store, &fakeFetcher{}, broker.NewFake())

	h.HandleNotification("notifications", []byte(`not-json`))

	if _, err := store.GetPolicy(context.Background(), "d1", "s1"); err != nil {
		t.Fatalf("malformed notification must not evict cache, got %v", err)
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	cases := map[string]string{
		"data/d1":          "d1",
		"data/d1/extra":    "d1",
		"onlyonesegment":   "",
		"":                 "",
		"/d1":              "d1",
	}
	for topic, want := range cases {
		got, ok := deviceIDFromTopic(topic)
		if want == "" {
			if ok {
				t.Fatalf("topic %q: expected no device id, got %q", topic, got)
			}
			continue
		}
		if !ok || got != want {
			t.Fatalf("topic %q: got %q,%v want %q", topic, got, ok, want)
		}
	}
}
