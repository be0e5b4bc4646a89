package broker

import "sync"

// Published is a single recorded outbound message.
type Published struct {
	Topic   string
	Payload []byte
}

// Fake is an in-process Client for tests: Publish records every call
// instead of sending anything over the network, and Subscribe just
// remembers the handler so a test can drive it directly.
type Fake struct {
	mu        sync.Mutex
	published []Published
	handlers  map[string]Handler
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

func (f *Fake) Subscribe(topicFilter string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topicFilter] = handler
	return nil
}

func (f *Fake) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *Fake) Disconnect() {}

// Deliver invokes the handler registered for topicFilter as if a message
// arrived on topic, for driving ingest/notification tests directly.
func (f *Fake) Deliver(topicFilter, topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topicFilter]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// All returns a copy of every message published so far.
func (f *Fake) All() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}
