// Package broker wires the gateway to the pub/sub message broker that
// carries inbound device data, inbound MGC invalidation notifications,
// and outbound processed payloads (spec.md §6).
package broker

// Handler processes a single inbound message on the topic it was
// subscribed under.
//
// Callback concurrency contract: the paho client backing Client
// delivers every subscribed callback from its own single internal
// dispatch goroutine, serially, one message at a time — it never runs
// two Handlers concurrently with each other. This is what lets the
// ingest handler (package ingest) treat its own sequence of
// append_point/schedule calls as single-threaded relative to itself, as
// required by SPEC_FULL.md §5. It does NOT serialize against the
// scheduler's background goroutine, which is a second, independent
// execution context; both contexts rely on the cache store's own
// atomicity, not on broker serialization, to stay correct.
type Handler func(topic string, payload []byte)

// Client is the narrow surface the gateway depends on. The production
// implementation (Paho, see paho.go) and any test fake both satisfy it.
type Client interface {
	// Subscribe registers handler for topicFilter (which may use the
	// broker's wildcard syntax). Subscriptions take effect before the
	// first inbound message is delivered.
	Subscribe(topicFilter string, handler Handler) error

	// Publish hands payload off to the broker for delivery to topic.
	// Publishing is a non-blocking, best-effort operation: the gateway
	// does not wait for broker acknowledgement before returning.
	Publish(topic string, payload []byte) error

	// Disconnect closes the connection cleanly.
	Disconnect()
}
