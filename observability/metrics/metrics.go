// Package metrics exposes the gateway's Prometheus series. It follows
// the same sync.Once singleton-registry shape the teacher repo uses for
// its own domain metrics, adapted here for the data-plane counters named
// in SPEC_FULL.md §4.J: messages ingested/dropped/published/accumulated,
// aggregation tasks scheduled/fired, and consent-service latency.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway holds every Prometheus collector the privacy gateway emits.
type Gateway struct {
	ingested    prometheus.Counter
	dropped     *prometheus.CounterVec
	published   prometheus.Counter
	accumulated prometheus.Counter
	scheduled   prometheus.Counter
	fired       prometheus.Counter
	consentCall prometheus.Histogram
}

var (
	once     sync.Once
	registry *Gateway
)

// Default returns the process-wide Gateway metrics singleton,
// registering its collectors with prometheus.DefaultRegisterer on first
// use.
func Default() *Gateway {
	once.Do(func() {
		registry = &Gateway{
			ingested: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "privacy_gateway_messages_ingested_total",
				Help: "Count of inbound device-data messages received, before any drop or dispatch decision.",
			}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "privacy_gateway_messages_dropped_total",
				Help: "Count of inbound messages dropped, by reason.",
			}, []string{"reason"}),
			published: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "privacy_gateway_messages_published_total",
				Help: "Count of processed payloads published to the output topic.",
			}),
			accumulated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "privacy_gateway_points_accumulated_total",
				Help: "Count of data points appended to an accumulation buffer.",
			}),
			scheduled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "privacy_gateway_aggregation_scheduled_total",
				Help: "Count of aggregation tasks scheduled or rescheduled.",
			}),
			fired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "privacy_gateway_aggregation_fired_total",
				Help: "Count of aggregation tasks that published a result.",
			}),
			consentCall: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "privacy_gateway_consent_call_seconds",
				Help:    "Latency of outbound calls to the consent-management service.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			registry.ingested,
			registry.dropped,
			registry.published,
			registry.accumulated,
			registry.scheduled,
			registry.fired,
			registry.consentCall,
		)
	})
	return registry
}

// Ingested increments the ingested-message counter.
func Ingested() { Default().ingested.Inc() }

// Dropped increments the dropped-message counter for reason.
func Dropped(reason string) { Default().dropped.WithLabelValues(reason).Inc() }

// Published increments the published-message counter.
func Published() { Default().published.Inc() }

// Accumulated increments the accumulated-point counter.
func Accumulated() { Default().accumulated.Inc() }

// Scheduled increments the aggregation-scheduled counter.
func Scheduled() { Default().scheduled.Inc() }

// Fired increments the aggregation-fired counter.
func Fired() { Default().fired.Inc() }

// ObserveConsentCall records the duration of a single consent-service call.
func ObserveConsentCall(d time.Duration) { Default().consentCall.Observe(d.Seconds()) }
