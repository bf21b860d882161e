// Package metric manages prometheus metric registration for the pipeline.
// Core pipeline metrics are always registered; components add their own
// metrics through the Registry interface.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prometheus namespace for all pipeline metrics
const Namespace = "tagpipe"

// Metrics holds the core pipeline metrics shared across components
type Metrics struct {
	// EventsConsumed counts consumed messages by consumer and final
	// acknowledgment decision (acked, rejected)
	EventsConsumed *prometheus.CounterVec

	// ProcessingDuration observes end-to-end per-message processing time
	ProcessingDuration *prometheus.HistogramVec

	// EventsPublished counts publish attempts by routing key and outcome
	EventsPublished *prometheus.CounterVec

	// EnrichmentRequests counts enrichment calls by outcome
	// (success, refused, transient)
	EnrichmentRequests *prometheus.CounterVec

	// TagsDropped counts enrichment tags dropped for violating the format
	TagsDropped prometheus.Counter

	// GraphWrites counts graph transactions by operation and outcome
	GraphWrites *prometheus.CounterVec

	// BrokerConnected is 1 while the broker connection is up
	BrokerConnected prometheus.Gauge
}

// NewMetrics creates the core pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_consumed_total",
			Help:      "Messages consumed by consumer and acknowledgment decision",
		}, []string{"consumer", "outcome"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "processing_duration_seconds",
			Help:      "Per-message processing time from delivery to acknowledgment",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"consumer"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_published_total",
			Help:      "Publish attempts by routing key and outcome",
		}, []string{"routing_key", "outcome"}),
		EnrichmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "enrichment_requests_total",
			Help:      "Enrichment service calls by outcome",
		}, []string{"outcome"}),
		TagsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "enrichment_tags_dropped_total",
			Help:      "Tags dropped for violating the snake_case format",
		}),
		GraphWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "graph_writes_total",
			Help:      "Graph write transactions by operation and outcome",
		}, []string{"operation", "outcome"}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "broker_connected",
			Help:      "Whether the broker connection is currently established",
		}),
	}
}
