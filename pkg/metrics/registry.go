// Package metrics provides centralized metrics management for the agent.
//
// Metrics are self-observability only: queue depths, reconciliation outcomes,
// publisher reconnects, derivation backlog. None of it leaves the process via
// the collector/publisher data path; it exists purely so an operator (or this
// agent's own status output) can see what the agent itself is doing.
//
// All metrics are named hostagent_<subsystem>_<metric_name>, where the
// subsystem is the category (ingest, reconciler, publisher), or
// technical_retry for the retry metrics.
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryIngest covers the collector listener, derivation engine and sample cache.
	CategoryIngest MetricCategory = "ingest"

	// CategoryReconciler covers the reconciliation loop against the Bleemeo API.
	CategoryReconciler MetricCategory = "reconciler"

	// CategoryPublisher covers the outbound MQTT publishing session.
	CategoryPublisher MetricCategory = "publisher"
)

// MetricsRegistry is the central registry for all Prometheus metrics,
// organized by category and lazily initialized on first access.
type MetricsRegistry struct {
	namespace string

	ingest     *IngestMetrics
	reconciler *ReconcilerMetrics
	publisher  *PublisherMetrics

	ingestOnce     sync.Once
	reconcilerOnce sync.Once
	publisherOnce  sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("hostagent")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the given namespace.
// For most use cases, use DefaultRegistry() instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "hostagent"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Ingest returns the Ingest metrics manager, lazy-initialized on first access.
func (r *MetricsRegistry) Ingest() *IngestMetrics {
	r.ingestOnce.Do(func() {
		r.ingest = NewIngestMetrics(r.namespace)
	})
	return r.ingest
}

// Reconciler returns the Reconciler metrics manager, lazy-initialized on first access.
func (r *MetricsRegistry) Reconciler() *ReconcilerMetrics {
	r.reconcilerOnce.Do(func() {
		r.reconciler = NewReconcilerMetrics(r.namespace)
	})
	return r.reconciler
}

// Publisher returns the Publisher metrics manager, lazy-initialized on first access.
func (r *MetricsRegistry) Publisher() *PublisherMetrics {
	r.publisherOnce.Do(func() {
		r.publisher = NewPublisherMetrics(r.namespace)
	})
	return r.publisher
}

// Namespace returns the configured namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
