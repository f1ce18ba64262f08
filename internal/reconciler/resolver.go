package reconciler

import (
	"sync"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
	"github.com/vitaliisemenov/hostagent/internal/state"
)

// resolverCacheTTL bounds how stale MetricIndex's view of the registered
// metrics can be; register-metrics runs every reconciliation pass (15s by
// default) so a few seconds of staleness here never meaningfully delays
// resolution.
const resolverCacheTTL = 5 * time.Second

// MetricIndex implements publisher.MetricResolver by reading the same
// registered_metrics state key the register-metrics step maintains. It
// never writes to the store; the Reconciler remains the sole writer.
type MetricIndex struct {
	store *state.Store

	mu       sync.Mutex
	byKey    map[metric.Key]string
	loadedAt time.Time
}

// NewMetricIndex creates a MetricIndex over store.
func NewMetricIndex(store *state.Store) *MetricIndex {
	return &MetricIndex{store: store}
}

// ResolveMetricID looks up the remote id registered for (measurement,
// item). Service is accepted to satisfy publisher.MetricResolver's
// signature but isn't part of the lookup key: a metric's (label, item)
// pair is already unique within one agent's registered set.
func (idx *MetricIndex) ResolveMetricID(measurement, _ string, item string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.byKey == nil || time.Since(idx.loadedAt) >= resolverCacheTTL {
		idx.reload()
	}

	id, ok := idx.byKey[metric.Key{Measurement: measurement, Item: item}]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// reload rebuilds byKey from the store. Must be called with idx.mu held.
func (idx *MetricIndex) reload() {
	var registered []metric.RegisteredMetric
	if _, err := idx.store.Get(registeredMetricsKey, &registered); err != nil {
		idx.byKey = map[metric.Key]string{}
		idx.loadedAt = time.Now()
		return
	}

	byKey := make(map[metric.Key]string, len(registered))
	for _, m := range registered {
		if !m.IsRegistered() {
			continue
		}
		byKey[metric.Key{Measurement: m.Label, Item: m.Item}] = m.UUID
	}
	idx.byKey = byKey
	idx.loadedAt = time.Now()
}
