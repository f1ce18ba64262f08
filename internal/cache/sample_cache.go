// Package cache implements the Sample Cache: an in-memory last-value table
// keyed by (measurement, item), age-bounded rather than size-bounded.
package cache

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vitaliisemenov/hostagent/internal/metric"
	"github.com/vitaliisemenov/hostagent/pkg/metrics"
)

// defaultCapacity is generous enough that the cache's real bound in
// practice is the TTL, not the entry count: a host reporting a few
// thousand distinct (measurement, item) pairs per cycle never gets close.
const defaultCapacity = 200_000

// SampleCache holds the most recent Sample for each (measurement, item)
// pair seen by the Derivation Engine, discarding entries older than MaxAge.
type SampleCache struct {
	lru     *expirable.LRU[metric.Key, metric.Sample]
	logger  *slog.Logger
	metrics *metrics.IngestMetrics
}

// New creates a SampleCache whose entries expire after maxAge.
func New(maxAge time.Duration, logger *slog.Logger, m *metrics.IngestMetrics) *SampleCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SampleCache{
		lru:     expirable.NewLRU[metric.Key, metric.Sample](defaultCapacity, nil, maxAge),
		logger:  logger.With("component", "sample_cache"),
		metrics: m,
	}
}

// Put stores s as the last known value for its (measurement, item) key.
func (c *SampleCache) Put(s metric.Sample) {
	key := metric.Key{Measurement: s.Measurement, Item: s.Item}
	c.lru.Add(key, s)
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(c.lru.Len()))
	}
}

// Get returns the last known sample for key, if present and not yet expired.
func (c *SampleCache) Get(key metric.Key) (metric.Sample, bool) {
	return c.lru.Get(key)
}

// Len returns the number of entries currently cached.
func (c *SampleCache) Len() int {
	return c.lru.Len()
}

// Purge removes every entry whose key is in deleted, on top of whatever the
// TTL has already expired. The Reconciler calls this after a service/metric
// deregisters so stale cache entries don't linger until their TTL runs out.
func (c *SampleCache) Purge(deleted []metric.Key) {
	removed := 0
	for _, key := range deleted {
		if c.lru.Remove(key) {
			removed++
		}
	}
	if removed > 0 && c.metrics != nil {
		c.metrics.CachePurgedTotal.Add(float64(removed))
	}
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(c.lru.Len()))
	}
	c.logger.Debug("purged sample cache", "explicit_removed", removed, "remaining", c.lru.Len())
}
