package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestMetrics tracks the collector listener, derivation engine and sample
// cache: everything between a line landing on the TCP socket and it being
// available for threshold evaluation.
type IngestMetrics struct {
	SamplesReceivedTotal   *prometheus.CounterVec
	DerivationPendingTotal prometheus.Gauge
	CacheSize              prometheus.Gauge
	CachePurgedTotal       prometheus.Counter
	ConnectionsActive      prometheus.Gauge
}

// NewIngestMetrics registers and returns the ingest metrics for namespace ns.
func NewIngestMetrics(ns string) *IngestMetrics {
	return &IngestMetrics{
		SamplesReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "ingest",
				Name:      "samples_received_total",
				Help:      "Samples parsed off the collector socket, by outcome (accepted, malformed, renamed).",
			},
			[]string{"outcome"},
		),
		DerivationPendingTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "ingest",
				Name:      "derivation_pending",
				Help:      "Derived metrics waiting on a dependency sample.",
			},
		),
		CacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "ingest",
				Name:      "cache_size",
				Help:      "Entries currently held in the sample cache.",
			},
		),
		CachePurgedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "ingest",
				Name:      "cache_purged_total",
				Help:      "Entries removed from the sample cache by Purge.",
			},
		),
		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "ingest",
				Name:      "collector_connections_active",
				Help:      "Open connections on the collector listener.",
			},
		),
	}
}
