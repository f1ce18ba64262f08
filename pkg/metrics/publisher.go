package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PublisherMetrics tracks the outbound MQTT session and its queues.
type PublisherMetrics struct {
	QueueDepth        prometheus.Gauge
	QueueDroppedTotal prometheus.Counter
	IntakeDepth       prometheus.Gauge
	ReconnectsTotal   prometheus.Counter
	PublishedTotal    *prometheus.CounterVec
	Connected         prometheus.Gauge
}

// NewPublisherMetrics registers and returns the publisher metrics for namespace ns.
func NewPublisherMetrics(ns string) *PublisherMetrics {
	return &PublisherMetrics{
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "outbound_queue_depth",
				Help:      "Messages currently buffered in the bounded outbound queue.",
			},
		),
		QueueDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "outbound_queue_dropped_total",
				Help:      "Messages dropped because the outbound queue was full.",
			},
		),
		IntakeDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "intake_queue_depth",
				Help:      "Samples currently buffered in the intake queue awaiting a remote metric id.",
			},
		),
		ReconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "reconnects_total",
				Help:      "Number of times the MQTT session reconnected.",
			},
		),
		PublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "published_total",
				Help:      "Messages published, by topic kind and outcome.",
			},
			[]string{"topic", "outcome"},
		),
		Connected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "publisher",
				Name:      "connected",
				Help:      "1 if the MQTT session is currently connected, 0 otherwise.",
			},
		),
	}
}
