package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReconcilerMetrics tracks the outcome of each reconciliation step.
type ReconcilerMetrics struct {
	StepDuration *prometheus.HistogramVec
	StepOutcome  *prometheus.CounterVec
	CycleTotal   prometheus.Counter
}

// NewReconcilerMetrics registers and returns the reconciler metrics for namespace ns.
func NewReconcilerMetrics(ns string) *ReconcilerMetrics {
	return &ReconcilerMetrics{
		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "reconciler",
				Name:      "step_duration_seconds",
				Help:      "Duration of one reconciliation step.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		StepOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "reconciler",
				Name:      "step_outcome_total",
				Help:      "Outcome of each reconciliation step (success, failure).",
			},
			[]string{"step", "outcome"},
		),
		CycleTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "reconciler",
				Name:      "cycles_total",
				Help:      "Number of reconciliation cycles run.",
			},
		),
	}
}
