// Package threshold implements the Threshold Engine: it merges
// locally-configured and remotely-pushed thresholds, evaluates samples
// against them with soft-status hysteresis, and emits a derived "_status"
// sample for every metric that has a threshold.
package threshold

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// latchDuration is how long a crossed bound must persist before the
// engine's soft status actually changes, preventing a single noisy sample
// from flapping the derived status metric.
const latchDuration = 5 * time.Minute

// softState tracks one (measurement, item)'s hysteresis state.
type softState struct {
	current        metric.SoftStatus
	candidate      metric.SoftStatus
	candidateSince time.Time
	lastSeen       time.Time
}

// Engine merges config and remote thresholds and evaluates samples against
// them. A single RWMutex guards all three maps; evaluation takes the read
// lock for the threshold lookup and the write lock for the soft-state
// update, and threshold replacement (ReloadConfig/UpdateThresholds) takes
// the write lock and swaps the map wholesale rather than mutating it.
type Engine struct {
	mu sync.RWMutex

	configThresholds map[metric.Key]metric.Threshold
	remoteThresholds map[metric.Key]metric.Threshold
	states           map[metric.Key]*softState

	// discrete measurements bypass the hysteresis latch: their status
	// tracks the instantaneous bound comparison exactly, matching
	// Nagios-style check plugins rather than a continuously sampled gauge.
	discrete map[string]bool

	logger *slog.Logger
}

// New creates an Engine. discreteMeasurements names measurements that
// should never be soft-latched (e.g. process_total, users_logged).
func New(discreteMeasurements []string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	discrete := make(map[string]bool, len(discreteMeasurements))
	for _, name := range discreteMeasurements {
		discrete[name] = true
	}
	return &Engine{
		configThresholds: make(map[metric.Key]metric.Threshold),
		remoteThresholds: make(map[metric.Key]metric.Threshold),
		states:           make(map[metric.Key]*softState),
		discrete:         discrete,
		logger:           logger.With("component", "threshold_engine"),
	}
}

// ReloadConfig replaces the config-sourced thresholds wholesale. Called on
// startup and on SIGHUP.
func (e *Engine) ReloadConfig(thresholds map[metric.Key]metric.Threshold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configThresholds = thresholds
}

// UpdateThresholds replaces the remote (API-pushed) thresholds wholesale.
// Called by the Reconciler's fetch-thresholds step.
func (e *Engine) UpdateThresholds(thresholds map[metric.Key]metric.Threshold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteThresholds = thresholds
}

// lookup resolves a threshold for key, falling back from the
// (measurement, item) pair to the bare (measurement, "") entry. Remote
// thresholds take precedence over config thresholds at each step of that
// fallback, matching the Reconciler being the source of truth once it's
// run at least once.
func (e *Engine) lookup(key metric.Key) (metric.Threshold, bool) {
	if t, ok := e.remoteThresholds[key]; ok {
		return t, true
	}
	if t, ok := e.configThresholds[key]; ok {
		return t, true
	}

	bare := metric.Key{Measurement: key.Measurement}
	if bare != key {
		if t, ok := e.remoteThresholds[bare]; ok {
			return t, true
		}
		if t, ok := e.configThresholds[bare]; ok {
			return t, true
		}
	}

	return metric.Threshold{}, false
}

// Result is the outcome of evaluating one sample against its threshold.
type Result struct {
	Status       metric.SoftStatus
	StatusSample metric.Sample
	CheckOutput  string
}

// Evaluate looks up s's threshold, computes its raw status, applies the
// soft-status hysteresis (unless the measurement is discrete) and returns
// the resulting status together with the derived "_status" sample.
func (e *Engine) Evaluate(s metric.Sample, now time.Time) (Result, bool) {
	key := metric.Key{Measurement: s.Measurement, Item: s.Item}

	e.mu.RLock()
	th, ok := e.lookup(key)
	e.mu.RUnlock()

	if !ok || th.IsZero() {
		return Result{}, false
	}

	raw, output := rawStatus(s.Value, th)

	e.mu.Lock()
	st, exists := e.states[key]
	if !exists {
		// Spec §4.3: a key's reported status always starts at ok, even if
		// the very first sample is already raw-critical — the latch must
		// see the bound crossed for latchDuration before it reports.
		st = &softState{current: metric.StatusOK, lastSeen: now}
		e.states[key] = st
	}

	if now.Before(st.lastSeen) {
		// Clock regression: distrust the latch timer and reset.
		st.current = raw
		st.candidate = ""
		st.candidateSince = time.Time{}
	}
	st.lastSeen = now

	status := e.nextStatus(key, st, raw, now)
	e.mu.Unlock()

	return Result{
		Status: status,
		StatusSample: metric.Sample{
			Measurement: s.Measurement + "_status",
			Item:        s.Item,
			Value:       statusValue(status),
			Timestamp:   s.Timestamp,
		},
		CheckOutput: output,
	}, true
}

// nextStatus applies the hysteresis state machine for one (measurement,
// item) key. Must be called with e.mu held for writing.
func (e *Engine) nextStatus(key metric.Key, st *softState, raw metric.SoftStatus, now time.Time) metric.SoftStatus {
	if e.discrete[key.Measurement] {
		st.current = raw
		return st.current
	}

	switch {
	case raw == st.current:
		st.candidate = ""
		st.candidateSince = time.Time{}
	case raw.Severity() < st.current.Severity():
		// Downgrades report immediately (spec §4.3, property 3): once the
		// raw status improves, soft status must follow at once, not after
		// latchDuration. Only escalations are latched.
		st.current = raw
		st.candidate = ""
		st.candidateSince = time.Time{}
	case raw == st.candidate:
		if now.Sub(st.candidateSince) >= latchDuration {
			st.current = raw
			st.candidate = ""
			st.candidateSince = time.Time{}
		}
	default:
		st.candidate = raw
		st.candidateSince = now
	}

	return st.current
}

func statusValue(status metric.SoftStatus) float64 {
	switch status {
	case metric.StatusOK:
		return 0
	case metric.StatusWarning:
		return 1
	case metric.StatusCritical:
		return 2
	default:
		return 3
	}
}

// rawStatus compares value against th's bounds with no hysteresis applied,
// returning the worst side crossed and a human-readable explanation.
func rawStatus(value float64, th metric.Threshold) (metric.SoftStatus, string) {
	status := metric.StatusOK
	output := "value is within thresholds"

	if th.LowCritical != nil && value < *th.LowCritical {
		return metric.StatusCritical, fmt.Sprintf("value %g is below low_critical threshold %g", value, *th.LowCritical)
	}
	if th.HighCritical != nil && value > *th.HighCritical {
		return metric.StatusCritical, fmt.Sprintf("value %g is above high_critical threshold %g", value, *th.HighCritical)
	}
	if th.LowWarning != nil && value < *th.LowWarning {
		status, output = metric.StatusWarning, fmt.Sprintf("value %g is below low_warning threshold %g", value, *th.LowWarning)
	}
	if th.HighWarning != nil && value > *th.HighWarning {
		status, output = metric.StatusWarning, fmt.Sprintf("value %g is above high_warning threshold %g", value, *th.HighWarning)
	}

	return status, output
}
