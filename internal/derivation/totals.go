package derivation

import (
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// outcome is the result of attempting one queued aggregate computation.
type outcome int

const (
	outcomeReady outcome = iota
	outcomePending
	outcomeUnreachable
)

// depOutcome resolves one required dependency of an aggregate: missing or
// older than target is still pending (retry next tick); newer than target
// means the aggregate can never see a matching sample (unreachable).
func depOutcome(cache Getter, key metric.Key, target time.Time) (float64, outcome) {
	s, ok := cache.Get(key)
	if !ok {
		return 0, outcomePending
	}
	if s.Timestamp.After(target) {
		return 0, outcomeUnreachable
	}
	if s.Timestamp.Before(target) {
		return 0, outcomePending
	}
	return s.Value, outcomeReady
}

// optionalDep resolves a dependency that contributes to a total only when
// present at exactly the target time; its absence never blocks the total.
func optionalDep(cache Getter, key metric.Key, target time.Time) float64 {
	s, ok := cache.Get(key)
	if !ok || !s.Timestamp.Equal(target) {
		return 0
	}
	return s.Value
}

// worst combines two outcomes, unreachable beating pending beating ready.
func worst(a, b outcome) outcome {
	if a > b {
		return a
	}
	return b
}

// processStates enumerates the ps_state type_instance values the
// processes plugin reports; process_total sums whichever of these arrived
// for the target timestamp.
var processStates = []string{"running", "sleeping", "stopped", "zombies", "paging", "blocked"}

// totalCalculators maps a queued derived-metric name to the function that
// attempts to compute it from the Sample Cache.
var totalCalculators = map[string]func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome){
	"disk_total": func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome) {
		used, usedOutcome := depOutcome(cache, metric.Key{Measurement: "disk_used", Item: item}, at)
		free, freeOutcome := depOutcome(cache, metric.Key{Measurement: "disk_free", Item: item}, at)
		o := worst(usedOutcome, freeOutcome)
		if o != outcomeReady {
			return nil, o
		}
		reserved := optionalDep(cache, metric.Key{Measurement: "disk_reserved", Item: item}, at)

		total := used + free + reserved
		usedPerc := 0.0
		if used+free > 0 {
			usedPerc = 100 * used / (used + free)
			if usedPerc > 100 {
				usedPerc = 100
			}
		}
		return []metric.Sample{
			{Measurement: "disk_total", Item: item, Value: total, Timestamp: at},
			{Measurement: "disk_used_perc", Item: item, Value: usedPerc, Timestamp: at},
		}, outcomeReady
	},

	"cpu_other": func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome) {
		used, usedOutcome := depOutcome(cache, metric.Key{Measurement: "cpu_used", Item: item}, at)
		user, userOutcome := depOutcome(cache, metric.Key{Measurement: "cpu_user", Item: item}, at)
		system, systemOutcome := depOutcome(cache, metric.Key{Measurement: "cpu_system", Item: item}, at)
		o := worst(worst(usedOutcome, userOutcome), systemOutcome)
		if o != outcomeReady {
			return nil, o
		}
		return []metric.Sample{
			{Measurement: "cpu_other", Item: item, Value: used - user - system, Timestamp: at},
		}, outcomeReady
	},

	"mem_total": func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome) {
		used, usedOutcome := depOutcome(cache, metric.Key{Measurement: "mem_used"}, at)
		buffered, bufferedOutcome := depOutcome(cache, metric.Key{Measurement: "mem_buffered"}, at)
		cached, cachedOutcome := depOutcome(cache, metric.Key{Measurement: "mem_cached"}, at)
		free, freeOutcome := depOutcome(cache, metric.Key{Measurement: "mem_free"}, at)
		o := worst(worst(usedOutcome, bufferedOutcome), worst(cachedOutcome, freeOutcome))
		if o != outcomeReady {
			return nil, o
		}
		total := used + buffered + cached + free
		usedPerc := 0.0
		if total > 0 {
			usedPerc = 100 * used / total
		}
		return []metric.Sample{
			{Measurement: "mem_total", Value: total, Timestamp: at},
			{Measurement: "mem_used_perc", Value: usedPerc, Timestamp: at},
		}, outcomeReady
	},

	"swap_total": func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome) {
		used, usedOutcome := depOutcome(cache, metric.Key{Measurement: "swap_used"}, at)
		free, freeOutcome := depOutcome(cache, metric.Key{Measurement: "swap_free"}, at)
		o := worst(usedOutcome, freeOutcome)
		if o != outcomeReady {
			return nil, o
		}
		total := used + free
		usedPerc := 0.0
		if total > 0 {
			usedPerc = 100 * used / total
		}
		return []metric.Sample{
			{Measurement: "swap_total", Value: total, Timestamp: at},
			{Measurement: "swap_used_perc", Value: usedPerc, Timestamp: at},
		}, outcomeReady
	},

	"process_total": func(cache Getter, item string, at time.Time) ([]metric.Sample, outcome) {
		var total float64
		seen := 0
		for _, state := range processStates {
			s, ok := cache.Get(metric.Key{Measurement: "process_status_" + state})
			if !ok {
				continue
			}
			if s.Timestamp.After(at) {
				continue
			}
			if s.Timestamp.Equal(at) {
				total += s.Value
				seen++
			}
		}
		if seen == 0 {
			return nil, outcomePending
		}
		return []metric.Sample{{Measurement: "process_total", Value: total, Timestamp: at}}, outcomeReady
	},
}
