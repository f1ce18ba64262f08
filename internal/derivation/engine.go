// Package derivation implements the Derivation Engine: it parses the
// collector's line protocol, renames collectd-style plugin/type names into
// canonical measurement names via a declarative table, and computes
// aggregate metrics (totals, utilization) once their dependencies have
// all arrived in the Sample Cache.
package derivation

import (
	"log/slog"
	"strings"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// Getter is the read side of the Sample Cache: the Derivation Engine reads
// previously-derived base samples from it to resolve queued dependencies.
type Getter interface {
	Get(key metric.Key) (metric.Sample, bool)
}

// queueToken is a deferred aggregate computation awaiting its dependencies.
type queueToken struct {
	Name string
	Item string
	At   time.Time
}

// Engine turns collector lines into canonical samples.
type Engine struct {
	logger *slog.Logger

	// DiskPathIgnorePrefixes drops df partitions whose canonicalized path
	// starts with one of these prefixes (e.g. "/proc", "/sys").
	DiskPathIgnorePrefixes []string
	// HostMountPrefix, when set, is stripped from canonicalized df paths;
	// paths not under it are dropped (container-view filtering).
	HostMountPrefix string
	// NetworkBlacklist names interfaces excluded from net_* metrics.
	NetworkBlacklist map[string]bool
	// LegacySectorCounts multiplies disk.disk_octets values by 512 when the
	// collector reports raw sector counts instead of bytes.
	LegacySectorCounts bool

	queue        []queueToken
	lastSampleAt time.Time
}

// New creates a Derivation Engine with the given host-mount/blacklist
// configuration.
func New(diskPathIgnorePrefixes []string, hostMountPrefix string, networkBlacklist []string, legacySectorCounts bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	blacklist := make(map[string]bool, len(networkBlacklist))
	for _, iface := range networkBlacklist {
		blacklist[iface] = true
	}
	return &Engine{
		logger:                 logger.With("component", "derivation_engine"),
		DiskPathIgnorePrefixes: diskPathIgnorePrefixes,
		HostMountPrefix:        hostMountPrefix,
		NetworkBlacklist:       blacklist,
		LegacySectorCounts:     legacySectorCounts,
	}
}

// Feed parses one collector line and returns the samples it produces
// immediately (the renamed sample plus any "also emit" companions). Any
// aggregate dependent on it is queued, not computed here. If the line's
// timestamp advances more than a second past the previous one fed, the
// queue is walked first using cache for lookups, per the "tick" rule.
func (e *Engine) Feed(line string, cache Getter) ([]metric.Sample, error) {
	rawName, value, ts, err := parseLine(line)
	if err != nil {
		e.logger.Debug("dropping unparseable collector line", "error", err)
		return nil, nil
	}

	var ticked []metric.Sample
	if !e.lastSampleAt.IsZero() && ts.Sub(e.lastSampleAt) > time.Second {
		ticked = e.resolveQueue(cache, e.lastSampleAt)
	}
	e.lastSampleAt = ts

	pn, ok := parseMetricName(rawName)
	if !ok {
		e.logger.Debug("dropping unmatched collector name", "name", rawName)
		return ticked, nil
	}

	rule := matchRule(pn)
	if rule == nil {
		e.logger.Debug("no rename rule for collector name", "plugin", pn.Plugin, "type", pn.Type, "type_instance", pn.TypeInstance)
		return ticked, nil
	}

	emitted, tokens, drop := rule.Apply(pn, value, ts, e)
	if drop {
		return ticked, nil
	}

	e.queue = append(e.queue, tokens...)
	return append(ticked, emitted...), nil
}

// EndOfBatch walks the pending queue once more, even if the timestamp never
// advanced within the batch. The Collector Listener calls it once, when a
// connection ends.
func (e *Engine) EndOfBatch(cache Getter, now time.Time) []metric.Sample {
	return e.resolveQueue(cache, now)
}

// resolveQueue attempts every pending token against cache, keeping tokens
// that are still pending and dropping ones whose dependency has moved past
// them (unreachable).
func (e *Engine) resolveQueue(cache Getter, now time.Time) []metric.Sample {
	if len(e.queue) == 0 {
		return nil
	}

	var emitted []metric.Sample
	remaining := e.queue[:0]

	for _, tok := range e.queue {
		calc, ok := totalCalculators[tok.Name]
		if !ok {
			continue
		}
		samples, outcome := calc(cache, tok.Item, tok.At)
		switch outcome {
		case outcomeReady:
			for _, s := range samples {
				if s.Measurement == "cpu_other" && s.Value < 0 {
					e.logger.Warn("cpu_other computed negative", "item", s.Item, "value", s.Value)
				}
			}
			emitted = append(emitted, samples...)
		case outcomePending:
			remaining = append(remaining, tok)
		case outcomeUnreachable:
			e.logger.Debug("dropping unreachable derived metric", "name", tok.Name, "item", tok.Item)
		}
	}

	e.queue = remaining
	_ = now
	return emitted
}

// canonicalizeDFPath turns a df plugin_instance into the mount path it
// refers to, applying the ignore-prefix and host-mount-prefix filters.
// Returns ok=false if the path should be dropped.
func (e *Engine) canonicalizeDFPath(pluginInstance string) (string, bool) {
	var path string
	if pluginInstance == "root" {
		path = "/"
	} else {
		path = "/" + strings.ReplaceAll(pluginInstance, "-", "/")
	}

	for _, prefix := range e.DiskPathIgnorePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return "", false
		}
	}

	if e.HostMountPrefix != "" {
		if !strings.HasPrefix(path, e.HostMountPrefix) {
			return "", false
		}
		path = strings.TrimPrefix(path, e.HostMountPrefix)
		if path == "" {
			path = "/"
		}
	}

	return path, true
}
