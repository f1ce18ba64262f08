package derivation

import (
	"fmt"
	"strings"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// renameRule maps one (plugin, type[, type_instance]) collector name onto
// a canonical measurement. TypeInstance == "" matches any instance (the
// instance value itself becomes part of the emitted name via Apply).
// This table is data: adding a row never requires touching Feed/Apply's
// dispatch logic, only this file.
type renameRule struct {
	Plugin       string
	Type         string
	TypeInstance string
	Apply        func(pn parsedName, value float64, ts time.Time, e *Engine) (emit []metric.Sample, queue []queueToken, drop bool)
}

// wildcardType marks rules (like the memory plugin's) where the collectd
// "type" slot itself carries the variable name (memory.used, memory.free,
// ...) rather than being a fixed type with a variable type_instance.
const wildcardType = "*"

// matchRule finds the first rule whose plugin/type/instance matches pn.
// Service-scoped plugins (apache, mysql, postgresql, redis with a
// "bleemeo-" prefixed plugin_instance) are resolved separately because
// they match on plugin name alone, any type.
func matchRule(pn parsedName) *renameRule {
	if rule := matchServiceScoped(pn); rule != nil {
		return rule
	}
	for i := range renameTable {
		r := &renameTable[i]
		if r.Plugin != pn.Plugin {
			continue
		}
		if r.Type != wildcardType && r.Type != pn.Type {
			continue
		}
		if r.TypeInstance != "" && !strings.EqualFold(r.TypeInstance, pn.TypeInstance) {
			continue
		}
		return r
	}
	return nil
}

// simpleRename renames without queuing anything.
func simpleRename(name string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		return []metric.Sample{{Measurement: name, Item: pn.PluginInstance, Value: value, Timestamp: ts}}, nil, false
	}
}

// renameAndQueue renames and queues a derived total keyed by item.
func renameAndQueue(name, queueName string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		item := pn.PluginInstance
		return []metric.Sample{{Measurement: name, Item: item, Value: value, Timestamp: ts}},
			[]queueToken{{Name: queueName, Item: item, At: ts}}, false
	}
}

var renameTable = []renameRule{
	// --- cpu ---
	{Plugin: "cpu", Type: "cpu", TypeInstance: "idle", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		item := pn.PluginInstance
		used := 100 - value
		return []metric.Sample{
				{Measurement: "cpu_idle", Item: item, Value: value, Timestamp: ts},
				{Measurement: "cpu_used", Item: item, Value: used, Timestamp: ts},
			},
			[]queueToken{{Name: "cpu_other", Item: item, At: ts}}, false
	}},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "user", Apply: simpleRename("cpu_user")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "system", Apply: simpleRename("cpu_system")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "nice", Apply: simpleRename("cpu_nice")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "wait", Apply: simpleRename("cpu_wait")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "interrupt", Apply: simpleRename("cpu_interrupt")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "softirq", Apply: simpleRename("cpu_softirq")},
	{Plugin: "cpu", Type: "cpu", TypeInstance: "steal", Apply: simpleRename("cpu_steal")},

	// --- df (disk space) ---
	{Plugin: "df", Type: "df_complex", TypeInstance: "used", Apply: dfApply("disk_used")},
	{Plugin: "df", Type: "df_complex", TypeInstance: "free", Apply: dfApply("disk_free")},
	{Plugin: "df", Type: "df_complex", TypeInstance: "reserved", Apply: dfApply("disk_reserved")},

	// --- disk (io) ---
	{Plugin: "disk", Type: "io_time", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		item := pn.PluginInstance
		return []metric.Sample{
			{Measurement: "io_time", Item: item, Value: value, Timestamp: ts},
			{Measurement: "io_utilization", Item: item, Value: value / 10, Timestamp: ts},
		}, nil, false
	}},
	{Plugin: "disk", Type: "disk_octets", TypeInstance: "read", Apply: diskOctetsApply("io_read_bytes")},
	{Plugin: "disk", Type: "disk_octets", TypeInstance: "write", Apply: diskOctetsApply("io_write_bytes")},

	// --- interface ---
	{Plugin: "interface", Type: "if_octets", TypeInstance: "rx", Apply: netBitsApply("net_bits_recv")},
	{Plugin: "interface", Type: "if_octets", TypeInstance: "tx", Apply: netBitsApply("net_bits_sent")},
	{Plugin: "interface", Type: "if_errors", TypeInstance: "rx", Apply: netSimpleApply("net_err_in")},
	{Plugin: "interface", Type: "if_errors", TypeInstance: "tx", Apply: netSimpleApply("net_err_out")},
	{Plugin: "interface", Type: "if_packets", TypeInstance: "rx", Apply: netSimpleApply("net_packets_in")},
	{Plugin: "interface", Type: "if_packets", TypeInstance: "tx", Apply: netSimpleApply("net_packets_out")},

	// --- load ---
	{Plugin: "load", Type: "shortterm", Apply: simpleRename("system_load1")},
	{Plugin: "load", Type: "midterm", Apply: simpleRename("system_load5")},
	{Plugin: "load", Type: "longterm", Apply: simpleRename("system_load15")},

	// --- memory ---
	{Plugin: "memory", Type: wildcardType, Apply: memoryApply()},

	// --- processes ---
	{Plugin: "processes", Type: "ps_state", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		state := strings.ToLower(pn.TypeInstance)
		name := "process_status_" + state
		return []metric.Sample{{Measurement: name, Value: value, Timestamp: ts}},
			[]queueToken{{Name: "process_total", At: ts}}, false
	}},

	// --- swap ---
	{Plugin: "swap", Type: "swap", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		name := "swap_" + strings.ToLower(pn.TypeInstance)
		return []metric.Sample{{Measurement: name, Value: value, Timestamp: ts}},
			[]queueToken{{Name: "swap_total", At: ts}}, false
	}},
	{Plugin: "swap", Type: "swap_io", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		name := "swap_" + strings.ToLower(pn.TypeInstance)
		return []metric.Sample{{Measurement: name, Value: value, Timestamp: ts}}, nil, false
	}},

	// --- users ---
	{Plugin: "users", Type: "users", Apply: simpleRename("users_logged")},

	// --- ntp ---
	{Plugin: "ntpd", Type: "time_offset", TypeInstance: "loop", Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		return []metric.Sample{{Measurement: "ntp_time_offset", Service: "ntp", Value: value / 1000, Timestamp: ts}}, nil, false
	}},
}

func dfApply(name string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		path, ok := e.canonicalizeDFPath(pn.PluginInstance)
		if !ok {
			return nil, nil, true
		}
		return []metric.Sample{{Measurement: name, Item: path, Value: value, Timestamp: ts}},
			[]queueToken{{Name: "disk_total", Item: path, At: ts}}, false
	}
}

func diskOctetsApply(name string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		if e.LegacySectorCounts {
			value *= 512
		}
		return []metric.Sample{{Measurement: name, Item: pn.PluginInstance, Value: value, Timestamp: ts}}, nil, false
	}
}

func netBitsApply(name string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		if e.NetworkBlacklist[pn.PluginInstance] {
			return nil, nil, true
		}
		return []metric.Sample{{Measurement: name, Item: pn.PluginInstance, Value: value * 8, Timestamp: ts}}, nil, false
	}
}

func netSimpleApply(name string) func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		if e.NetworkBlacklist[pn.PluginInstance] {
			return nil, nil, true
		}
		return []metric.Sample{{Measurement: name, Item: pn.PluginInstance, Value: value, Timestamp: ts}}, nil, false
	}
}

func memoryApply() func(parsedName, float64, time.Time, *Engine) ([]metric.Sample, []queueToken, bool) {
	return func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
		name := "mem_" + strings.ToLower(pn.Type)
		return []metric.Sample{{Measurement: name, Value: value, Timestamp: ts}},
			[]queueToken{{Name: "mem_total", At: ts}}, false
	}
}

// serviceScopedPlugins lists plugins whose metrics become service-scoped
// when reported against a "bleemeo-"-prefixed plugin_instance: the suffix
// after that prefix is the service instance, and the plugin name becomes
// the sample's Service field.
var serviceScopedPlugins = map[string]bool{
	"apache":     true,
	"mysql":      true,
	"postgresql": true,
	"redis":      true,
}

const serviceInstancePrefix = "bleemeo-"

func matchServiceScoped(pn parsedName) *renameRule {
	if !serviceScopedPlugins[pn.Plugin] {
		return nil
	}
	if !strings.HasPrefix(pn.PluginInstance, serviceInstancePrefix) {
		return nil
	}

	plugin := pn.Plugin
	return &renameRule{
		Plugin: pn.Plugin,
		Type:   pn.Type,
		Apply: func(pn parsedName, value float64, ts time.Time, e *Engine) ([]metric.Sample, []queueToken, bool) {
			instance := strings.TrimPrefix(pn.PluginInstance, serviceInstancePrefix)
			name := plugin + "_" + strings.ToLower(pn.Type)
			if pn.TypeInstance != "" {
				name = fmt.Sprintf("%s_%s", name, strings.ToLower(pn.TypeInstance))
			}
			return []metric.Sample{{Measurement: name, Item: instance, Service: plugin, Value: value, Timestamp: ts}}, nil, false
		},
	}
}
