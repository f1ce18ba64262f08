package derivation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

type mockCache struct {
	values map[metric.Key]metric.Sample
}

func newMockCache() *mockCache {
	return &mockCache{values: make(map[metric.Key]metric.Sample)}
}

func (c *mockCache) Get(key metric.Key) (metric.Sample, bool) {
	s, ok := c.values[key]
	return s, ok
}

func (c *mockCache) put(samples ...metric.Sample) {
	for _, s := range samples {
		c.values[metric.Key{Measurement: s.Measurement, Item: s.Item}] = s
	}
}

func sampleByName(samples []metric.Sample, name string) (metric.Sample, bool) {
	for _, s := range samples {
		if s.Measurement == name {
			return s, true
		}
	}
	return metric.Sample{}, false
}

func TestFeed_UnmatchedNameDropsSilently(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()
	emitted, err := e.Feed("host.nonsense-plugin.weird 1 1000", cache)
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

func TestFeed_MalformedLineDropsSilently(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()
	emitted, err := e.Feed("not a valid line at all here", cache)
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

func TestFeed_CPUScenario(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.cpu-0.cpu-user 20 1000", cache)
	require.NoError(t, err)
	cache.put(emitted...)
	user, ok := sampleByName(emitted, "cpu_user")
	require.True(t, ok)
	assert.Equal(t, 20.0, user.Value)

	emitted, err = e.Feed("host.cpu-0.cpu-system 10 1000", cache)
	require.NoError(t, err)
	cache.put(emitted...)

	emitted, err = e.Feed("host.cpu-0.cpu-idle 70 1000", cache)
	require.NoError(t, err)
	cache.put(emitted...)

	idle, ok := sampleByName(emitted, "cpu_idle")
	require.True(t, ok)
	assert.Equal(t, 70.0, idle.Value)
	used, ok := sampleByName(emitted, "cpu_used")
	require.True(t, ok)
	assert.Equal(t, 30.0, used.Value)

	// Tick advances by more than a second: cpu_other should resolve using
	// the samples already placed in the cache at time 1000.
	emitted, err = e.Feed("host.cpu-0.cpu-idle 70 1002", cache)
	require.NoError(t, err)

	other, ok := sampleByName(emitted, "cpu_other")
	require.True(t, ok, "cpu_other should have resolved on tick advance")
	assert.Equal(t, 0.0, other.Value)
	assert.True(t, other.Timestamp.Equal(time.Unix(1000, 0).UTC()))
}

func TestFeed_DiskTotalAndUsedPerc(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.df-root.df_complex-used 50 2000", cache)
	require.NoError(t, err)
	cache.put(emitted...)
	used, ok := sampleByName(emitted, "disk_used")
	require.True(t, ok)
	assert.Equal(t, "/", used.Item)

	emitted, err = e.Feed("host.df-root.df_complex-free 50 2000", cache)
	require.NoError(t, err)
	cache.put(emitted...)

	emitted, err = e.Feed("host.df-root.df_complex-reserved 10 2000", cache)
	require.NoError(t, err)
	cache.put(emitted...)
	reserved, ok := sampleByName(emitted, "disk_reserved")
	require.True(t, ok)
	assert.Equal(t, 10.0, reserved.Value)

	final := e.EndOfBatch(cache, time.Unix(2000, 0).UTC())

	total, ok := sampleByName(final, "disk_total")
	require.True(t, ok)
	assert.Equal(t, 110.0, total.Value)

	usedPerc, ok := sampleByName(final, "disk_used_perc")
	require.True(t, ok)
	assert.Equal(t, 50.0, usedPerc.Value, "reserved must be excluded from the used_perc ratio")
}

func TestFeed_DFPathCanonicalization(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()
	emitted, err := e.Feed("host.df-var-lib.df_complex-used 1 3000", cache)
	require.NoError(t, err)
	used, ok := sampleByName(emitted, "disk_used")
	require.True(t, ok)
	assert.Equal(t, "/var/lib", used.Item)
}

func TestFeed_DFPathIgnorePrefixDrops(t *testing.T) {
	e := New([]string{"/proc"}, "", nil, false, nil)
	cache := newMockCache()
	emitted, err := e.Feed("host.df-proc.df_complex-used 1 3000", cache)
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

func TestFeed_NetworkBitsScaledAndBlacklist(t *testing.T) {
	e := New(nil, "", []string{"lo"}, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.interface-eth0.if_octets-rx 100 4000", cache)
	require.NoError(t, err)
	recv, ok := sampleByName(emitted, "net_bits_recv")
	require.True(t, ok)
	assert.Equal(t, 800.0, recv.Value)

	emitted, err = e.Feed("host.interface-lo.if_octets-rx 100 4000", cache)
	require.NoError(t, err)
	assert.Empty(t, emitted, "blacklisted interfaces must be dropped")
}

func TestFeed_ServiceScopedMetric(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.mysql-bleemeo-primary.threads 4 5000", cache)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, "mysql_threads", emitted[0].Measurement)
	assert.Equal(t, "primary", emitted[0].Item)
	assert.Equal(t, "mysql", emitted[0].Service)
}

func TestFeed_NTPOffsetScaled(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.ntpd.time_offset-loop 15 6000", cache)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, 0.015, emitted[0].Value)
	assert.Equal(t, "ntp", emitted[0].Service)
}

func TestFeed_MemoryTotalAndUsedPerc(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	for _, line := range []string{
		"host.memory.used 100 7000",
		"host.memory.buffered 20 7000",
		"host.memory.cached 30 7000",
		"host.memory.free 50 7000",
	} {
		emitted, err := e.Feed(line, cache)
		require.NoError(t, err)
		cache.put(emitted...)
	}

	final := e.EndOfBatch(cache, time.Unix(7000, 0).UTC())
	total, ok := sampleByName(final, "mem_total")
	require.True(t, ok)
	assert.Equal(t, 200.0, total.Value)

	usedPerc, ok := sampleByName(final, "mem_used_perc")
	require.True(t, ok)
	assert.Equal(t, 50.0, usedPerc.Value)
}

func TestFeed_ProcessTotalSumsKnownStates(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	for _, line := range []string{
		"host.processes.ps_state-running 2 8000",
		"host.processes.ps_state-sleeping 30 8000",
	} {
		emitted, err := e.Feed(line, cache)
		require.NoError(t, err)
		cache.put(emitted...)
	}

	final := e.EndOfBatch(cache, time.Unix(8000, 0).UTC())
	total, ok := sampleByName(final, "process_total")
	require.True(t, ok)
	assert.Equal(t, 32.0, total.Value)
}

func TestResolveQueue_UnreachableWhenDependencyMovesPast(t *testing.T) {
	e := New(nil, "", nil, false, nil)
	cache := newMockCache()

	emitted, err := e.Feed("host.cpu-0.cpu-idle 50 1000", cache)
	require.NoError(t, err)
	cache.put(emitted...)

	// cpu_user/cpu_system never arrive at t=1000, but a newer sample shows
	// up at t=1005 for cpu_user: the pending cpu_other(t=1000) token can
	// never be satisfied and must be dropped, not retried forever.
	cache.put(metric.Sample{Measurement: "cpu_user", Item: "0", Value: 5, Timestamp: time.Unix(1005, 0).UTC()})

	final := e.EndOfBatch(cache, time.Unix(1000, 0).UTC())
	_, ok := sampleByName(final, "cpu_other")
	assert.False(t, ok)
	assert.Empty(t, e.queue, "unreachable token must be dropped, not retried")
}
