package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

func TestSampleCache_PutGet(t *testing.T) {
	c := New(time.Minute, nil, nil)

	s := metric.Sample{Measurement: "cpu_used", Item: "cpu0", Value: 12.5, Timestamp: time.Now()}
	c.Put(s)

	got, ok := c.Get(metric.Key{Measurement: "cpu_used", Item: "cpu0"})
	require.True(t, ok)
	assert.Equal(t, 12.5, got.Value)
}

func TestSampleCache_MissingKey(t *testing.T) {
	c := New(time.Minute, nil, nil)
	_, ok := c.Get(metric.Key{Measurement: "does_not_exist"})
	assert.False(t, ok)
}

func TestSampleCache_ExpiresAfterMaxAge(t *testing.T) {
	c := New(20*time.Millisecond, nil, nil)
	key := metric.Key{Measurement: "disk_used", Item: "/"}
	c.Put(metric.Sample{Measurement: "disk_used", Item: "/", Value: 80, Timestamp: time.Now()})

	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestSampleCache_PurgeExplicitKeys(t *testing.T) {
	c := New(time.Minute, nil, nil)
	c.Put(metric.Sample{Measurement: "mem_used", Value: 1})
	c.Put(metric.Sample{Measurement: "swap_used", Value: 2})

	c.Purge([]metric.Key{{Measurement: "mem_used"}})

	_, ok := c.Get(metric.Key{Measurement: "mem_used"})
	assert.False(t, ok)

	_, ok = c.Get(metric.Key{Measurement: "swap_used"})
	assert.True(t, ok)
}
