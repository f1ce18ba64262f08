package threshold

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

func ptr(f float64) *float64 { return &f }

func TestEvaluate_NoThresholdConfigured(t *testing.T) {
	e := New(nil, nil)
	_, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 99}, time.Now())
	assert.False(t, ok)
}

func TestEvaluate_WithinBounds(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80), HighCritical: ptr(95)},
	})

	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 10}, time.Now())
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status)
	assert.Equal(t, "cpu_used_status", res.StatusSample.Measurement)
	assert.Equal(t, 0.0, res.StatusSample.Value)
}

func TestEvaluate_ItemSpecificBeatsBareMeasurement(t *testing.T) {
	// Discrete, so the first sample reports its raw status without the latch.
	e := New([]string{"disk_used"}, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "disk_used"}:              {HighCritical: ptr(90)},
		{Measurement: "disk_used", Item: "/"}:   {HighCritical: ptr(50)},
	})

	res, ok := e.Evaluate(metric.Sample{Measurement: "disk_used", Item: "/", Value: 60}, time.Now())
	require.True(t, ok)
	assert.Equal(t, metric.StatusCritical, res.Status)
}

func TestEvaluate_RemoteOverridesConfig(t *testing.T) {
	// Discrete, so the first sample reports its raw status without the latch.
	e := New([]string{"mem_used"}, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "mem_used"}: {HighCritical: ptr(95)},
	})
	e.UpdateThresholds(map[metric.Key]metric.Threshold{
		{Measurement: "mem_used"}: {HighCritical: ptr(50)},
	})

	res, ok := e.Evaluate(metric.Sample{Measurement: "mem_used", Value: 60}, time.Now())
	require.True(t, ok)
	assert.Equal(t, metric.StatusCritical, res.Status)
}

func TestEvaluate_SoftStatusLatchesBeforeChanging(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80)},
	})

	now := time.Now()
	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 10}, now)
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status)

	// Crosses the bound, but hasn't been crossed long enough to latch yet.
	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status)

	// Sustained past the latch window: status finally flips.
	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(6*time.Minute))
	require.True(t, ok)
	assert.Equal(t, metric.StatusWarning, res.Status)
}

func TestEvaluate_SoftStatusRevertsCandidateOnRecovery(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80)},
	})

	now := time.Now()
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 10}, now)
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(time.Minute))
	// Recovers before the latch window elapses: candidate is dropped.
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 10}, now.Add(2*time.Minute))

	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(3*time.Minute))
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status, "candidate should have reset, so the latch clock restarts")
}

func TestEvaluate_ClockRegressionResetsState(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80)},
	})

	now := time.Now()
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 10}, now)
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(10*time.Minute))

	// A sample arriving with an earlier timestamp than the last one seen
	// must not be treated as having sustained the latch window.
	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 90}, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, metric.StatusWarning, res.Status, "raw status applies immediately after a clock regression reset")
}

func TestEvaluate_SoftStatusLatch_S3(t *testing.T) {
	// spec S3: threshold {high_warning:80, high_critical:90}, period 300.
	// Samples (T=0,60,299,300, v=95) report ok, ok, ok, critical; then
	// (T=301, v=50) reports ok immediately.
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80), HighCritical: ptr(90)},
	})

	now := time.Now()

	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now)
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status, "T=0: first sample never reports raw status immediately")

	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now.Add(60*time.Second))
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status, "T=60: still within the latch window")

	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now.Add(299*time.Second))
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status, "T=299: one second short of the latch window")

	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now.Add(300*time.Second))
	require.True(t, ok)
	assert.Equal(t, metric.StatusCritical, res.Status, "T=300: latch window elapsed, escalation reports")

	res, ok = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 50}, now.Add(301*time.Second))
	require.True(t, ok)
	assert.Equal(t, metric.StatusOK, res.Status, "T=301: downgrade from a latched status reports immediately")
}

func TestEvaluate_SoftStatusDowngradeFromCriticalToWarningIsImmediate(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "cpu_used"}: {HighWarning: ptr(80), HighCritical: ptr(90)},
	})

	now := time.Now()
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now)
	_, _ = e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 95}, now.Add(6*time.Minute))

	res, ok := e.Evaluate(metric.Sample{Measurement: "cpu_used", Value: 85}, now.Add(6*time.Minute+time.Second))
	require.True(t, ok)
	assert.Equal(t, metric.StatusWarning, res.Status, "a latched critical must drop straight to warning without waiting out the latch again")
}

func TestEvaluate_DiscreteMeasurementBypassesLatch(t *testing.T) {
	e := New([]string{"process_total"}, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "process_total"}: {LowCritical: ptr(1)},
	})

	now := time.Now()
	res, ok := e.Evaluate(metric.Sample{Measurement: "process_total", Value: 0}, now)
	require.True(t, ok)
	assert.Equal(t, metric.StatusCritical, res.Status, "discrete metrics should reflect raw status immediately")
}

func TestEvaluate_CheckOutputDescribesCrossedBound(t *testing.T) {
	e := New(nil, nil)
	e.ReloadConfig(map[metric.Key]metric.Threshold{
		{Measurement: "disk_used", Item: "/"}: {HighCritical: ptr(90)},
	})

	res, ok := e.Evaluate(metric.Sample{Measurement: "disk_used", Item: "/", Value: 99}, time.Now())
	require.True(t, ok)
	assert.Contains(t, res.CheckOutput, "high_critical")
}
