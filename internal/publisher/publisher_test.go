package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

func testContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// fakeMessage is a minimal mqtt.Message test double.
type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "v1/agent/agent-1/notification" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestOutboundQueue_DropsWhenFullUnlessForced(t *testing.T) {
	q := newOutboundQueue()
	for i := 0; i < maxQueue; i++ {
		require.True(t, q.enqueue(outboundMessage{Topic: "t"}))
	}
	assert.False(t, q.enqueue(outboundMessage{Topic: "overflow"}))
	assert.True(t, q.enqueue(outboundMessage{Topic: "forced", Force: true}))
	assert.Equal(t, maxQueue+1, q.depth())
}

func TestOutboundQueue_DequeueIsFIFO(t *testing.T) {
	q := newOutboundQueue()
	q.enqueue(outboundMessage{Topic: "first"})
	q.enqueue(outboundMessage{Topic: "second"})

	m1, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, "first", m1.Topic)

	m2, ok := q.dequeue()
	require.True(t, ok)
	assert.Equal(t, "second", m2.Topic)

	_, ok = q.dequeue()
	assert.False(t, ok)
}

func TestIntakeQueue_DropsWhenFull(t *testing.T) {
	q := newIntakeQueue()
	for i := 0; i < maxIntake; i++ {
		require.True(t, q.push(metric.Sample{Measurement: "m"}))
	}
	assert.False(t, q.push(metric.Sample{Measurement: "overflow"}))
}

func TestIntakeQueue_DrainEmptiesQueue(t *testing.T) {
	q := newIntakeQueue()
	q.push(metric.Sample{Measurement: "a"})
	q.push(metric.Sample{Measurement: "b"})

	items := q.drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, q.len())
}

// fakeResolver is a test double for MetricResolver.
type fakeResolver struct {
	ids map[string]string
}

func (f *fakeResolver) ResolveMetricID(measurement, service, item string) (string, bool) {
	id, ok := f.ids[measurement+"|"+service+"|"+item]
	return id, ok
}

func TestRunIntakeLoop_ResolvesAndDropsDeleted(t *testing.T) {
	resolver := &fakeResolver{ids: map[string]string{
		"cpu_used||": "metric-1",
		"old_metric||": "deleted",
	}}

	var published [][]byte
	p := New(Config{AgentUUID: "agent-1"}, resolver, nil, nil)
	p.client = nil // no MQTT connection needed: publish() only enqueues

	p.EnqueueSample(metric.Sample{Measurement: "cpu_used", Timestamp: time.Now()})
	p.EnqueueSample(metric.Sample{Measurement: "old_metric", Timestamp: time.Now()})
	p.EnqueueSample(metric.Sample{Measurement: "unregistered", Timestamp: time.Now()})

	assert.Equal(t, 3, p.intake.len())

	done := make(chan struct{})
	go func() {
		p.runIntakeLoop(testContext(t, 400*time.Millisecond))
		close(done)
	}()
	<-done

	for {
		msg, ok := p.outbound.dequeue()
		if !ok {
			break
		}
		published = append(published, msg.Payload)
	}

	require.Len(t, published, 1)
	assert.Contains(t, string(published[0]), "metric-1")
	assert.Equal(t, 1, p.intake.len(), "the unresolved sample should be requeued, not dropped")
}

func TestHandleNotification_TriggersOnThresholdUpdate(t *testing.T) {
	var triggered bool
	p := New(Config{AgentUUID: "agent-1"}, &fakeResolver{}, func() { triggered = true }, nil)

	p.handleNotification(nil, fakeMessage{payload: []byte(`{"message_type":"threshold-update"}`)})
	assert.True(t, triggered)
}

func TestHandleNotification_DropsOversizedPayload(t *testing.T) {
	var triggered bool
	p := New(Config{AgentUUID: "agent-1"}, &fakeResolver{}, func() { triggered = true }, nil)

	huge := make([]byte, maxNotificationSize+1)
	p.handleNotification(nil, fakeMessage{payload: huge})
	assert.False(t, triggered)
}
