package publisher

import (
	"sync"
	"time"

	"github.com/vitaliisemenov/hostagent/internal/metric"
)

// maxIntake bounds how many samples can be awaiting a remote metric id at
// once; under sustained overload new samples are dropped rather than
// growing the queue without limit.
const maxIntake = 100_000

// maxBatch is how many resolved samples accumulate before a data publish
// is flushed, independent of the 300ms flush timer.
const maxBatch = 1000

// intakeQueue holds samples whose remote metric id hasn't been resolved
// yet. It is a plain slice behind one mutex, not a channel, so the worker
// can re-enqueue unresolved samples and detect a pass that makes no
// progress (a sweep that resolves nothing).
type intakeQueue struct {
	mu     sync.Mutex
	items  []pendingSample
	notify chan struct{}
}

type pendingSample struct {
	Sample metric.Sample
}

func newIntakeQueue() *intakeQueue {
	return &intakeQueue{notify: make(chan struct{}, 1)}
}

// push appends s unless the queue is already at cap.
func (q *intakeQueue) push(s metric.Sample) bool {
	q.mu.Lock()
	if len(q.items) >= maxIntake {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, pendingSample{Sample: s})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns every currently queued sample.
func (q *intakeQueue) drain() []pendingSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// requeue puts items back at the front of the queue, capped at maxIntake.
func (q *intakeQueue) requeue(items []pendingSample) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	room := maxIntake - len(q.items)
	if room <= 0 {
		return
	}
	if len(items) > room {
		items = items[:room]
	}
	q.items = append(items, q.items...)
}

func (q *intakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// resolvedSample is an intake sample that has been matched to a remote
// metric id and is ready to publish on v1/agent/{uuid}/data.
type resolvedSample struct {
	Measurement string    `json:"measurement"`
	Time        time.Time `json:"time"`
	Value       float64   `json:"value"`
	Item        string    `json:"item,omitempty"`
	Service     string    `json:"service,omitempty"`
	Status      string    `json:"status,omitempty"`
	CheckOutput string    `json:"check_output,omitempty"`
	MetricID    string    `json:"id"`
}
