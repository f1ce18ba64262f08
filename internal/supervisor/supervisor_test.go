package supervisor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler records Trigger calls.
type fakeScheduler struct {
	mu       sync.Mutex
	triggers []string
}

func (f *fakeScheduler) Trigger(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, name)
}

func (f *fakeScheduler) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

func TestSIGTERM_SetsTerminatingFlag(t *testing.T) {
	s := New(nil, nil)
	s.ListenForSignals()
	defer s.Shutdown()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	require.Eventually(t, func() bool {
		return s.Terminating()
	}, time.Second, 10*time.Millisecond)
}

func TestSIGHUP_TriggersFlaggedJobsWithinOneCheckCycle(t *testing.T) {
	sched := &fakeScheduler{}
	s := New(sched, nil)
	s.ListenForSignals()
	defer s.Shutdown()

	s.setTriggerFlags()
	s.checkTriggers()

	calls := sched.calls()
	assert.Contains(t, calls, "discovery")
	assert.Contains(t, calls, "send_facts")
	assert.Contains(t, calls, "reconcile")
}

func TestCheckTriggers_NoOpWhenNoFlagsSet(t *testing.T) {
	sched := &fakeScheduler{}
	s := New(sched, nil)
	s.checkTriggers()
	assert.Empty(t, sched.calls())
}

func TestStartAll_UnwindsOnFailure(t *testing.T) {
	var started []string
	var stopped []string
	var mu sync.Mutex

	components := []Component{
		{
			Name: "a",
			Start: func(ctx context.Context) error {
				mu.Lock()
				started = append(started, "a")
				mu.Unlock()
				return nil
			},
			Stop: func() {
				mu.Lock()
				stopped = append(stopped, "a")
				mu.Unlock()
			},
		},
		{
			Name: "b",
			Start: func(ctx context.Context) error {
				return fmt.Errorf("boom")
			},
		},
	}

	err := StartAll(context.Background(), components, nil)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, started)
	assert.Equal(t, []string{"a"}, stopped, "component a must be stopped after b fails to start")
}

func TestStopAll_RunsInReverseOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex

	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	components := []Component{
		{Name: "first", Start: func(context.Context) error { return nil }, Stop: record("first")},
		{Name: "second", Start: func(context.Context) error { return nil }, Stop: record("second")},
	}

	StopAll(components, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "first"}, order)
}
