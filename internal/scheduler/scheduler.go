// Package scheduler implements the cooperative job scheduler: every
// periodic or one-shot job runs sequentially on a single worker goroutine,
// never concurrently with another job.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// pollInterval bounds how promptly a newly-due job is picked up. Every job
// in this agent runs on the order of seconds to a day, so a sub-second
// poll granularity costs nothing and keeps the worker loop simple (no
// dynamic reflect.Select over one timer per job).
const pollInterval = 200 * time.Millisecond

// job is one scheduled unit of work.
type job struct {
	name    string
	fn      func(ctx context.Context)
	every   time.Duration // zero means one-shot
	nextRun time.Time
	running bool
}

// Scheduler runs named jobs sequentially on one worker goroutine, matching
// spec's "jobs run sequentially on a single worker" requirement: a job
// that runs long only delays the next tick, it never runs concurrently
// with another job.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job

	triggerCh chan string
	stopCh    chan struct{}
	doneCh    chan struct{}

	logger *slog.Logger
}

// New creates an idle Scheduler. Call Start to begin running jobs.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:      make(map[string]*job),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger.With("component", "scheduler"),
	}
}

// Schedule registers a recurring job. delay is the wait before its first
// run; every is the period between subsequent runs. Re-scheduling an
// existing name replaces it.
func (s *Scheduler) Schedule(name string, fn func(ctx context.Context), every, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, fn: fn, every: every, nextRun: time.Now().Add(delay)}
}

// ScheduleOnce registers a job that runs exactly once, at the given time.
func (s *Scheduler) ScheduleOnce(name string, fn func(ctx context.Context), at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, fn: fn, every: 0, nextRun: at}
}

// Trigger asks the worker to run name as soon as it is free, without
// waiting for the next poll tick and without disturbing its regular
// schedule.
func (s *Scheduler) Trigger(name string) {
	select {
	case s.triggerCh <- name:
	default:
		s.logger.Warn("trigger channel full, dropping trigger", "job", name)
	}
}

// Cancel removes a job; if it's mid-run, the in-flight invocation still
// completes, but it will never run again.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Start launches the worker goroutine. ctx is passed through to every job
// invocation so jobs can observe cancellation themselves.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// loop is the single worker: it never runs two jobs concurrently.
func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			close(s.doneCh)
			return
		case name := <-s.triggerCh:
			s.runNamed(ctx, name)
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every job whose nextRun has passed, in name order for
// determinism, then reschedules recurring ones and drops one-shots.
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].name < due[k].name })
	s.mu.Unlock()

	for _, j := range due {
		s.run(ctx, j)

		s.mu.Lock()
		if current, ok := s.jobs[j.name]; ok && current == j {
			if j.every > 0 {
				j.nextRun = time.Now().Add(j.every)
			} else {
				delete(s.jobs, j.name)
			}
		}
		s.mu.Unlock()
	}
}

// runNamed runs one job immediately by name, if it still exists, without
// touching its scheduled nextRun.
func (s *Scheduler) runNamed(ctx context.Context, name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("trigger for unknown job ignored", "job", name)
		return
	}
	s.run(ctx, j)
}

// run invokes one job's function, isolating a panic so it can't take down
// the worker goroutine.
func (s *Scheduler) run(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.name, "panic", r)
		}
	}()
	start := time.Now()
	j.fn(ctx)
	s.logger.Debug("job ran", "job", j.name, "duration", time.Since(start))
}

// Shutdown signals the worker to stop and waits for any in-flight job to
// return before returning itself.
func (s *Scheduler) Shutdown() {
	close(s.stopCh)
	<-s.doneCh
}
