// Package supervisor runs the ordered startup/shutdown of the components
// that cmd/agent wires together, and turns SIGTERM/SIGHUP into the agent's
// terminating flag and trigger flags.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// checkTriggersInterval is how often the "check_triggers" job consumes
// the SIGHUP-set trigger flags and trigger-runs the corresponding jobs.
const checkTriggersInterval = 10 * time.Second

// TriggerFlags is the set of out-of-schedule resyncs a SIGHUP requests.
// All three are consumed (and cleared) together by the check_triggers job.
type TriggerFlags struct {
	Discovery    bool
	Facts        bool
	UpdatesCount bool
}

// Scheduler is the subset of scheduler.Scheduler the Supervisor drives.
type Scheduler interface {
	Trigger(name string)
}

// Component is anything the Supervisor starts and stops as part of the
// ordered startup/shutdown sequence.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()
}

// Supervisor owns the agent's process lifecycle: signal handling,
// the terminating flag, SIGHUP trigger flags, and the ordered start/stop
// of every other component.
type Supervisor struct {
	logger *slog.Logger

	terminating atomic.Bool

	mu      sync.Mutex
	flags   TriggerFlags
	flagSet bool

	scheduler Scheduler

	sigCh  chan os.Signal
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Supervisor. scheduler is used by the check_triggers job to
// trigger-run "discovery", "send_facts" and "reconcile" by name; it may be nil
// in tests that don't exercise SIGHUP handling.
func New(scheduler Scheduler, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:    logger.With("component", "supervisor"),
		scheduler: scheduler,
		sigCh:     make(chan os.Signal, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Terminating reports whether a graceful shutdown has been requested.
func (s *Supervisor) Terminating() bool {
	return s.terminating.Load()
}

// ListenForSignals registers SIGTERM/SIGHUP handling and starts the
// check_triggers worker. Call Shutdown to stop both.
func (s *Supervisor) ListenForSignals() {
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGHUP)
	go s.run()
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(checkTriggersInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			close(s.doneCh)
			return
		case sig := <-s.sigCh:
			switch sig {
			case syscall.SIGTERM:
				s.logger.Info("received SIGTERM, terminating gracefully")
				s.terminating.Store(true)
			case syscall.SIGHUP:
				s.logger.Info("received SIGHUP, setting trigger flags")
				s.setTriggerFlags()
			}
		case <-ticker.C:
			s.checkTriggers()
		}
	}
}

func (s *Supervisor) setTriggerFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = TriggerFlags{Discovery: true, Facts: true, UpdatesCount: true}
	s.flagSet = true
}

// checkTriggers is the 10s job that consumes and clears the trigger flags,
// trigger-running the scheduler jobs they name.
func (s *Supervisor) checkTriggers() {
	s.mu.Lock()
	if !s.flagSet {
		s.mu.Unlock()
		return
	}
	flags := s.flags
	s.flags = TriggerFlags{}
	s.flagSet = false
	s.mu.Unlock()

	if s.scheduler == nil {
		return
	}
	if flags.Discovery {
		s.scheduler.Trigger("discovery")
	}
	if flags.Facts {
		s.scheduler.Trigger("send_facts")
	}
	if flags.UpdatesCount {
		s.scheduler.Trigger("reconcile")
	}
}

// Shutdown stops signal handling and the check_triggers worker.
func (s *Supervisor) Shutdown() {
	signal.Stop(s.sigCh)
	close(s.stopCh)
	<-s.doneCh
}

// StartAll starts every component in order, stopping whatever already
// started and returning the first error if one fails to start.
func StartAll(ctx context.Context, components []Component, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	started := make([]Component, 0, len(components))
	for _, c := range components {
		logger.Info("starting component", "component", c.Name)
		if err := c.Start(ctx); err != nil {
			logger.Error("component failed to start, unwinding", "component", c.Name, "error", err)
			StopAll(started, logger)
			return err
		}
		started = append(started, c)
	}
	return nil
}

// StopAll stops every component in reverse start order, with a timeout per
// component so one stuck component can't block the others indefinitely.
func StopAll(components []Component, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if c.Stop == nil {
			continue
		}
		logger.Info("stopping component", "component", c.Name)

		done := make(chan struct{})
		go func() {
			c.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(30 * time.Second):
			logger.Warn("component stop timed out", "component", c.Name)
		}
	}
}
