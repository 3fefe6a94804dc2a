// Package scheduler runs the engine's periodic maintenance tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
)

const defaultJitter = 30 * time.Millisecond

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
}

// Scheduler runs named tasks on jittered tickers. Runs of one task never
// overlap; different tasks run independently.
type Scheduler struct {
	logger *slog.Logger
	jitter time.Duration

	mu      sync.Mutex
	tasks   []task
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJitter sets the standard deviation of the tick jitter.
func WithJitter(stdev time.Duration) Option {
	return func(s *Scheduler) { s.jitter = stdev }
}

// New creates an empty scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{logger: logger, jitter: defaultJitter}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %q: scheduler already running", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %q already registered", name)
		}
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: fn})
	return nil
}

// Run starts every task and blocks until ctx is cancelled and all running
// task invocations have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Go(func() { s.loop(ctx, t) })
	}
	s.logger.Info("scheduler started", "tasks", len(tasks))
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	ticker := jitterbug.New(t.interval, &jitterbug.Norm{Stdev: s.jitter, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.runOnce(ctx, t)
	}
}

// runOnce isolates one invocation: errors and panics are logged and the
// next tick proceeds.
func (s *Scheduler) runOnce(ctx context.Context, t task) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return t.run(ctx)
	}()
	elapsed := time.Since(start)
	taskDuration.WithLabelValues(t.name).Observe(elapsed.Seconds())

	if err != nil {
		taskRuns.WithLabelValues(t.name, "error").Inc()
		s.logger.Error("scheduled task failed", "task", t.name, "duration", elapsed.String(), "error", err)
		return
	}
	taskRuns.WithLabelValues(t.name, "ok").Inc()
	s.logger.Debug("scheduled task done", "task", t.name, "duration", elapsed.String())
}
