// Package scheduler runs the engine's recurring and delayed jobs: planboard
// sweeps, prognosis submission, settlement runs. All delays pass through a
// single time factor so a simulated trading day can run in minutes, and a
// bypass switch collapses them entirely for tests.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a unit of scheduled work. Errors are logged, never fatal; a
// recurring job keeps its schedule after a failure.
type Job func(ctx context.Context) error

// Scheduler runs jobs with scaled delays and bounded concurrency.
type Scheduler struct {
	logger *slog.Logger
	factor float64
	bypass atomic.Bool

	sem chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	executed atomic.Int64
	failed   atomic.Int64
	panicked atomic.Int64
	skipped  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeFactor divides every delay and interval by factor. A factor of 60
// runs an hourly job every minute. Factors below 1 are ignored.
func WithTimeFactor(factor float64) Option {
	return func(s *Scheduler) {
		if factor >= 1 {
			s.factor = factor
		}
	}
}

// WithMaxConcurrent bounds how many jobs run at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// New creates a scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logger,
		factor: 1,
		sem:    make(chan struct{}, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start prepares the scheduler's run context. Jobs scheduled before Start
// fail.
func (s *Scheduler) Start(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return ctx
}

// Shutdown cancels all scheduled work and waits for running jobs.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

// SetBypass toggles job bypass. With bypass on, schedules keep firing but
// job bodies are skipped with a log line; switching bypass back off resumes
// normal runs on the unchanged schedule.
func (s *Scheduler) SetBypass(on bool) {
	s.bypass.Store(on)
}

// Scale returns the effective duration for d under the current factor.
func (s *Scheduler) Scale(d time.Duration) time.Duration {
	scaled := time.Duration(float64(d) / s.factor)
	if scaled < time.Millisecond {
		return time.Millisecond
	}
	return scaled
}

// After runs job once after the scaled delay.
func (s *Scheduler) After(ctx context.Context, name string, delay time.Duration, job Job) error {
	if err := s.checkStarted(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.Scale(delay))
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			s.runJob(ctx, name, job)
		}
	}()
	return nil
}

// Every runs job on the scaled interval until the context ends. The first
// run waits one interval.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	if err := s.checkStarted(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Scale(interval))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJob(ctx, name, job)
				ticker.Reset(s.Scale(interval))
			}
		}
	}()
	return nil
}

// Register schedules job to first run after the scaled initial delay and
// then repeat on the scaled interval until the context ends. Both durations
// pass through the time factor.
func (s *Scheduler) Register(ctx context.Context, name string, job Job, initialDelay, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	if err := s.checkStarted(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.Scale(initialDelay))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runJob(ctx, name, job)
		}
		ticker := time.NewTicker(s.Scale(interval))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJob(ctx, name, job)
			}
		}
	}()
	return nil
}

// Counts reports executed, failed, and panicked job totals.
func (s *Scheduler) Counts() (executed, failed, panicked int64) {
	return s.executed.Load(), s.failed.Load(), s.panicked.Load()
}

// Skipped reports how many job runs the bypass switch absorbed.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

func (s *Scheduler) checkStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("scheduler not started")
	}
	return nil
}

// runJob executes one job under the concurrency bound, recovering panics so
// a broken strategy cannot take down the engine.
func (s *Scheduler) runJob(ctx context.Context, name string, job Job) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if s.bypass.Load() {
		s.skipped.Add(1)
		s.logger.Debug("scheduled job bypassed", "job", name)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.panicked.Add(1)
			s.logger.Error("scheduled job panicked",
				"job", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := job(ctx); err != nil {
		s.failed.Add(1)
		s.logger.Warn("scheduled job failed", "job", name, "error", err)
		return
	}
	s.executed.Add(1)
}
