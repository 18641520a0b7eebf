package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crypto-news-analyzer/pipeline"
)

// ErrStopped is returned by Trigger once the scheduler has shut down.
var ErrStopped = errors.New("scheduler stopped")

// Runner runs one fetch-and-analyze cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*pipeline.Report, error)
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running    bool             `json:"running"`
	Queued     bool             `json:"queued"`
	LastReport *pipeline.Report `json:"last_report,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	NextRun    *time.Time       `json:"next_run,omitempty"`
}

type result struct {
	report *pipeline.Report
	err    error
}

// Scheduler runs cycles on a fixed interval and on demand. At most one
// cycle runs at a time; requests that arrive during a cycle are merged
// into a single follow-up run.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	cron       *cron.Cron

	mu         sync.Mutex
	ctx        context.Context
	entryID    cron.EntryID
	running    bool
	queued     bool
	stopped    bool
	waiters    []chan result
	lastReport *pipeline.Report
	lastErr    error
	wg         sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunOnStart makes Run start a cycle immediately.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// NewScheduler creates a scheduler that runs runner every interval.
func NewScheduler(runner Runner, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("invalid interval %s: must be at least 1s", interval)
	}

	s := &Scheduler{
		runner:   runner,
		interval: interval,
		cron:     cron.New(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run schedules cycles until ctx is cancelled, then waits for the running
// cycle to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.ctx = ctx
	entryID, err := s.cron.AddFunc(buildCronSpec(s.interval), func() { s.request(nil) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("add cron job: %w", err)
	}
	s.entryID = entryID
	s.mu.Unlock()

	s.cron.Start()
	slog.Info("scheduler started", "interval", s.interval, "run_on_start", s.runOnStart)

	if s.runOnStart {
		s.request(nil)
	}

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()

	slog.Info("scheduler stopped")
	return nil
}

// Trigger runs a cycle now, or right after the running one, and waits for
// its report. The timer is not reset. Triggers issued while a cycle is in
// progress share one follow-up run. Cancelling ctx stops the wait, not the
// cycle.
func (s *Scheduler) Trigger(ctx context.Context) (*pipeline.Report, error) {
	done := make(chan result, 1)
	if !s.request(done) {
		return nil, ErrStopped
	}

	select {
	case res := <-done:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports whether a cycle is running or queued and how the last one went.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:    s.running,
		Queued:     s.queued,
		LastReport: s.lastReport,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.entryID != 0 {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// request starts a cycle or queues one behind the running cycle. done, if
// non-nil, receives the result of the cycle that serves the request.
func (s *Scheduler) request(done chan result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if done != nil {
		s.waiters = append(s.waiters, done)
	}
	if s.running {
		if !s.queued {
			slog.Info("cycle in progress, queued another run")
		}
		s.queued = true
		return true
	}

	s.running = true
	waiters := s.waiters
	s.waiters = nil
	ctx := s.ctx
	s.wg.Add(1)
	go s.loop(ctx, waiters)
	return true
}

func (s *Scheduler) loop(ctx context.Context, waiters []chan result) {
	defer s.wg.Done()

	for {
		report, err := s.runner.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("cycle failed", "error", err)
		}
		for _, w := range waiters {
			w <- result{report: report, err: err}
		}

		s.mu.Lock()
		if report != nil {
			s.lastReport = report
		}
		s.lastErr = err
		if !s.queued || ctx.Err() != nil {
			s.running = false
			s.queued = false
			rest := s.waiters
			s.waiters = nil
			s.mu.Unlock()
			for _, w := range rest {
				w <- result{err: ErrStopped}
			}
			return
		}
		s.queued = false
		waiters = s.waiters
		s.waiters = nil
		s.mu.Unlock()
	}
}

func buildCronSpec(interval time.Duration) string {
	return "@every " + interval.String()
}
