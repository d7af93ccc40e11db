// Package worker runs jobs: periodic ones from a fixed schedule table, and
// follow-up ones received from the job queue.
package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/metrics"
)

const defaultJobTimeout = 5 * time.Minute

// Job results recorded in metrics
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultPanic   = "panic"
	ResultOverlap = "overlap"
	ResultRetry   = "retry"
	ResultDead    = "dead"
	ResultUnknown = "unknown"
)

// Entry is one row of the schedule table. A nil Minutes or Hours matches
// every value. Times are matched in UTC.
type Entry struct {
	Name    string
	Minutes []int
	Hours   []int
	Timeout time.Duration
	Run     func(ctx context.Context) (any, error)
}

// Due reports whether the entry fires in the minute containing t.
func (e Entry) Due(t time.Time) bool {
	t = t.UTC()
	return matches(e.Minutes, t.Minute()) && matches(e.Hours, t.Hour())
}

func matches(set []int, v int) bool {
	return set == nil || slices.Contains(set, v)
}

// Every returns the minutes of an hour divisible by n, e.g. Every(5) is
// 0, 5, ..., 55.
func Every(n int) []int {
	if n <= 1 {
		return nil
	}
	var out []int
	for m := 0; m < 60; m += n {
		out = append(out, m)
	}
	return out
}

// Scheduler fires table entries once per wall-clock minute. Each due entry
// runs in its own goroutine; an entry still running from an earlier minute
// is not started again.
type Scheduler struct {
	entries []Entry
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup

	now func() time.Time
}

// NewScheduler creates a scheduler over the given table.
func NewScheduler(entries []Entry, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		entries: entries,
		logger:  logger,
		running: make(map[string]bool),
		now:     time.Now,
	}
}

// Start ticks at the top of every minute until ctx is cancelled, then waits
// for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Int("entries", len(s.entries)))
	defer s.wg.Wait()

	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return
		case <-timer.C:
			s.Tick(ctx, next)
		}
	}
}

// Tick launches every entry due at the given time and returns the names
// that were started.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) []string {
	var started []string
	for _, e := range s.entries {
		if !e.Due(at) {
			continue
		}
		if s.launch(ctx, e) {
			started = append(started, e.Name)
		}
	}
	return started
}

// Wait blocks until all launched jobs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) launch(ctx context.Context, e Entry) bool {
	s.mu.Lock()
	if s.running[e.Name] {
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping", zap.String("job", e.Name))
		metrics.RecordJobRun(e.Name, ResultOverlap, 0)
		return false
	}
	s.running[e.Name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, e.Name)
			s.mu.Unlock()
		}()
		s.run(ctx, e)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, e Entry) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := invoke(func() (any, error) { return e.Run(jobCtx) })
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("job failed",
			zap.String("job", e.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		metrics.RecordJobRun(e.Name, resultFor(err), duration)
		return
	}

	s.logger.Info("job completed",
		zap.String("job", e.Name),
		zap.Duration("duration", duration),
		zap.Any("result", result),
	)
	metrics.RecordJobRun(e.Name, ResultSuccess, duration)
}

// panicError marks an error recovered from a job panic.
type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", p.value)
}

func invoke(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

func resultFor(err error) string {
	if _, ok := err.(*panicError); ok {
		return ResultPanic
	}
	return ResultError
}
