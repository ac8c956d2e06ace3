// Package scheduler re-runs the batch on a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled batch run.
type Job func(ctx context.Context) error

// Scheduler wraps a cron.Cron running a single job. Overlapping ticks are
// skipped while a run is still in progress.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	logger  *slog.Logger
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entry   cron.EntryID
}

// New parses spec (standard 5-field cron or a descriptor like @daily)
// in loc and registers job.
func New(spec string, loc *time.Location, job Job, logger *slog.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("scheduler: job is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		job:    job,
		logger: logger.With("component", "scheduler"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid expression %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) tick() {
	if !s.running.TryLock() {
		s.logger.Warn("previous run still in progress, skipping tick")
		return
	}
	defer s.running.Unlock()

	start := time.Now()
	s.logger.Info("scheduled run started")
	if err := s.job(s.ctx); err != nil {
		s.logger.Error("scheduled run failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled run completed", "duration", time.Since(start))
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.Next())
}

// Next returns the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Stop cancels a running job and waits for it to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
