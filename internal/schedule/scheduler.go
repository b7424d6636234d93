// Package schedule provides a periodic scheduler that submits due cron
// schedules as tasks through the dispatcher.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter is the slice of the dispatcher the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, threadID, agentID, text string) (*store.Task, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Tasks    Submitter
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and submits a
// task for each one.
type Scheduler struct {
	store    *store.Store
	tasks    Submitter
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		tasks:    cfg.Tasks,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// loop ticks at the configured interval, queries for due schedules, and
// fires each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("schedule: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire submits the schedule's message as a task and records the next run.
// A thread that is already busy skips the firing rather than queueing it;
// the next run time still advances so the schedule is not retried every tick.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	task, err := s.tasks.Submit(ctx, sched.ThreadID, sched.AgentID, sched.Message)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Error("schedule: failed to submit task",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			return
		}
		s.logger.Warn("schedule: thread busy, skipping firing",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"thread_id", sched.ThreadID,
		)
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("schedule: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	if task != nil {
		s.logger.Info("schedule: fired",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"task_id", task.ID,
			"next_run_at", nextRun,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
