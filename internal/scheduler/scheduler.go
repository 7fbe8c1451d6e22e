// Package scheduler hosts the periodic funnel sweeps (inactivity reaping and
// re-prompt nudges) on cron expressions or fixed intervals.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// stopTimeout bounds how long Stop waits for in-flight sweeps. A sweep stuck
// on a dead database must not wedge process shutdown.
const stopTimeout = 10 * time.Second

// Scheduler runs registered sweeps until stopped.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler returns a running scheduler. Jobs use standard 5-field cron
// expressions, and a panicking job is recovered rather than taking the
// runner down with it.
func NewScheduler() *Scheduler {
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob registers a task on a cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: job registered", "entry", id, "expr", expr)
	return nil
}

// AddEvery registers a task at a fixed interval. The cron runner rounds
// intervals below one second up to a second.
func (s *Scheduler) AddEvery(interval time.Duration, task func()) {
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(task))
	slog.Debug("Scheduler.AddEvery: job registered", "entry", id, "interval", interval)
}

// Stop halts scheduling and waits for running jobs, up to stopTimeout.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		slog.Warn("Scheduler.Stop: jobs still running after timeout, abandoning wait", "timeout", stopTimeout)
	}
}
