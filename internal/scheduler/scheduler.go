// Package scheduler runs periodic maintenance jobs for ChatFlow, such as purging expired
// sessions from stores that do not expire keys on their own.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the expired-session purge every five minutes.
const DefaultPurgeSchedule = "*/5 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		slog.Error("Scheduler.AddJob: invalid schedule", "error", err, "job", name, "expr", expr)
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "expr", expr)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Purger is a session store that removes expired sessions in bulk (SQLite, Postgres).
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper is a session store that removes expired sessions in memory.
type Sweeper interface {
	Sweep() int
}

// PurgeJob returns a task that drops expired sessions from st, or nil when st expires
// sessions by itself (Redis).
func PurgeJob(st any, timeout time.Duration) func() {
	switch s := st.(type) {
	case Purger:
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				slog.Error("PurgeJob: purge failed", "error", err)
				return
			}
			if n > 0 {
				slog.Info("PurgeJob: expired sessions removed", "count", n)
			}
		}
	case Sweeper:
		return func() {
			if n := s.Sweep(); n > 0 {
				slog.Info("PurgeJob: expired sessions swept", "count", n)
			}
		}
	default:
		return nil
	}
}
