package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("noop", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("noop", DefaultPurgeSchedule, func() {}); err != nil {
		t.Errorf("Expected default purge schedule to parse, got %v", err)
	}
	if err := s.AddJob("bad", "every minute", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

type fakePurger struct {
	calls int
	err   error
}

func (p *fakePurger) PurgeExpired(ctx context.Context) (int64, error) {
	p.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("purge called without deadline")
	}
	return 3, p.err
}

type fakeSweeper struct{ calls int }

func (s *fakeSweeper) Sweep() int {
	s.calls++
	return 1
}

func TestPurgeJob(t *testing.T) {
	p := &fakePurger{}
	job := PurgeJob(p, time.Second)
	if job == nil {
		t.Fatal("expected a job for a Purger")
	}
	job()
	p.err = errors.New("db down")
	job()
	if p.calls != 2 {
		t.Errorf("PurgeExpired called %d times, want 2", p.calls)
	}

	sw := &fakeSweeper{}
	PurgeJob(sw, time.Second)()
	if sw.calls != 1 {
		t.Errorf("Sweep called %d times, want 1", sw.calls)
	}

	if PurgeJob(struct{}{}, time.Second) != nil {
		t.Error("expected no job for a self-expiring store")
	}
}
