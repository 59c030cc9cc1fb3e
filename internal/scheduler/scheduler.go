// Package scheduler runs recurring jobs on fixed intervals or at a daily
// wall-clock time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pders01/feedtriage/internal/debuglog"
)

// Job is invoked with the time it was triggered.
type Job func(ctx context.Context, trigger time.Time)

type entry struct {
	name     string
	next     func(after time.Time) time.Time
	runFirst bool
	job      Job
}

// Scheduler runs each registered job on its own goroutine. A job never
// overlaps with itself: the next run is planned once the previous returns.
type Scheduler struct {
	mu      sync.Mutex
	entries []entry
	now     func() time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// Every runs job every interval. With immediate set the first run happens
// as soon as the scheduler starts.
func (s *Scheduler) Every(name string, interval time.Duration, immediate bool, job Job) {
	s.add(entry{
		name:     name,
		next:     func(after time.Time) time.Time { return after.Add(interval) },
		runFirst: immediate,
		job:      job,
	})
}

// DailyAt runs job once a day at hour:minute in loc.
func (s *Scheduler) DailyAt(name string, hour, minute int, loc *time.Location, job Job) {
	s.add(entry{
		name: name,
		next: func(after time.Time) time.Time { return NextDaily(after, hour, minute, loc) },
		job:  job,
	})
}

func (s *Scheduler) add(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Start launches every registered job. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(ctx, e, s.stop)
	}
	return nil
}

// Stop halts all jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, e entry, stop <-chan struct{}) {
	defer s.wg.Done()

	if e.runFirst {
		s.invoke(ctx, e, s.now())
	}
	for {
		wait := e.next(s.now()).Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case t := <-timer.C:
			s.invoke(ctx, e, t)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, e entry, trigger time.Time) {
	debuglog.Debugf("scheduler: running %s", e.name)
	e.job(ctx, trigger)
}

// NextDaily returns the first hour:minute in loc strictly after after.
func NextDaily(after time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	for !next.After(after) {
		local = local.AddDate(0, 0, 1)
		next = time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	}
	return next
}
