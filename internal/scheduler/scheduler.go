// Package scheduler fires per-service cycles at predictable wall-clock
// instants. Interval schedules align to the top of the hour (minutes 0, k,
// 2k, ...); fixed schedules fire at configured local times.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Schedule computes the next firing instant strictly after a given time.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Interval fires at local minutes {0, step, 2*step, ...} of every hour,
// aligned to the wall clock rather than to process start.
type Interval struct {
	Step int // minutes
	Loc  *time.Location
}

func (s Interval) Next(after time.Time) time.Time {
	step := s.Step
	if step <= 0 {
		step = 60 // zero-value schedule fires hourly
	}
	local := after.In(s.Loc)
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.Loc)
	for m := 0; m < 60; m += step {
		t := hour.Add(time.Duration(m) * time.Minute)
		if t.After(after) {
			return t
		}
	}
	return hour.Add(time.Hour)
}

// FixedTimes fires once per configured "HH:MM" local time each day.
type FixedTimes struct {
	Times []string
	Loc   *time.Location
}

func (s FixedTimes) Next(after time.Time) time.Time {
	local := after.In(s.Loc)
	var candidates []time.Time
	for _, raw := range s.Times {
		hm, err := time.Parse("15:04", strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		t := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, s.Loc)
		if !t.After(after) {
			t = t.AddDate(0, 0, 1)
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	if len(candidates) == 0 {
		return after.Add(24 * time.Hour)
	}
	return candidates[0]
}

// Runner drives one service's cycles from a Schedule. Ticks are executed
// synchronously: a tick that lands while the previous cycle is still running
// is absorbed (the next instant is recomputed from completion time), and the
// distributed lock drops overlaps across processes.
type Runner struct {
	name  string
	sched Schedule
	fn    func(ctx context.Context)

	startOnce sync.Once
	doneCh    chan struct{}
}

// NewRunner builds a runner; fn is one full cycle for the service.
func NewRunner(name string, sched Schedule, fn func(ctx context.Context)) *Runner {
	return &Runner{name: name, sched: sched, fn: fn, doneCh: make(chan struct{})}
}

// Start launches the tick loop. It returns immediately; the loop ends when
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.loop(ctx)
	})
}

// Done is closed once the loop has fully stopped.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)
	for {
		next := r.sched.Next(time.Now())
		slog.Info("cycle scheduled", "service", r.name, "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.fn(ctx)
	}
}
