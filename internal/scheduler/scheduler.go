// Package scheduler runs named maintenance jobs on an aligned interval.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is invoked once per tick with the aligned tick time.
type JobFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

type job struct {
	name string
	fn   JobFunc
}

// Scheduler executes its jobs sequentially on every tick.
type Scheduler struct {
	opts   Options
	jobs   []job
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Add registers a job. Not safe to call after Run has started.
func (s *Scheduler) Add(name string, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, fn: fn})
}

// Jobs returns the registered job names in execution order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Run blocks, executing every job at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.RunOnce(ctx, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

// RunOnce executes every job for one tick. A failing job is logged and does
// not stop the ones after it.
func (s *Scheduler) RunOnce(ctx context.Context, tick time.Time) {
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		if err := j.fn(ctx, tick); err != nil {
			s.logger.Error().Err(err).Str("job", j.name).Time("tick", tick).Msg("job failed")
			continue
		}
		s.logger.Debug().Str("job", j.name).Time("tick", tick).Dur("took", time.Since(started)).Msg("job finished")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
