// Package scheduler runs the worker jobs on independent fixed intervals.
// Jobs run concurrently with one another but never with themselves: a tick
// that fires while the previous invocation is still running is dropped, not
// queued. Job failures are logged and never propagate.
package scheduler

import (
	"context"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/metrics"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

type Scheduler struct {
	jobs      []Job
	logger    zerolog.Logger
	collector *metrics.Collector
}

func New(logger zerolog.Logger, collector *metrics.Collector) *Scheduler {
	return &Scheduler{logger: logger, collector: collector}
}

// Add registers a job. Must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Fn: fn})
}

// Run starts one ticker goroutine per job and blocks until ctx is cancelled
// and every in-flight invocation has finished.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{})
	for _, j := range s.jobs {
		go func(j Job) {
			defer func() { done <- struct{}{} }()
			s.runJob(ctx, j)
		}(j)
	}

	for range s.jobs {
		<-done
	}
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The run ctx only stops the ticker loop. An invocation that is
			// already underway keeps an uncancelled ctx so shutdown drains it
			// instead of aborting its queries mid-flight.
			s.invoke(context.WithoutCancel(ctx), j)
			// A tick that fired while the job was running is stale; drop it
			// instead of running back-to-back.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.collector.JobFailures.WithLabelValues(j.Name).Inc()
			s.logger.Error().Str("job", j.Name).Interface("panic", r).Msg("job panicked")
		}
	}()

	s.collector.JobRuns.WithLabelValues(j.Name).Inc()
	start := time.Now()
	s.logger.Debug().Str("job", j.Name).Msg("job started")

	if err := j.Fn(ctx); err != nil {
		s.collector.JobFailures.WithLabelValues(j.Name).Inc()
		s.logger.Error().Err(err).Str("job", j.Name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}

	s.logger.Debug().Str("job", j.Name).Dur("elapsed", time.Since(start)).Msg("job finished")
}
