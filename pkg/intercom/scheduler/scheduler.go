// Copyright 2024-2026 Aiku AI

// Package scheduler runs periodic background jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Job is a named unit of background work.
type Job interface {
	Name() string
	// Schedule returns a cron spec, for example "@every 5m".
	Schedule() string
	Run(ctx context.Context) error
}

// Every returns the cron spec of a fixed interval.
func Every(interval time.Duration) string {
	return "@every " + interval.String()
}

type funcJob struct {
	name     string
	schedule string
	fn       func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Schedule() string              { return j.schedule }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob wraps fn as a Job running every interval.
func NewJob(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, schedule: Every(interval), fn: fn}
}

// Observer is notified after every job run.
type Observer func(name string, err error)

// Executor runs jobs on their schedule. A run is skipped while the previous
// run of the same job is still going.
type Executor struct {
	cron     *cron.Cron
	jobs     map[string]Job
	running  mapset.Set[string]
	lock     sync.Mutex
	wg       sync.WaitGroup
	observer Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewExecutor(log zerolog.Logger, observer Observer) *Executor {
	return &Executor{
		cron:     cron.New(),
		jobs:     make(map[string]Job),
		running:  mapset.NewThreadUnsafeSet[string](),
		observer: observer,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers job. It must be called before Start.
func (e *Executor) Add(job Job) error {
	if _, exists := e.jobs[job.Name()]; exists {
		return fmt.Errorf("job %q is already registered", job.Name())
	}
	err := e.cron.AddFunc(job.Schedule(), func() {
		e.RunNow(job.Name())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", job.Name(), err)
	}
	e.jobs[job.Name()] = job
	return nil
}

// Start begins running jobs on their schedule until Stop is called or ctx is
// done.
func (e *Executor) Start(ctx context.Context) {
	e.lock.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.lock.Unlock()
	e.cron.Start()
	e.log.Debug().Int("jobs", len(e.jobs)).Msg("Scheduler started")
}

// RunNow runs the named job in the background unless it is already running.
// It returns false if the run was skipped.
func (e *Executor) RunNow(name string) bool {
	job, ok := e.jobs[name]
	if !ok {
		return false
	}
	e.lock.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.lock.Unlock()
		return false
	}
	if e.running.Contains(name) {
		e.lock.Unlock()
		e.log.Warn().Str("job", name).Msg("Job is still running, skipping this run")
		return false
	}
	e.running.Add(name)
	ctx := e.ctx
	e.wg.Add(1)
	e.lock.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.lock.Lock()
			e.running.Remove(name)
			e.lock.Unlock()
		}()
		start := time.Now()
		err := job.Run(ctx)
		if err != nil {
			e.log.Warn().Err(err).Str("job", name).Msg("Job failed")
		} else {
			e.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Job finished")
		}
		if e.observer != nil {
			e.observer(name, err)
		}
	}()
	return true
}

// Running reports whether the named job is currently running.
func (e *Executor) Running(name string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.running.Contains(name)
}

// Stop stops scheduling new runs and waits for running jobs to return.
func (e *Executor) Stop() {
	e.cron.Stop()
	e.lock.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.lock.Unlock()
	e.wg.Wait()
	e.log.Debug().Msg("Scheduler stopped")
}
