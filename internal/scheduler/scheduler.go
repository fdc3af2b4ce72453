// Package scheduler triggers the periodic wallet jobs: retry sweeps, reward distribution and payout disbursement.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	ErrInvalidJob = errors.New("scheduler: invalid job")
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

// Job is one named periodic task. Timeout bounds a single run; zero means the interval.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Observer records job runs.
type Observer interface {
	ObserveJob(job string, outcome string, duration time.Duration)
}

type Option func(*Runner)

func WithLogger(logger *zap.Logger) Option {
	return func(runner *Runner) {
		if logger != nil {
			runner.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(runner *Runner) {
		runner.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(runner *Runner) {
		if now != nil {
			runner.now = now
		}
	}
}

// Runner ticks every job on its own interval. A failing run is logged and retried on the next tick.
type Runner struct {
	jobs     []Job
	byName   map[string]Job
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

func NewRunner(jobs []Job, options ...Option) (*Runner, error) {
	runner := &Runner{
		byName: make(map[string]Job, len(jobs)),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, job := range jobs {
		job.Name = strings.TrimSpace(job.Name)
		switch {
		case job.Name == "":
			return nil, fmt.Errorf("%w: name is empty", ErrInvalidJob)
		case job.Interval <= 0:
			return nil, fmt.Errorf("%w: %s interval must be positive", ErrInvalidJob, job.Name)
		case job.Run == nil:
			return nil, fmt.Errorf("%w: %s has no run function", ErrInvalidJob, job.Name)
		}
		if _, exists := runner.byName[job.Name]; exists {
			return nil, fmt.Errorf("%w: %s registered twice", ErrInvalidJob, job.Name)
		}
		if job.Timeout <= 0 {
			job.Timeout = job.Interval
		}
		runner.byName[job.Name] = job
		runner.jobs = append(runner.jobs, job)
	}
	for _, option := range options {
		option(runner)
	}
	return runner, nil
}

// Run blocks until ctx is cancelled.
func (runner *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range runner.jobs {
		group.Go(func() error {
			runner.loop(groupCtx, job)
			return nil
		})
	}
	return group.Wait()
}

// RunOnce executes the named job immediately.
func (runner *Runner) RunOnce(ctx context.Context, name string) error {
	job, ok := runner.byName[strings.TrimSpace(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return runner.execute(ctx, job)
}

func (runner *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	runner.logger.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = runner.execute(ctx, job)
		}
	}
}

func (runner *Runner) execute(ctx context.Context, job Job) error {
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	started := runner.now()
	err := job.Run(runCtx, started.UTC())
	elapsed := runner.now().Sub(started)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		runner.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		runner.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("elapsed", elapsed))
	}
	if runner.observer != nil {
		runner.observer.ObserveJob(job.Name, outcome, elapsed)
	}
	return err
}
