package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
)

// JobFunc is the work of a periodic job.
type JobFunc func(ctx context.Context) error

type job struct {
	name       string
	schedule   Schedule
	fn         JobFunc
	runOnStart bool
	next       time.Time
	running    atomic.Bool
}

// Runner triggers registered jobs when they are due.
type Runner struct {
	mu       sync.Mutex
	jobs     []*job
	started  bool
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckInterval sets how often the runner looks for due jobs.
func WithCheckInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner that checks for due jobs every 30 seconds by default.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		interval: 30 * time.Second,
		logger:   slog.New(slog.DiscardHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JobOption configures a job.
type JobOption func(*job)

// RunOnStart also triggers the job as soon as the runner starts.
func RunOnStart(enabled bool) JobOption {
	return func(j *job) {
		j.runOnStart = enabled
	}
}

// Add registers a job. Jobs must be added before Start.
func (r *Runner) Add(name string, s Schedule, fn JobFunc, opts ...JobOption) error {
	if name == "" || s == nil || fn == nil {
		return ErrInvalidJob
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	for _, j := range r.jobs {
		if j.name == name {
			return ErrJobAlreadyRegistered
		}
	}

	j := &job{name: name, schedule: s, fn: fn}
	for _, opt := range opts {
		opt(j)
	}
	r.jobs = append(r.jobs, j)

	r.logger.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", s.String()),
	)
	return nil
}

// Start blocks, triggering due jobs until ctx is cancelled. It then waits for running
// jobs to return and reports ctx.Err().
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(r.jobs) == 0 {
		r.mu.Unlock()
		return ErrNoJobs
	}
	r.started = true
	jobs := r.jobs
	r.mu.Unlock()

	now := r.now()
	for _, j := range jobs {
		j.next = j.schedule.Next(now)
		r.logger.InfoContext(ctx, "periodic job scheduled",
			slog.String("job", j.name),
			slog.Time("next_run", j.next),
		)
		if j.runOnStart {
			r.dispatch(ctx, j)
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler shutting down")
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx, jobs)
		}
	}
}

func (r *Runner) tick(ctx context.Context, jobs []*job) {
	now := r.now()
	for _, j := range jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.schedule.Next(now)
		r.dispatch(ctx, j)
	}
}

func (r *Runner) dispatch(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		r.logger.WarnContext(ctx, "periodic job still running, skipping this run", slog.String("job", j.name))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer j.running.Store(false)

		started := time.Now()
		if err := j.fn(ctx); err != nil {
			r.logger.ErrorContext(ctx, "periodic job failed",
				slog.String("job", j.name),
				logger.Duration(time.Since(started)),
				logger.Error(err),
			)
			return
		}
		r.logger.DebugContext(ctx, "periodic job completed",
			slog.String("job", j.name),
			logger.Duration(time.Since(started)),
		)
	}()
}

// Jobs returns the names of registered jobs.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		names = append(names, j.name)
	}
	return names
}
