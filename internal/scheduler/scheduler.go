// Package scheduler runs the periodic ticks (scheduled calls, analyzers) in
// process on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultCallsSpec is the cadence of the scheduled-call tick.
	DefaultCallsSpec = "*/5 * * * *"
	// DefaultAnalyzersSpec is the cadence of the analyzer tick.
	DefaultAnalyzersSpec = "*/15 * * * *"
	// DefaultJobTimeout bounds a single run of a job.
	DefaultJobTimeout = 4 * time.Minute
)

// ErrDuplicateJob is returned when a job name is registered twice.
var ErrDuplicateJob = errors.New("scheduler: duplicate job name")

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Opts holds configuration for the scheduler.
type Opts struct {
	JobTimeout time.Duration
	Location   *time.Location
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JobTimeout = d }
}

// WithLocation sets the timezone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	opts    Opts
	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a cron scheduler. Jobs do not run until Start.
func NewScheduler(opts ...Option) *Scheduler {
	o := Opts{JobTimeout: DefaultJobTimeout, Location: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	logger := slogLogger{}
	// Standard 5-field parser (min, hour, dom, month, dow). A job still
	// running when its next slot arrives is skipped rather than stacked.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(o.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, opts: o, entries: make(map[string]cron.EntryID), baseCtx: ctx, cancel: cancel}
}

// AddJob schedules a named job using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for job %s: %w", expr, name, err)
	}
	s.entries[name] = id
	slog.Info("Scheduler.AddJob: job registered", "job", name, "spec", expr)
	return nil
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Next returns the next scheduled run of a job, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.JobTimeout)
	defer cancel()
	start := time.Now()
	slog.Debug("Scheduler.run: job started", "job", name)
	if err := job(ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Info("Scheduler.run: job completed", "job", name, "duration", time.Since(start))
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to
// finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
}

// slogLogger adapts the default slog logger to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler.cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler.cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
