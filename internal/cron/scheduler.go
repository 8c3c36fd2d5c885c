// Package cron runs the background sweepers: batched access-counter
// flushes, session idle expiry, offload cache TTL eviction, and approval
// timeout resolution. Jobs without a schedule run on every tick; jobs with
// a 5-field cron spec run when the spec says so.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one registered background sweep. Name identifies it in logs and
// spans; Run performs one sweep pass and returns an error to be recorded,
// never panics. Spec is an optional 5-field cron expression; empty means
// the job runs on every scheduler tick.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config holds the scheduler's dependencies.
type Config struct {
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Jobs     []Job
}

// Scheduler runs every registered Job on a shared ticker.
type Scheduler struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	interval time.Duration
	jobs     []Job

	schedules map[string]cronlib.Schedule
	nextRun   map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("cron")
	}
	s := &Scheduler{
		logger:    logger,
		tracer:    tracer,
		interval:  interval,
		jobs:      cfg.Jobs,
		schedules: make(map[string]cronlib.Schedule),
		nextRun:   make(map[string]time.Time),
	}
	now := time.Now()
	for _, job := range cfg.Jobs {
		if job.Spec == "" {
			continue
		}
		sched, err := cronParser.Parse(job.Spec)
		if err != nil {
			logger.Error("cron: invalid spec, job will run every tick", "job", job.Name, "spec", job.Spec, "error", err)
			continue
		}
		s.schedules[job.Name] = sched
		s.nextRun[job.Name] = sched.Next(now)
	}
	return s
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job once. A job's failure is logged and recorded on
// its span but never stops the remaining jobs.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, job := range s.jobs {
		if sched, ok := s.schedules[job.Name]; ok {
			if now.Before(s.nextRun[job.Name]) {
				continue
			}
			s.nextRun[job.Name] = sched.Next(now)
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	ctx, span := s.tracer.Start(ctx, "cron.job."+job.Name)
	defer span.End()

	if err := job.Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("cron: job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("cron: job ran", "job", job.Name)
}
