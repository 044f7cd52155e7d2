// Package scheduler runs goals on cron schedules. Scheduled runs are
// unattended, so every job decides up front whether its gates are approved
// or rejected.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/pkg/schema"
)

// DefaultTick is how often due jobs are checked.
const DefaultTick = 30 * time.Second

// Job is a goal run on a schedule.
type Job struct {
	Name        string `json:"name" yaml:"name"`
	Cron        string `json:"cron" yaml:"cron"`
	Goal        string `json:"goal" yaml:"goal"`
	AutoApprove bool   `json:"auto_approve" yaml:"auto_approve"`
}

// JobStatus reports a job and its last outcome.
type JobStatus struct {
	Job
	NextRunAt  time.Time        `json:"next_run_at"`
	LastRunAt  *time.Time       `json:"last_run_at,omitempty"`
	LastRunID  string           `json:"last_run_id,omitempty"`
	LastStatus schema.RunStatus `json:"last_status,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
}

// Runner executes a goal to completion. Satisfied by *runner.Service.
type Runner interface {
	Run(ctx context.Context, goal string, opts runner.StartOptions) (*runner.RunInfo, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

var jobNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type entry struct {
	status   JobStatus
	schedule cron.Schedule
}

// Scheduler polls its jobs and runs those that are due.
type Scheduler struct {
	runner    Runner
	parser    cron.Parser
	logger    *slog.Logger
	tickEvery time.Duration
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*entry
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	wg         sync.WaitGroup
}

// New validates jobs and creates a Scheduler. Cron expressions use the
// standard five fields (minute hour day-of-month month day-of-week) and
// descriptors such as @hourly.
func New(jobs []Job, r Runner, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner:    r,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logging.OrDefault(logger),
		tickEvery: DefaultTick,
		now:       time.Now,
		jobs:      make(map[string]*entry, len(jobs)),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, j := range jobs {
		if err := s.add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(j Job) error {
	if !jobNameRe.MatchString(j.Name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule name %q", j.Name)
	}
	if j.Goal == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q has no goal", j.Name)
	}
	sched, err := s.parser.Parse(j.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: parse cron expression %q", j.Name, j.Cron).WithCause(err)
	}
	if _, dup := s.jobs[j.Name]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q defined twice", j.Name)
	}
	s.jobs[j.Name] = &entry{
		status:   JobStatus{Job: j, NextRunAt: sched.Next(s.now().UTC())},
		schedule: sched,
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Jobs returns every job's status, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "tick", s.tickEvery)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every due job that is not already running.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []Job
	for _, e := range s.jobs {
		if !e.status.NextRunAt.After(now) {
			due = append(due, e.status.Job)
			e.status.NextRunAt = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.Name) {
			s.logger.Info("scheduled run skipped, previous still running", "schedule", j.Name)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseJob(j.Name)
			_, _ = s.runJob(ctx, j, now)
		}()
	}
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*runner.RunInfo, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	if !s.tryAcquire(name) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "schedule %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, e.status.Job, s.now().UTC())
}

func (s *Scheduler) runJob(ctx context.Context, j Job, at time.Time) (*runner.RunInfo, error) {
	approve := engine.AutoReject("scheduled run: approvals are not auto-approved")
	if j.AutoApprove {
		approve = engine.AutoApprove
	}
	s.logger.Info("running scheduled goal", "schedule", j.Name)

	info, err := s.runner.Run(ctx, j.Goal, runner.StartOptions{
		Metadata: map[string]any{"schedule": j.Name},
		Approve:  approve,
	})

	s.mu.Lock()
	if e, ok := s.jobs[j.Name]; ok {
		e.status.LastRunAt = &at
		e.status.LastRunID = ""
		e.status.LastError = ""
		if info != nil {
			e.status.LastRunID = info.ID
			e.status.LastStatus = info.Status
			e.status.LastError = info.Error
		}
		if err != nil {
			if info == nil {
				e.status.LastStatus = schema.RunStatusFailed
			}
			e.status.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled run failed", "schedule", j.Name, "error", err)
	} else if info != nil {
		s.logger.Info("scheduled run finished", "schedule", j.Name, "run_id", info.ID, "status", info.Status)
	}
	return info, err
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop ends the loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
