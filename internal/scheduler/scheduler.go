// Package scheduler maintains recurring per-bucket jobs and drives their
// execution from an explicit loop with an injectable clock.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
)

// Handler executes one run of a job.
type Handler func(ctx context.Context, job engine.ScheduledJob) error

const defaultPollInterval = time.Second

type jobState struct {
	job     engine.ScheduledJob
	handler Handler
}

// Scheduler owns the job table. Due jobs are found by comparing the
// injected clock against each job's nextRunAt inside a polling loop, so
// tests advance virtual time instead of waiting on real timers.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*jobState
	clock  engine.Clock
	idGen  engine.IDGenerator
	logger *zap.Logger
	poll   time.Duration
}

// New constructs a Scheduler.
func New(clock engine.Clock, idGen engine.IDGenerator, logger *zap.Logger, poll time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		jobs:   make(map[string]*jobState),
		clock:  clock,
		idGen:  idGen,
		logger: logger,
		poll:   poll,
	}
}

// Register adds a recurring job. The first run is due one interval from now.
func (s *Scheduler) Register(
	name string,
	bucket engine.ContentBucket,
	interval time.Duration,
	handler Handler,
) (engine.ScheduledJob, error) {
	if interval <= 0 {
		return engine.ScheduledJob{}, fmt.Errorf("job interval must be positive")
	}
	if handler == nil {
		return engine.ScheduledJob{}, fmt.Errorf("job handler is required")
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return engine.ScheduledJob{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := engine.ScheduledJob{
		ID:        id,
		Name:      name,
		Bucket:    bucket,
		Interval:  interval,
		Status:    engine.JobStatusIdle,
		NextRunAt: now.Add(interval),
	}
	s.mu.Lock()
	s.jobs[id] = &jobState{job: job, handler: handler}
	s.mu.Unlock()
	s.logger.Info("job registered",
		zap.String("job_id", id),
		zap.String("job", name),
		zap.Duration("interval", interval),
	)
	return job, nil
}

// Remove deletes a job from the table. An in-flight run finishes normally.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// Jobs returns a snapshot of every registered job, ordered by name.
func (s *Scheduler) Jobs() []engine.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.ScheduledJob, 0, len(s.jobs))
	for _, js := range s.jobs {
		out = append(out, js.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (engine.ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return engine.ScheduledJob{}, false
	}
	return js.job, true
}

// ExecuteJob runs a job's handler immediately without disturbing its
// periodic schedule: nextRunAt is left untouched. Calling it while the job
// is already running is a no-op.
func (s *Scheduler) ExecuteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	js, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	if js.job.Status == engine.JobStatusRunning {
		s.mu.Unlock()
		s.logger.Debug("manual run skipped, job already running", zap.String("job_id", id))
		return nil
	}
	js.job.Status = engine.JobStatusRunning
	js.job.LastRunAt = s.clock.Now()
	job := js.job
	handler := js.handler
	s.mu.Unlock()

	err := s.runHandler(ctx, job, handler)

	s.mu.Lock()
	if js, ok := s.jobs[id]; ok {
		js.job.Status = engine.JobStatusIdle
		s.settle(js, err)
	}
	s.mu.Unlock()
	return err
}

// Run drives the scheduling loop until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPending(ctx)
		}
	}
}

// RunPending starts every due job and returns how many were started. A due
// job that is still running has its tick skipped, not queued: it is simply
// rescheduled one interval out.
func (s *Scheduler) RunPending(ctx context.Context) int {
	now := s.clock.Now()
	started := 0

	s.mu.Lock()
	for _, js := range s.jobs {
		if now.Before(js.job.NextRunAt) {
			continue
		}
		if js.job.Status == engine.JobStatusRunning {
			js.job.NextRunAt = now.Add(js.job.Interval)
			metrics.ObserveJobRun(js.job.Name, "skipped")
			s.logger.Debug("tick skipped, run still in flight", zap.String("job", js.job.Name))
			continue
		}
		js.job.Status = engine.JobStatusRunning
		js.job.LastRunAt = now
		started++
		go s.executeScheduled(ctx, js.job.ID)
	}
	s.mu.Unlock()
	return started
}

func (s *Scheduler) executeScheduled(ctx context.Context, id string) {
	s.mu.Lock()
	js, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := js.job
	handler := js.handler
	s.mu.Unlock()

	err := s.runHandler(ctx, job, handler)

	// The next timer is armed only after the handler settles.
	s.mu.Lock()
	if js, ok := s.jobs[id]; ok {
		js.job.Status = engine.JobStatusIdle
		js.job.NextRunAt = s.clock.Now().Add(js.job.Interval)
		s.settle(js, err)
	}
	s.mu.Unlock()
}

// runHandler executes the handler, converting panics into recorded job
// failures so one bad run never kills the loop.
func (s *Scheduler) runHandler(ctx context.Context, job engine.ScheduledJob, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// settle records run bookkeeping. Caller must hold s.mu.
func (s *Scheduler) settle(js *jobState, err error) {
	js.job.Runs++
	if err != nil {
		js.job.Failures++
		js.job.LastError = err.Error()
		metrics.ObserveJobRun(js.job.Name, "failure")
		s.logger.Warn("job run failed",
			zap.String("job", js.job.Name),
			zap.Error(err),
		)
		return
	}
	js.job.LastError = ""
	metrics.ObserveJobRun(js.job.Name, "success")
}
