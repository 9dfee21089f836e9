// Package scheduler materializes due recurring job definitions into runnable
// jobs and hands them to the execution engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/prospector/internal/storage"
)

const DefaultInterval = 60 * time.Second

// Store is the subset of the job store the scheduler needs.
type Store interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ListDueScheduledJobs(ctx context.Context, now time.Time) ([]storage.Job, error)
	MaterializeScheduledJob(ctx context.Context, defID string, runAt, next time.Time, expectNext *time.Time) (storage.Job, error)
}

// Dispatcher starts a job asynchronously. *engine.Engine satisfies it.
type Dispatcher interface {
	Dispatch(jobID string)
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	Due          int           `json:"due"`
	Materialized int           `json:"materialized"`
	Conflicts    int           `json:"conflicts"`
	Failed       int           `json:"failed"`
	JobIDs       []string      `json:"job_ids,omitempty"`
}

// Health is a snapshot of the scheduler's state.
type Health struct {
	Running          bool       `json:"running"`
	TickInProgress   bool       `json:"tick_in_progress"`
	Interval         string     `json:"interval"`
	LastTickAt       *time.Time `json:"last_tick_at,omitempty"`
	LastTickDuration string     `json:"last_tick_duration,omitempty"`
	Ticks            uint64     `json:"ticks"`
	SkippedTicks     uint64     `json:"skipped_ticks"`
	Materialized     uint64     `json:"materialized"`
	Failed           uint64     `json:"failed"`
	LastError        string     `json:"last_error,omitempty"`
}

// Scheduler periodically scans for due recurring definitions. Ticks are
// single-flight: a tick that starts while another is active returns at once.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	ticking atomic.Bool
	ticks   sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	lastTickAt   time.Time
	lastTickDur  time.Duration
	tickCount    uint64
	skipped      uint64
	materialized uint64
	failed       uint64
	lastErr      string
}

func New(store Store, dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   opts.Interval,
		now:        opts.Now,
		logger:     opts.Logger,
	}
}

// Start launches the tick loop. It runs one tick immediately so runs that
// fell due while the process was down are caught up. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop ends the tick loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.ticks.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.spawnTick(ctx)
		}
	}
}

func (s *Scheduler) spawnTick(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		if _, ok := s.Tick(ctx); !ok {
			s.logger.Debug("scheduler tick skipped, previous tick still running")
		}
	}()
}

// Tick materializes every due definition once. It returns false without
// doing anything when another tick is in progress.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, bool) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		return TickReport{}, false
	}
	defer s.ticking.Store(false)

	now := s.now()
	rep := TickReport{StartedAt: now}

	due, err := s.store.ListDueScheduledJobs(ctx, now)
	if err != nil {
		s.logger.Error("listing due schedules failed", "error", err)
		s.record(rep, now, err)
		return rep, true
	}

	for _, def := range due {
		if ctx.Err() != nil {
			break
		}
		rep.Due++
		job, err := s.materialize(ctx, def, now, true)
		switch {
		case errors.Is(err, storage.ErrScheduleConflict):
			rep.Conflicts++
			s.logger.Debug("schedule already advanced elsewhere", "schedule_id", def.ID)
		case err != nil:
			rep.Failed++
			s.logger.Warn("materializing schedule failed", "schedule_id", def.ID, "error", err)
		default:
			rep.Materialized++
			rep.JobIDs = append(rep.JobIDs, job.ID)
		}
	}

	rep.Duration = s.now().Sub(now)
	s.record(rep, now, nil)
	if rep.Due > 0 {
		s.logger.Info("scheduler tick",
			"due", rep.Due, "materialized", rep.Materialized,
			"conflicts", rep.Conflicts, "failed", rep.Failed)
	}
	return rep, true
}

// Trigger runs a recurring definition now, regardless of its next run time,
// and returns the id of the job it created. The job executes asynchronously.
func (s *Scheduler) Trigger(ctx context.Context, defID string) (string, error) {
	def, err := s.store.GetJob(ctx, defID)
	if err != nil {
		return "", err
	}
	if !def.IsScheduled || def.Status == storage.JobCancelled {
		return "", storage.ErrNotScheduled
	}

	job, err := s.materialize(ctx, def, s.now(), false)
	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.materialized++
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.logger.Info("schedule triggered", "schedule_id", defID, "job_id", job.ID)
	return job.ID, nil
}

func (s *Scheduler) materialize(ctx context.Context, def storage.Job, now time.Time, guarded bool) (storage.Job, error) {
	if def.Schedule == nil {
		return storage.Job{}, fmt.Errorf("schedule %s has no recurrence rule", def.ID)
	}
	next, err := ComputeNextRun(*def.Schedule, now)
	if err != nil {
		return storage.Job{}, fmt.Errorf("computing next run of %s: %w", def.ID, err)
	}

	var expect *time.Time
	if guarded {
		expect = def.NextRunAt
	}
	job, err := s.store.MaterializeScheduledJob(ctx, def.ID, now, next, expect)
	if err != nil {
		return storage.Job{}, err
	}
	s.dispatcher.Dispatch(job.ID)
	return job, nil
}

func (s *Scheduler) record(rep TickReport, at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickCount++
	s.lastTickAt = at
	s.lastTickDur = rep.Duration
	s.materialized += uint64(rep.Materialized)
	s.failed += uint64(rep.Failed)
	if err != nil {
		s.lastErr = err.Error()
	} else if rep.Failed == 0 {
		s.lastErr = ""
	}
}

func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Running:        s.running,
		TickInProgress: s.ticking.Load(),
		Interval:       s.interval.String(),
		Ticks:          s.tickCount,
		SkippedTicks:   s.skipped,
		Materialized:   s.materialized,
		Failed:         s.failed,
		LastError:      s.lastErr,
	}
	if !s.lastTickAt.IsZero() {
		at := s.lastTickAt
		h.LastTickAt = &at
		h.LastTickDuration = s.lastTickDur.String()
	}
	return h
}
