// Package engine runs batch detection jobs item by item.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/prospector/internal/detect"
	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/storage"
)

const DefaultMaxConcurrentJobs = 4

// ErrInvalidConfig is returned when a job's detection settings name
// strategies or confidence levels the engine does not know.
var ErrInvalidConfig = errors.New("invalid job config")

// errRecurringDefinition is returned by Run for a recurring definition,
// which owns no items and is only ever materialized.
var errRecurringDefinition = errors.New("job is a recurring definition")

// Store abstracts the job, item and lead operations the engine needs.
type Store interface {
	CreateJob(ctx context.Context, cfg storage.JobConfig) (storage.Job, error)
	CreateSchedule(ctx context.Context, cfg storage.JobConfig, sched storage.Schedule, nextRun time.Time) (storage.Job, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ListItems(ctx context.Context, jobID string) ([]storage.Item, error)
	ListUnfinishedJobs(ctx context.Context) ([]storage.Job, error)
	SetJobStatus(ctx context.Context, id string, status storage.JobStatus, errMsg string) error
	CancelJob(ctx context.Context, id string) (int, error)
	ClaimNextPendingItem(ctx context.Context, jobID string) (*storage.Item, error)
	SetItemStatus(ctx context.Context, itemID string, u storage.ItemUpdate) error
	CompleteJobIfDrained(ctx context.Context, id string) (bool, error)
	GetLead(ctx context.Context, id string) (storage.Lead, error)
}

// ResultWriter stores a detection outcome on its lead. *result.Writer
// satisfies it.
type ResultWriter interface {
	Write(ctx context.Context, leadID string, res detect.Result) error
}

type Options struct {
	// ItemDelay paces consecutive items of a job. Zero disables pacing.
	ItemDelay         time.Duration
	MaxConcurrentJobs int
	Now               func() time.Time
	Logger            *slog.Logger
}

// Engine executes jobs. Items of one job run strictly in sequence; separate
// jobs run concurrently up to MaxConcurrentJobs.
type Engine struct {
	store    Store
	pipeline *detect.Pipeline
	writer   ResultWriter
	sem      *semaphore.Weighted
	delay    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// base is the parent context of dispatched runs; abort cancels it.
	base  context.Context
	abort context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.Mutex
	stops  map[string]chan struct{}
	closed bool
}

func New(store Store, pipeline *detect.Pipeline, writer ResultWriter, opts Options) *Engine {
	if opts.ItemDelay < 0 {
		opts.ItemDelay = 0
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, abort := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		pipeline: pipeline,
		writer:   writer,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		delay:    opts.ItemDelay,
		now:      opts.Now,
		logger:   opts.Logger,
		base:     base,
		abort:    abort,
		stops:    make(map[string]chan struct{}),
	}
}

// Create stores a job with one pending item per lead and dispatches it.
func (e *Engine) Create(ctx context.Context, cfg storage.JobConfig) (string, error) {
	if err := e.validate(cfg); err != nil {
		return "", err
	}
	job, err := e.store.CreateJob(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	e.logger.Info("job created", "job_id", job.ID, "tenant_id", job.TenantID, "items", job.Total)
	e.Dispatch(job.ID)
	return job.ID, nil
}

// CreateSchedule stores a recurring definition whose first run is the next
// occurrence of desc.
func (e *Engine) CreateSchedule(ctx context.Context, cfg storage.JobConfig, desc scheduler.Descriptor) (storage.Job, error) {
	if err := e.validate(cfg); err != nil {
		return storage.Job{}, err
	}
	next, err := scheduler.ComputeNextRun(desc, e.now())
	if err != nil {
		return storage.Job{}, err
	}
	def, err := e.store.CreateSchedule(ctx, cfg, desc, next)
	if err != nil {
		return storage.Job{}, fmt.Errorf("creating schedule: %w", err)
	}
	e.logger.Info("schedule created", "schedule_id", def.ID, "tenant_id", def.TenantID, "next_run_at", next)
	return def, nil
}

func (e *Engine) validate(cfg storage.JobConfig) error {
	if cfg.Type != "" && cfg.Type != storage.JobTypeShippingDetection {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, cfg.Type)
	}
	if _, err := e.pipeline.Narrow(cfg.Detection.Strategies, cfg.Detection.MinConfidence); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Dispatch runs the job in the background once a concurrency slot is free.
// It returns immediately; the outcome is visible through Status.
func (e *Engine) Dispatch(jobID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("engine shut down, job not dispatched", "job_id", jobID)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.base, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		if err := e.Run(e.base, jobID); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("job run failed", "job_id", jobID, "error", err)
		}
	}()
}

// Resume re-dispatches jobs a previous process left pending or running.
// Items caught mid-execution are failed as interrupted.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	jobs, err := e.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	for _, job := range jobs {
		items, err := e.store.ListItems(ctx, job.ID)
		if err != nil {
			return 0, fmt.Errorf("listing items of job %s: %w", job.ID, err)
		}
		for _, it := range items {
			if it.Status != storage.ItemRunning {
				continue
			}
			if err := e.store.SetItemStatus(ctx, it.ID, storage.ItemUpdate{
				Status: storage.ItemFailed,
				Error:  "interrupted by shutdown",
			}); err != nil {
				return 0, fmt.Errorf("failing interrupted item %s: %w", it.ID, err)
			}
		}
		e.Dispatch(job.ID)
	}
	if len(jobs) > 0 {
		e.logger.Info("resumed unfinished jobs", "count", len(jobs))
	}
	return len(jobs), nil
}

// Cancel stops a job. Pending items are skipped immediately; an item already
// running finishes and its result is kept. Cancelling a recurring definition
// disables it.
func (e *Engine) Cancel(ctx context.Context, jobID string) (int, error) {
	skipped, err := e.store.CancelJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if stop, ok := e.stops[jobID]; ok {
		close(stop)
		delete(e.stops, jobID)
	}
	e.mu.Unlock()
	e.logger.Info("job cancelled", "job_id", jobID, "skipped", skipped)
	return skipped, nil
}

func (e *Engine) Status(ctx context.Context, jobID string) (storage.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

func (e *Engine) Items(ctx context.Context, jobID string) ([]storage.Item, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListItems(ctx, jobID)
}

// Shutdown stops accepting dispatches and waits for running jobs. When ctx
// ends first, running jobs are interrupted and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.abort()
		return nil
	case <-ctx.Done():
		e.abort()
		<-done
		return ctx.Err()
	}
}

// Run executes a job in the calling goroutine until no pending items remain,
// the job is cancelled, or ctx ends. Per-item failures never stop the run.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.IsScheduled {
		return errRecurringDefinition
	}
	switch job.Status {
	case storage.JobPending:
		if err := e.store.SetJobStatus(ctx, jobID, storage.JobRunning, ""); err != nil {
			if !errors.Is(err, storage.ErrInvalidTransition) {
				return fmt.Errorf("starting job %s: %w", jobID, err)
			}
			// Another process started it first; help drain it if still running.
			cur, gerr := e.store.GetJob(ctx, jobID)
			if gerr != nil || cur.Status != storage.JobRunning {
				return nil
			}
		}
	case storage.JobRunning:
	default:
		return nil
	}

	pipe, err := e.pipeline.Narrow(job.Config.Detection.Strategies, job.Config.Detection.MinConfidence)
	if err != nil {
		e.fail(ctx, jobID, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		return err
	}

	stop := e.register(jobID)
	defer e.unregister(jobID, stop)

	log := e.logger.With("job_id", jobID)
	log.Info("job started", "items", job.Total)
	processed := 0

	for {
		if processed > 0 && e.delay > 0 {
			select {
			case <-ctx.Done():
			case <-stop:
			case <-time.After(e.delay):
			}
		}
		select {
		case <-stop:
			log.Info("job run stopped after cancel", "processed", processed)
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Another process may have cancelled the job.
		cur, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return e.fault(ctx, jobID, fmt.Errorf("reloading job: %w", err))
		}
		if cur.Status != storage.JobRunning {
			log.Info("job no longer running", "status", cur.Status, "processed", processed)
			return nil
		}

		item, err := e.store.ClaimNextPendingItem(ctx, jobID)
		if err != nil {
			return e.fault(ctx, jobID, fmt.Errorf("claiming item: %w", err))
		}
		if item == nil {
			break
		}

		update := e.processItem(ctx, job, pipe, item)
		if err := e.store.SetItemStatus(context.WithoutCancel(ctx), item.ID, update); err != nil {
			return e.fault(ctx, jobID, fmt.Errorf("recording item %s: %w", item.ID, err))
		}
		processed++
	}

	// Items claimed by another process may still be running; whoever resolves
	// the last one completes the job.
	done, err := e.store.CompleteJobIfDrained(ctx, jobID)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	if !done {
		log.Info("no pending items left, job still draining elsewhere", "processed", processed)
		return nil
	}

	if final, err := e.store.GetJob(ctx, jobID); err == nil {
		log.Info("job completed", "success", final.Success, "fail", final.Fail, "skip", final.Skip)
	}
	return nil
}

// processItem runs detection for one item. It never panics and never
// returns an error: every outcome becomes the item's terminal update.
func (e *Engine) processItem(ctx context.Context, job storage.Job, pipe *detect.Pipeline, item *storage.Item) (u storage.ItemUpdate) {
	start := e.now()
	log := e.logger.With("job_id", job.ID, "item_id", item.ID, "lead_id", item.LeadID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("item panicked", "panic", r, "stack", string(debug.Stack()))
			u = storage.ItemUpdate{Status: storage.ItemFailed, Error: fmt.Sprintf("panic: %v", r)}
		}
		u.Duration = e.now().Sub(start)
	}()

	failed := func(err error) storage.ItemUpdate {
		log.Warn("item failed", "error", err)
		return storage.ItemUpdate{Status: storage.ItemFailed, Error: err.Error()}
	}

	lead, err := e.store.GetLead(ctx, item.LeadID)
	if err != nil {
		return failed(fmt.Errorf("loading lead: %w", err))
	}

	res, err := pipe.Detect(ctx, detect.Target{
		LeadID:   lead.ID,
		TenantID: job.TenantID,
		Domain:   lead.Domain,
		Name:     lead.Name,
	})
	if err != nil {
		return failed(err)
	}

	if err := e.writer.Write(ctx, lead.ID, res); err != nil {
		return failed(err)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return failed(fmt.Errorf("encoding result: %w", err))
	}
	log.Debug("item completed", "method", res.Method, "carriers", res.Carriers)
	return storage.ItemUpdate{
		Status: storage.ItemCompleted,
		Result: payload,
		Method: string(res.Method),
	}
}

// fault marks the job failed after an engine-level error and halts the run.
func (e *Engine) fault(ctx context.Context, jobID string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.fail(ctx, jobID, err)
	return err
}

func (e *Engine) fail(ctx context.Context, jobID string, err error) {
	msg := fmt.Sprintf("%s: %v", e.now().UTC().Format(time.RFC3339), err)
	e.logger.Error("job failed", "job_id", jobID, "error", err)
	if serr := e.store.SetJobStatus(context.WithoutCancel(ctx), jobID, storage.JobFailed, msg); serr != nil &&
		!errors.Is(serr, storage.ErrInvalidTransition) {
		e.logger.Error("failed to mark job as failed", "job_id", jobID, "error", serr)
	}
}

func (e *Engine) register(jobID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	stop := make(chan struct{})
	e.stops[jobID] = stop
	return stop
}

func (e *Engine) unregister(jobID string, stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.stops[jobID]; ok && cur == stop {
		delete(e.stops, jobID)
	}
}
