package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, tenant_id, job_type, status, total_count, config_json, error,
	is_scheduled, schedule_json, next_run_at, last_run_at, parent_job_id,
	created_at, started_at, completed_at`

// jobTransitions lists, per target status, the statuses a job may leave to reach it.
var jobTransitions = map[JobStatus][]JobStatus{
	JobRunning:   {JobPending},
	JobCompleted: {JobRunning},
	JobFailed:    {JobPending, JobRunning},
	JobCancelled: {JobPending, JobRunning},
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CreateJob stores a one-off job together with one pending item per lead, in
// a single transaction.
func (s *Store) CreateJob(ctx context.Context, cfg JobConfig) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.insertJob(ctx, tx, cfg, "")
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing job %s: %w", job.ID, err)
	}
	return job, nil
}

// CreateSchedule stores a recurring job definition. Definitions own no items;
// each due run is materialized into a fresh job by MaterializeScheduledJob.
func (s *Store) CreateSchedule(ctx context.Context, cfg JobConfig, sched Schedule, nextRun time.Time) (Job, error) {
	leadIDs := uniqueIDs(cfg.LeadIDs)
	if len(leadIDs) == 0 {
		return Job{}, ErrNoTargets
	}
	cfg.LeadIDs = leadIDs
	if cfg.Type == "" {
		cfg.Type = JobTypeShippingDetection
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Job{}, fmt.Errorf("marshaling job config: %w", err)
	}
	schedJSON, err := json.Marshal(sched)
	if err != nil {
		return Job{}, fmt.Errorf("marshaling schedule: %w", err)
	}

	now := s.timestamp()
	next := nextRun.UTC()
	job := Job{
		ID:          uuid.New().String(),
		TenantID:    cfg.TenantID,
		Type:        cfg.Type,
		Status:      JobPending,
		Total:       len(leadIDs),
		CreatedAt:   now,
		IsScheduled: true,
		Schedule:    &sched,
		NextRunAt:   &next,
		Config:      cfg,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, job_type, status, total_count, config_json, is_scheduled, schedule_json, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		job.ID, job.TenantID, job.Type, job.Status, job.Total, string(cfgJSON), string(schedJSON),
		formatTime(next), formatTime(now),
	)
	if err != nil {
		return Job{}, fmt.Errorf("inserting schedule: %w", err)
	}
	return job, nil
}

func (s *Store) insertJob(ctx context.Context, tx *sql.Tx, cfg JobConfig, parentID string) (Job, error) {
	leadIDs := uniqueIDs(cfg.LeadIDs)
	if len(leadIDs) == 0 {
		return Job{}, ErrNoTargets
	}
	cfg.LeadIDs = leadIDs
	if cfg.Type == "" {
		cfg.Type = JobTypeShippingDetection
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Job{}, fmt.Errorf("marshaling job config: %w", err)
	}

	now := s.timestamp()
	job := Job{
		ID:        uuid.New().String(),
		TenantID:  cfg.TenantID,
		Type:      cfg.Type,
		Status:    JobPending,
		Total:     len(leadIDs),
		Pending:   len(leadIDs),
		CreatedAt: now,
		ParentID:  parentID,
		Config:    cfg,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, job_type, status, total_count, config_json, parent_job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.Type, job.Status, job.Total, string(cfgJSON), parentID, formatTime(now),
	); err != nil {
		return Job{}, fmt.Errorf("inserting job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_items (id, job_id, seq, lead_id, status) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return Job{}, fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	for i, leadID := range leadIDs {
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), job.ID, i, leadID, ItemPending); err != nil {
			return Job{}, fmt.Errorf("inserting item for lead %s: %w", leadID, err)
		}
	}
	return job, nil
}

// GetJob returns a job with its item counts.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if err := fillCounts(ctx, s.db, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs returns the most recent jobs, optionally filtered by tenant.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if err := fillCounts(ctx, s.db, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// SetJobStatus moves a job forward. Backward moves and moves out of a
// terminal state return ErrInvalidTransition. errMsg, when non-empty, is
// stored on the job.
func (s *Store) SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	from, ok := jobTransitions[status]
	if !ok {
		return fmt.Errorf("%w: cannot set job status %q directly", ErrInvalidTransition, status)
	}

	now := formatTime(s.timestamp())
	sets := []string{"status = ?"}
	args := []any{status}
	if errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, errMsg)
	}
	if status == JobRunning {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if status.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (`+inClause(len(from))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating job %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.transitionMiss(ctx, "jobs", id)
}

// CompleteJobIfDrained marks a running job completed when none of its items
// is pending or running. It reports whether this call completed the job, so
// among several drainers only the one resolving the last item finishes it.
func (s *Store) CompleteJobIfDrained(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (SELECT 1 FROM job_items WHERE job_id = ? AND status IN (?, ?))`,
		JobCompleted, formatTime(s.timestamp()), id, JobRunning, id, ItemPending, ItemRunning,
	)
	if err != nil {
		return false, fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelJob marks the job cancelled and skips every still-pending item in one
// transaction. A running item is left alone so its result can still be
// recorded. Returns the number of items skipped.
func (s *Store) CancelJob(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer tx.Rollback()

	var status JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if status.Terminal() {
		return 0, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, status)
	}

	now := formatTime(s.timestamp())
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
		JobCancelled, now, id,
	); err != nil {
		return 0, fmt.Errorf("cancelling job %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_items SET status = ?, completed_at = ? WHERE job_id = ? AND status = ?`,
		ItemSkipped, now, id, ItemPending,
	)
	if err != nil {
		return 0, fmt.Errorf("skipping pending items of job %s: %w", id, err)
	}
	skipped, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cancel of job %s: %w", id, err)
	}
	return int(skipped), nil
}

// ListDueScheduledJobs returns the active recurring definitions whose next
// run is at or before now.
func (s *Store) ListDueScheduledJobs(ctx context.Context, now time.Time) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE is_scheduled = 1 AND status != ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		JobCancelled, formatTime(now),
	)
}

// ListUnfinishedJobs returns one-off jobs still pending or running, oldest
// first. A process restart resumes them.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE is_scheduled = 0 AND status IN (?, ?)
		ORDER BY created_at ASC`,
		JobPending, JobRunning,
	)
}

// ListSchedules returns recurring definitions, optionally filtered by tenant.
func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE is_scheduled = 1`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryJobs(ctx, query, args...)
}

// UpdateSchedule records a run of a recurring definition.
func (s *Store) UpdateSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ?, next_run_at = ? WHERE id = ? AND is_scheduled = 1`,
		formatTime(lastRun), formatTime(nextRun), id,
	)
	if err != nil {
		return fmt.Errorf("updating schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaterializeScheduledJob creates a new job instance from the recurring
// definition defID and advances the definition's last/next run in the same
// transaction. When expectNext is non-nil the definition is only advanced if
// its stored next_run_at still equals it; otherwise ErrScheduleConflict is
// returned and nothing is created.
// A definition locked by another process's materialization also returns
// ErrScheduleConflict.
func (s *Store) MaterializeScheduledJob(ctx context.Context, defID string, runAt, next time.Time, expectNext *time.Time) (Job, error) {
	job, err := s.materialize(ctx, defID, runAt, next, expectNext)
	if err != nil && isBusy(err) {
		return Job{}, fmt.Errorf("%w: %v", ErrScheduleConflict, err)
	}
	return job, err
}

func (s *Store) materialize(ctx context.Context, defID string, runAt, next time.Time, expectNext *time.Time) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning materialize transaction: %w", err)
	}
	defer tx.Rollback()

	def, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, defID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if !def.IsScheduled || def.Status == JobCancelled {
		return Job{}, ErrNotScheduled
	}

	job, err := s.insertJob(ctx, tx, def.Config, def.ID)
	if err != nil {
		return Job{}, err
	}

	query := `UPDATE jobs SET last_run_at = ?, next_run_at = ? WHERE id = ?`
	args := []any{formatTime(runAt), formatTime(next), defID}
	if expectNext != nil {
		query += ` AND next_run_at = ?`
		args = append(args, formatTime(*expectNext))
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Job{}, fmt.Errorf("advancing schedule %s: %w", defID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, err
	}
	if n != 1 {
		return Job{}, ErrScheduleConflict
	}

	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing materialized job for %s: %w", defID, err)
	}
	return job, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// transitionMiss explains why a guarded UPDATE touched no row.
func (s *Store) transitionMiss(ctx context.Context, table, id string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                                     Job
		cfgJSON, schedJSON, createdAt         string
		isScheduled                           int
		nextRun, lastRun, startedAt, finished sql.NullString
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.Status, &j.Total, &cfgJSON, &j.Error,
		&isScheduled, &schedJSON, &nextRun, &lastRun, &j.ParentID,
		&createdAt, &startedAt, &finished)
	if err != nil {
		return Job{}, err
	}

	j.IsScheduled = isScheduled == 1
	if err := json.Unmarshal([]byte(cfgJSON), &j.Config); err != nil {
		return Job{}, fmt.Errorf("parsing config of job %s: %w", j.ID, err)
	}
	if schedJSON != "" {
		var sched Schedule
		if err := json.Unmarshal([]byte(schedJSON), &sched); err != nil {
			return Job{}, fmt.Errorf("parsing schedule of job %s: %w", j.ID, err)
		}
		j.Schedule = &sched
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{nextRun, &j.NextRunAt},
		{lastRun, &j.LastRunAt},
		{startedAt, &j.StartedAt},
		{finished, &j.CompletedAt},
	} {
		t, err := parseNullTime(f.src)
		if err != nil {
			return Job{}, fmt.Errorf("parsing timestamp for job %s: %w", j.ID, err)
		}
		*f.dst = t
	}
	return j, nil
}

// fillCounts derives the per-status item counts of a job. Recurring
// definitions own no items and keep their stored total.
func fillCounts(ctx context.Context, q queryer, j *Job) error {
	if j.IsScheduled {
		return nil
	}
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_items WHERE job_id = ? GROUP BY status`, j.ID)
	if err != nil {
		return fmt.Errorf("counting items of job %s: %w", j.ID, err)
	}
	defer rows.Close()

	j.Total, j.Pending, j.Running, j.Success, j.Fail, j.Skip = 0, 0, 0, 0, 0, 0
	for rows.Next() {
		var status ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		switch status {
		case ItemPending:
			j.Pending = n
		case ItemRunning:
			j.Running = n
		case ItemCompleted:
			j.Success = n
		case ItemFailed:
			j.Fail = n
		case ItemSkipped:
			j.Skip = n
		}
		j.Total += n
	}
	return rows.Err()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
