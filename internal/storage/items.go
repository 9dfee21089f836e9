package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// claimAttempts bounds the retries after losing a claim race to another
// process or finding the database locked by one.
const claimAttempts = 8

const claimBackoff = 25 * time.Millisecond

const itemColumns = `id, job_id, seq, lead_id, status, error, result_json, method, duration_ms, started_at, completed_at`

// ClaimNextPendingItem atomically claims the lowest-sequence pending item of
// a job and marks it running. Returns nil, nil when no pending items remain.
// Several processes may drain the same job; each item goes to exactly one.
func (s *Store) ClaimNextPendingItem(ctx context.Context, jobID string) (*Item, error) {
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		item, err := s.tryClaimItem(ctx, jobID)
		if !errors.Is(err, errClaimLost) && !isBusy(err) {
			return item, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * claimBackoff):
		}
	}
	return nil, fmt.Errorf("claiming item of job %s: %w", jobID, lastErr)
}

var errClaimLost = errors.New("claim lost to a concurrent worker")

func (s *Store) tryClaimItem(ctx context.Context, jobID string) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM job_items
		WHERE job_id = ? AND status = ?
		ORDER BY seq ASC
		LIMIT 1`, jobID, ItemPending)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next item: %w", err)
	}

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`UPDATE job_items SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		ItemRunning, formatTime(now), item.ID, ItemPending,
	)
	if err != nil {
		return nil, fmt.Errorf("updating item status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n != 1 {
		return nil, errClaimLost
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	item.Status = ItemRunning
	item.StartedAt = &now
	return &item, nil
}

// SetItemStatus resolves a running item as completed or failed.
func (s *Store) SetItemStatus(ctx context.Context, itemID string, u ItemUpdate) error {
	if u.Status != ItemCompleted && u.Status != ItemFailed {
		return fmt.Errorf("%w: item cannot be set to %q", ErrInvalidTransition, u.Status)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE job_items
		SET status = ?, error = ?, result_json = ?, method = ?, duration_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		u.Status, u.Error, string(u.Result), u.Method, u.Duration.Milliseconds(),
		formatTime(s.timestamp()), itemID, ItemRunning,
	)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.transitionMiss(ctx, "job_items", itemID)
}

// ListItems returns every item of a job in claim order.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing items of job %s: %w", jobID, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it                  Item
		result              string
		durationMS          int64
		startedAt, finished sql.NullString
	)
	if err := row.Scan(&it.ID, &it.JobID, &it.Seq, &it.LeadID, &it.Status, &it.Error,
		&result, &it.Method, &durationMS, &startedAt, &finished); err != nil {
		return Item{}, err
	}
	if result != "" {
		it.Result = []byte(result)
	}
	it.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	if it.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Item{}, fmt.Errorf("parsing started_at for item %s: %w", it.ID, err)
	}
	if it.CompletedAt, err = parseNullTime(finished); err != nil {
		return Item{}, fmt.Errorf("parsing completed_at for item %s: %w", it.ID, err)
	}
	return it, nil
}
