package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UpsertLeads inserts or updates the identity fields of leads. Detection
// fields are never touched here. Leads without an id get a new uuid, which is
// written back into the returned slice.
func (s *Store) UpsertLeads(ctx context.Context, leads []Lead) ([]Lead, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning lead upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leads (id, tenant_id, domain, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			domain = excluded.domain,
			name = excluded.name,
			updated_at = excluded.updated_at`)
	if err != nil {
		return nil, fmt.Errorf("preparing lead upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(s.timestamp())
	out := make([]Lead, 0, len(leads))
	for _, l := range leads {
		l.Domain = strings.TrimSpace(l.Domain)
		if l.Domain == "" {
			return nil, fmt.Errorf("lead %q has no domain", l.ID)
		}
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.TenantID, l.Domain, l.Name, now, now); err != nil {
			return nil, fmt.Errorf("upserting lead %s: %w", l.ID, err)
		}
		out = append(out, l)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lead upsert: %w", err)
	}
	return out, nil
}

// GetLead returns a lead with its last detection fields.
func (s *Store) GetLead(ctx context.Context, id string) (Lead, error) {
	var (
		l                            Lead
		carriers, providers          sql.NullString
		hasCheckout                  sql.NullInt64
		method, confidence, detected sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain, name, carriers, payment_providers, has_checkout,
			detection_method, detection_confidence, detected_at
		FROM leads WHERE id = ?`, id,
	).Scan(&l.ID, &l.TenantID, &l.Domain, &l.Name, &carriers, &providers, &hasCheckout,
		&method, &confidence, &detected)
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("getting lead %s: %w", id, err)
	}

	if carriers.Valid && carriers.String != "" {
		if err := json.Unmarshal([]byte(carriers.String), &l.Carriers); err != nil {
			return Lead{}, fmt.Errorf("parsing carriers of lead %s: %w", id, err)
		}
	}
	if providers.Valid && providers.String != "" {
		if err := json.Unmarshal([]byte(providers.String), &l.PaymentProviders); err != nil {
			return Lead{}, fmt.Errorf("parsing payment providers of lead %s: %w", id, err)
		}
	}
	if hasCheckout.Valid {
		v := hasCheckout.Int64 == 1
		l.HasCheckout = &v
	}
	l.DetectionMethod = method.String
	l.DetectionConfidence = confidence.String
	if l.DetectedAt, err = parseNullTime(detected); err != nil {
		return Lead{}, fmt.Errorf("parsing detected_at of lead %s: %w", id, err)
	}
	return l, nil
}

// WriteDetection stores the non-nil fields of d onto the lead, replacing
// whatever was there. Nil fields leave their columns untouched.
func (s *Store) WriteDetection(ctx context.Context, id string, d LeadDetection) error {
	var (
		sets []string
		args []any
	)
	if d.Carriers != nil {
		b, err := json.Marshal(d.Carriers)
		if err != nil {
			return fmt.Errorf("marshaling carriers: %w", err)
		}
		sets = append(sets, "carriers = ?")
		args = append(args, string(b))
	}
	if d.PaymentProviders != nil {
		b, err := json.Marshal(d.PaymentProviders)
		if err != nil {
			return fmt.Errorf("marshaling payment providers: %w", err)
		}
		sets = append(sets, "payment_providers = ?")
		args = append(args, string(b))
	}
	if d.HasCheckout != nil {
		v := 0
		if *d.HasCheckout {
			v = 1
		}
		sets = append(sets, "has_checkout = ?")
		args = append(args, v)
	}
	if d.DetectionMethod != nil {
		sets = append(sets, "detection_method = ?")
		args = append(args, *d.DetectionMethod)
	}
	if d.DetectionConfidence != nil {
		sets = append(sets, "detection_confidence = ?")
		args = append(args, *d.DetectionConfidence)
	}
	if d.DetectedAt != nil {
		sets = append(sets, "detected_at = ?")
		args = append(args, formatTime(*d.DetectedAt))
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.timestamp()), id)

	res, err := s.db.ExecContext(ctx, `UPDATE leads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("writing detection for lead %s: %w", id, err)
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
