// Package result writes detection outcomes onto lead records.
package result

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/prospector/internal/detect"
	"github.com/kalambet/prospector/internal/storage"
)

// LeadStore is the lead write surface. *storage.Store satisfies it.
type LeadStore interface {
	WriteDetection(ctx context.Context, id string, d storage.LeadDetection) error
}

// Writer maps detection results onto lead fields. Present values replace
// what is stored; absent values leave the column alone.
type Writer struct {
	store LeadStore
	now   func() time.Time
}

func NewWriter(store LeadStore) *Writer {
	return &Writer{store: store, now: time.Now}
}

// SetClock overrides the time source used for detected_at.
func (w *Writer) SetClock(now func() time.Time) {
	w.now = now
}

func (w *Writer) Write(ctx context.Context, leadID string, res detect.Result) error {
	d := Fields(res)
	if d.DetectionMethod != nil {
		at := w.now().UTC()
		d.DetectedAt = &at
	}
	if err := w.store.WriteDetection(ctx, leadID, d); err != nil {
		return fmt.Errorf("writing detection for lead %s: %w", leadID, err)
	}
	return nil
}

// Fields converts a result to the lead columns it sets.
func Fields(res detect.Result) storage.LeadDetection {
	var d storage.LeadDetection
	if res.Carriers != nil {
		d.Carriers = append([]string{}, res.Carriers...)
	}
	if res.PaymentProviders != nil {
		d.PaymentProviders = append([]string{}, res.PaymentProviders...)
	}
	if res.HasCheckout != nil {
		v := *res.HasCheckout
		d.HasCheckout = &v
	}
	if res.Method != "" && res.Method != detect.MethodNone {
		m := string(res.Method)
		c := string(res.Confidence)
		d.DetectionMethod = &m
		d.DetectionConfidence = &c
	}
	return d
}
