// Package detect finds the shipping carriers, payment providers and checkout
// capability of a lead's web shop by running an ordered chain of strategies.
package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDetection is returned when every strategy came back empty.
	ErrNoDetection = errors.New("no detection strategy produced a result")

	// ErrQuotaExhausted is returned by a strategy whose external service is
	// out of quota, and by the pipeline when that was true of every strategy.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// Method identifies the strategy that produced a result.
type Method string

const (
	MethodManagedScrape Method = "managed-scrape"
	MethodBrowser       Method = "browser-automation"
	MethodLLM           Method = "llm"
	MethodNone          Method = "none"
)

// Confidence is fixed per strategy.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is as confident as min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.rank() >= min.rank()
}

// ParseConfidence accepts "high", "medium", "low" and "none"; "" means low.
func ParseConfidence(s string) (Confidence, error) {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return ConfidenceLow, nil
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceNone:
		return c, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", s)
	}
}

// ConfidenceOf returns the fixed confidence tier of a method.
func ConfidenceOf(m Method) Confidence {
	switch m {
	case MethodManagedScrape:
		return ConfidenceHigh
	case MethodBrowser:
		return ConfidenceMedium
	case MethodLLM:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

// Quota service names, one per external resource.
const (
	ServiceScrape  = "scrape"
	ServiceBrowser = "browser"
	ServiceLLM     = "llm"
)

// QuotaGate admits or denies one call to an external service on behalf of a
// scope. A granted call is counted against the scope's quota.
type QuotaGate interface {
	TryAcquire(service, scope string) bool
}

type openGate struct{}

func (openGate) TryAcquire(string, string) bool { return true }

// Target is the lead a detection runs against.
type Target struct {
	LeadID   string
	TenantID string
	Domain   string
	Name     string
}

// BaseURL returns the shop's root URL without a trailing slash.
func (t Target) BaseURL() string {
	d := strings.TrimSpace(t.Domain)
	d = strings.TrimRight(d, "/")
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "https://" + d
	}
	return d
}

// Result is the outcome of one detection.
type Result struct {
	Carriers         []string   `json:"carriers"`
	PaymentProviders []string   `json:"payment_providers,omitempty"`
	HasCheckout      *bool      `json:"has_checkout,omitempty"`
	Method           Method     `json:"method"`
	Confidence       Confidence `json:"confidence"`
}

// Empty reports whether no carriers were found.
func (r Result) Empty() bool {
	return len(r.Carriers) == 0
}

// Strategy is one detection technique in the fallback chain. An empty result
// or any error means the pipeline moves on to the next strategy.
type Strategy interface {
	Name() Method
	Attempt(ctx context.Context, t Target) (Result, error)
}
