// Package quota tracks calls to shared external services in sliding time
// windows, per service and scope (usually a tenant).
package quota

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// AllScopes passed to Reset clears every scope of a service.
const AllScopes = "*"

// Limit caps the calls to Service within a sliding window of Length.
// Window names the limit ("hourly", "daily") and must be unique per service.
type Limit struct {
	Service string        `json:"service"`
	Window  string        `json:"window"`
	Length  time.Duration `json:"length"`
	Max     int           `json:"max"`
}

// Stat is a point-in-time view of one (service, scope, window) bucket.
type Stat struct {
	Service   string        `json:"service"`
	Scope     string        `json:"scope"`
	Window    string        `json:"window"`
	Used      int           `json:"used"`
	Max       int           `json:"max"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in_ns"`
}

type key struct {
	service, scope, window string
}

// bucket holds the sorted call timestamps of one key. Its mutex is the only
// thing guarding stamps.
type bucket struct {
	mu     sync.Mutex
	limit  Limit
	stamps []time.Time
}

// prune drops timestamps that have left the window. Caller holds b.mu.
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.limit.Length)
	i := sort.Search(len(b.stamps), func(i int) bool { return b.stamps[i].After(cutoff) })
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}

// resetIn is the time until the oldest entry leaves the window. Caller holds b.mu.
func (b *bucket) resetIn(now time.Time) time.Duration {
	if len(b.stamps) == 0 {
		return 0
	}
	d := b.stamps[0].Add(b.limit.Length).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Tracker is safe for concurrent use. Services without configured limits
// are unlimited.
type Tracker struct {
	limits map[string][]Limit
	now    func() time.Time

	mu      sync.Mutex // guards buckets; never held while a bucket is locked
	buckets map[key]*bucket
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker enforcing limits. Several limits may share a service
// as long as their window names differ.
func New(limits []Limit, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		limits:  make(map[string][]Limit),
		now:     time.Now,
		buckets: make(map[key]*bucket),
	}
	for _, l := range limits {
		if l.Service == "" || l.Window == "" {
			return nil, fmt.Errorf("quota limit needs a service and a window name: %+v", l)
		}
		if l.Length <= 0 {
			return nil, fmt.Errorf("quota %s/%s: window length must be positive", l.Service, l.Window)
		}
		if l.Max < 0 {
			return nil, fmt.Errorf("quota %s/%s: max must not be negative", l.Service, l.Window)
		}
		for _, existing := range t.limits[l.Service] {
			if existing.Window == l.Window {
				return nil, fmt.Errorf("quota %s/%s configured twice", l.Service, l.Window)
			}
		}
		t.limits[l.Service] = append(t.limits[l.Service], l)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Limits returns the configured limits, grouped by service.
func (t *Tracker) Limits() []Limit {
	var out []Limit
	for _, svc := range t.services() {
		out = append(out, t.limits[svc]...)
	}
	return out
}

// Track records a call to service for scope in every window of the service.
func (t *Tracker) Track(service, scope string) {
	buckets := t.bucketsFor(service, scope)
	lockAll(buckets)
	defer unlockAll(buckets)
	// Read under the locks so stamps are appended in time order.
	now := t.now()
	for _, b := range buckets {
		b.prune(now)
		b.stamps = append(b.stamps, now)
	}
}

// HasQuota reports whether scope may still call service within the named
// window. Unknown services and windows are unlimited.
func (t *Tracker) HasQuota(service, scope, window string) bool {
	for _, l := range t.limits[service] {
		if l.Window != window {
			continue
		}
		b := t.bucket(key{service, scope, window}, l)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.prune(t.now())
		return len(b.stamps) < l.Max
	}
	return true
}

// TryAcquire checks every window of service for scope and, only if all of
// them have room, records the call. The check and the record happen while
// every window lock of the pair is held, so concurrent callers cannot
// overshoot a limit.
func (t *Tracker) TryAcquire(service, scope string) bool {
	buckets := t.bucketsFor(service, scope)
	if len(buckets) == 0 {
		return true
	}
	lockAll(buckets)
	defer unlockAll(buckets)
	now := t.now()
	for _, b := range buckets {
		b.prune(now)
		if len(b.stamps) >= b.limit.Max {
			return false
		}
	}
	for _, b := range buckets {
		b.stamps = append(b.stamps, now)
	}
	return true
}

// TimeUntilReset returns, across all scopes of service, how long until the
// oldest call recorded in window leaves it. Zero when the window is empty.
func (t *Tracker) TimeUntilReset(service, window string) time.Duration {
	now := t.now()
	var longest time.Duration
	for _, b := range t.snapshot(func(k key) bool { return k.service == service && k.window == window }) {
		b.mu.Lock()
		b.prune(now)
		if d := b.resetIn(now); d > longest {
			longest = d
		}
		b.mu.Unlock()
	}
	return longest
}

// Reset clears the recorded calls of service for scope, or for every scope
// when scope is AllScopes.
func (t *Tracker) Reset(service, scope string) {
	for _, b := range t.snapshot(func(k key) bool {
		return k.service == service && (scope == AllScopes || k.scope == scope)
	}) {
		b.mu.Lock()
		b.stamps = nil
		b.mu.Unlock()
	}
}

// Stats returns a snapshot of every bucket that has seen traffic, sorted by
// service, scope and window.
func (t *Tracker) Stats() []Stat {
	now := t.now()
	t.mu.Lock()
	keys := make([]key, 0, len(t.buckets))
	for k := range t.buckets {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].service != keys[j].service {
			return keys[i].service < keys[j].service
		}
		if keys[i].scope != keys[j].scope {
			return keys[i].scope < keys[j].scope
		}
		return keys[i].window < keys[j].window
	})

	stats := make([]Stat, 0, len(keys))
	for _, k := range keys {
		t.mu.Lock()
		b := t.buckets[k]
		t.mu.Unlock()

		b.mu.Lock()
		b.prune(now)
		used := len(b.stamps)
		st := Stat{
			Service:   k.service,
			Scope:     k.scope,
			Window:    k.window,
			Used:      used,
			Max:       b.limit.Max,
			Remaining: max(b.limit.Max-used, 0),
			ResetIn:   b.resetIn(now),
		}
		b.mu.Unlock()
		stats = append(stats, st)
	}
	return stats
}

// bucketsFor returns the buckets of every window of service for scope, in
// configuration order, creating them as needed.
func (t *Tracker) bucketsFor(service, scope string) []*bucket {
	limits := t.limits[service]
	out := make([]*bucket, 0, len(limits))
	for _, l := range limits {
		out = append(out, t.bucket(key{service, scope, l.Window}, l))
	}
	return out
}

func (t *Tracker) bucket(k key, l Limit) *bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[k]
	if !ok {
		b = &bucket{limit: l}
		t.buckets[k] = b
	}
	return b
}

func (t *Tracker) snapshot(match func(key) bool) []*bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*bucket
	for k, b := range t.buckets {
		if match(k) {
			out = append(out, b)
		}
	}
	return out
}

func (t *Tracker) services() []string {
	svcs := make([]string, 0, len(t.limits))
	for s := range t.limits {
		svcs = append(svcs, s)
	}
	sort.Strings(svcs)
	return svcs
}

// lockAll locks buckets in slice order. Every caller builds the slice in
// configuration order, so two callers never wait on each other in a cycle.
func lockAll(buckets []*bucket) {
	for _, b := range buckets {
		b.mu.Lock()
	}
}

func unlockAll(buckets []*bucket) {
	for i := len(buckets) - 1; i >= 0; i-- {
		buckets[i].mu.Unlock()
	}
}
