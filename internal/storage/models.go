package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change would move a job
	// or item backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrScheduleConflict is returned when another scheduler already
	// materialized the due run of a recurring job.
	ErrScheduleConflict = errors.New("schedule already advanced")

	// ErrNotScheduled is returned when a recurring-job operation targets a job
	// that is not an active recurring definition.
	ErrNotScheduled = errors.New("job is not an active schedule")

	// ErrNoTargets is returned when a job is created without any lead ids.
	ErrNoTargets = errors.New("job has no targets")
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

type JobType string

const JobTypeShippingDetection JobType = "shipping_detection"

// JobConfig is the work order stored with every job and copied verbatim when
// a recurring definition is materialized.
type JobConfig struct {
	TenantID  string          `json:"tenant_id" yaml:"tenant_id"`
	Type      JobType         `json:"job_type" yaml:"job_type"`
	LeadIDs   []string        `json:"lead_ids" yaml:"lead_ids"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
}

// DetectionConfig narrows the detection pipeline for one job.
// Empty fields mean "use the server defaults".
type DetectionConfig struct {
	Strategies    []string `json:"strategies,omitempty" yaml:"strategies,omitempty"`
	MinConfidence string   `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Schedule is the recurrence descriptor of a recurring job definition.
type Schedule struct {
	Frequency string   `json:"frequency" yaml:"frequency"`
	Times     []string `json:"times,omitempty" yaml:"times,omitempty"`
	Days      []string `json:"days,omitempty" yaml:"days,omitempty"`
	Cron      string   `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone  string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type Job struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Type     JobType   `json:"job_type"`
	Status   JobStatus `json:"status"`

	// Counts are derived from the item rows when the job is read.
	Total   int `json:"total_count"`
	Pending int `json:"pending_count"`
	Running int `json:"running_count"`
	Success int `json:"success_count"`
	Fail    int `json:"fail_count"`
	Skip    int `json:"skip_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	IsScheduled bool       `json:"is_scheduled"`
	Schedule    *Schedule  `json:"schedule,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	ParentID    string     `json:"parent_job_id,omitempty"`

	Config JobConfig `json:"config"`
	Error  string    `json:"error,omitempty"`
}

type Item struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Seq         int             `json:"seq"`
	LeadID      string          `json:"lead_id"`
	Status      ItemStatus      `json:"status"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Method      string          `json:"method,omitempty"`
	Duration    time.Duration   `json:"duration_ns"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ItemUpdate is the terminal outcome of one item execution.
type ItemUpdate struct {
	Status   ItemStatus
	Result   json.RawMessage
	Error    string
	Method   string
	Duration time.Duration
}

// Lead is the business record a detection runs against.
type Lead struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Domain   string `json:"domain" yaml:"domain"`
	Name     string `json:"name" yaml:"name"`

	Carriers            []string   `json:"carriers,omitempty" yaml:"-"`
	PaymentProviders    []string   `json:"payment_providers,omitempty" yaml:"-"`
	HasCheckout         *bool      `json:"has_checkout,omitempty" yaml:"-"`
	DetectionMethod     string     `json:"detection_method,omitempty" yaml:"-"`
	DetectionConfidence string     `json:"detection_confidence,omitempty" yaml:"-"`
	DetectedAt          *time.Time `json:"detected_at,omitempty" yaml:"-"`
}

// LeadDetection carries the detection fields to write onto a lead.
// Nil fields are left untouched.
type LeadDetection struct {
	Carriers            []string
	PaymentProviders    []string
	HasCheckout         *bool
	DetectionMethod     *string
	DetectionConfidence *string
	DetectedAt          *time.Time
}
