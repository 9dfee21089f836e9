package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/prospector/internal/engine"
	"github.com/kalambet/prospector/internal/quota"
	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Engine is the job side of the execution engine.
type Engine interface {
	Create(ctx context.Context, cfg storage.JobConfig) (string, error)
	CreateSchedule(ctx context.Context, cfg storage.JobConfig, desc scheduler.Descriptor) (storage.Job, error)
	Status(ctx context.Context, jobID string) (storage.Job, error)
	Items(ctx context.Context, jobID string) ([]storage.Item, error)
	Cancel(ctx context.Context, jobID string) (int, error)
}

// Scheduler runs recurring definitions on demand and reports its health.
type Scheduler interface {
	Trigger(ctx context.Context, defID string) (string, error)
	Health() scheduler.Health
}

// Quota exposes the per-service call budgets.
type Quota interface {
	Stats() []quota.Stat
	Limits() []quota.Limit
	Reset(service, scope string)
}

// Deps holds the components behind the HTTP and MCP surfaces.
type Deps struct {
	Engine    Engine
	Scheduler Scheduler // nil when the scheduler is disabled
	Quota     Quota
	Store     *storage.Store
	Token     string
}

// CreateJobRequest is the body of POST /jobs. A non-nil Schedule stores a
// recurring definition instead of running the job once.
type CreateJobRequest struct {
	storage.JobConfig `yaml:",inline"`
	Schedule          *scheduler.Descriptor `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// CancelResponse reports how many pending items a cancel skipped.
type CancelResponse struct {
	Job     storage.Job `json:"job"`
	Skipped int         `json:"skipped"`
}

// TriggerResponse names the job a manual trigger created.
type TriggerResponse struct {
	ScheduleID string `json:"schedule_id"`
	JobID      string `json:"job_id"`
}

// QuotaResponse pairs the configured limits with the live usage buckets.
type QuotaResponse struct {
	Limits []quota.Limit `json:"limits"`
	Usage  []quota.Stat  `json:"usage"`
}

// NewHandler returns the management API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleCreateJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/jobs/{id}/items", handleListItems(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))

		r.Get("/schedules", handleListSchedules(deps))
		r.Post("/schedules/{id}/trigger", handleTriggerSchedule(deps))
		r.Get("/scheduler/health", handleSchedulerHealth(deps))

		r.Get("/quota", handleQuotaStats(deps))
		r.Delete("/quota/{service}", handleQuotaReset(deps))

		r.Post("/leads", handleUpsertLeads(deps))
		r.Get("/leads/{id}", handleGetLead(deps))
	})

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps package sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrNotScheduled),
		errors.Is(err, storage.ErrScheduleConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, engine.ErrInvalidConfig),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, storage.ErrNoTargets):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
