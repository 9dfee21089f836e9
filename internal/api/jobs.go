package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/prospector/internal/quota"
	"github.com/kalambet/prospector/internal/storage"
)

// LeadsRequest is the body of POST /leads.
type LeadsRequest struct {
	Leads []storage.Lead `json:"leads" yaml:"leads"`
}

func handleCreateJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.LeadIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "lead_ids is required and must not be empty")
			return
		}

		if req.Schedule != nil {
			def, err := deps.Engine.CreateSchedule(r.Context(), req.JobConfig, *req.Schedule)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, def)
			return
		}

		id, err := deps.Engine.Create(r.Context(), req.JobConfig)
		if err != nil {
			writeError(w, err)
			return
		}
		job, err := deps.Engine.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		jobs, err := deps.Store.ListJobs(r.Context(), r.URL.Query().Get("tenant_id"), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Engine.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Engine.Items(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []storage.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		skipped, err := deps.Engine.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		job, err := deps.Engine.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CancelResponse{Job: job, Skipped: skipped})
	}
}

func handleListSchedules(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := deps.Store.ListSchedules(r.Context(), r.URL.Query().Get("tenant_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list schedules: %v", err)
			return
		}
		if defs == nil {
			defs = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, defs)
	}
}

func handleTriggerSchedule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "scheduler is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		jobID, err := deps.Scheduler.Trigger(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, TriggerResponse{ScheduleID: id, JobID: jobID})
	}
}

func handleSchedulerHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "scheduler is disabled")
			return
		}
		writeJSON(w, http.StatusOK, deps.Scheduler.Health())
	}
}

func handleQuotaStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, quotaSnapshot(deps.Quota))
	}
}

func quotaSnapshot(q Quota) QuotaResponse {
	resp := QuotaResponse{Limits: q.Limits(), Usage: q.Stats()}
	if resp.Usage == nil {
		resp.Usage = []quota.Stat{}
	}
	return resp
}

func handleQuotaReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		if !knownService(deps.Quota, service) {
			httpError(w, http.StatusNotFound, "not_found_error", "no quota configured for service %q", service)
			return
		}
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			scope = quota.AllScopes
		}
		deps.Quota.Reset(service, scope)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "service": service, "scope": scope})
	}
}

func knownService(q Quota, service string) bool {
	for _, l := range q.Limits() {
		if l.Service == service {
			return true
		}
	}
	return false
}

func handleUpsertLeads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LeadsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Leads) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "leads is required and must not be empty")
			return
		}
		for i, l := range req.Leads {
			if strings.TrimSpace(l.Domain) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "leads[%d]: domain is required", i)
				return
			}
		}

		leads, err := deps.Store.UpsertLeads(r.Context(), req.Leads)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store leads: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, LeadsRequest{Leads: leads})
	}
}

func handleGetLead(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lead, err := deps.Store.GetLead(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, lead)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
