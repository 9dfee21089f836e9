package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/prospector/internal/detect"
	"github.com/kalambet/prospector/internal/engine"
	"github.com/kalambet/prospector/internal/quota"
	"github.com/kalambet/prospector/internal/result"
	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/storage"
)

const testToken = "test-token-12345"

type stubStrategy struct {
	name     detect.Method
	carriers map[string][]string
}

func (s stubStrategy) Name() detect.Method { return s.name }

func (s stubStrategy) Attempt(_ context.Context, t detect.Target) (detect.Result, error) {
	return detect.Result{Carriers: s.carriers[t.Domain]}, nil
}

type testEnv struct {
	deps    Deps
	store   *storage.Store
	tracker *quota.Tracker
	handler http.Handler
}

func setupTestEnv(t *testing.T, withScheduler bool) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker, err := quota.New([]quota.Limit{
		{Service: "scrape", Window: "hourly", Length: time.Hour, Max: 10},
		{Service: "llm", Window: "daily", Length: 24 * time.Hour, Max: 5},
	})
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}

	pipe := detect.NewPipeline([]detect.Strategy{
		stubStrategy{name: detect.MethodManagedScrape, carriers: map[string][]string{
			"shop-a.se": {"PostNord", "DHL"},
			"shop-b.se": {"Budbee"},
		}},
	}, detect.WithStrategyTimeout(time.Second))
	eng := engine.New(store, pipe, result.NewWriter(store), engine.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	deps := Deps{Engine: eng, Quota: tracker, Store: store, Token: testToken}
	if withScheduler {
		deps.Scheduler = scheduler.New(store, eng, scheduler.Options{})
	}

	if _, err := store.UpsertLeads(context.Background(), []storage.Lead{
		{ID: "lead-a", TenantID: "t1", Domain: "shop-a.se", Name: "Shop A"},
		{ID: "lead-b", TenantID: "t1", Domain: "shop-b.se", Name: "Shop B"},
	}); err != nil {
		t.Fatalf("UpsertLeads: %v", err)
	}

	return &testEnv{deps: deps, store: store, tracker: tracker, handler: NewHandler(deps)}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string, wantCode int, out any) {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", method, url, rr.Code, wantCode, rr.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", method, url, err)
		}
	}
}

func (e *testEnv) waitForStatus(t *testing.T, id string, want storage.JobStatus) storage.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var job storage.Job
		e.do(t, http.MethodGet, "/jobs/"+id, "", http.StatusOK, &job)
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", id, job.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func errorType(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decoding error envelope: %v; body = %s", err, body)
	}
	return env.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupTestEnv(t, false)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	env := setupTestEnv(t, false)
	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := errorType(t, rr.Body.Bytes()); got != "authentication_error" {
			t.Errorf("error type = %q", got)
		}
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/jobs", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestCreateJob_RunsToCompletion(t *testing.T) {
	env := setupTestEnv(t, false)

	var created storage.Job
	env.do(t, http.MethodPost, "/jobs", `{"tenant_id":"t1","lead_ids":["lead-a","lead-b"]}`, http.StatusCreated, &created)
	if created.ID == "" || created.Total != 2 {
		t.Fatalf("created = %+v", created)
	}

	job := env.waitForStatus(t, created.ID, storage.JobCompleted)
	if job.Success != 2 || job.Fail != 0 {
		t.Errorf("success=%d fail=%d, want 2/0", job.Success, job.Fail)
	}

	var items []storage.Item
	env.do(t, http.MethodGet, "/jobs/"+created.ID+"/items", "", http.StatusOK, &items)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Status != storage.ItemCompleted || it.Method != string(detect.MethodManagedScrape) {
			t.Errorf("item %s = %s/%s", it.LeadID, it.Status, it.Method)
		}
	}

	var lead storage.Lead
	env.do(t, http.MethodGet, "/leads/lead-a", "", http.StatusOK, &lead)
	if strings.Join(lead.Carriers, ",") != "PostNord,DHL" {
		t.Errorf("lead carriers = %v", lead.Carriers)
	}
	if lead.DetectionMethod != string(detect.MethodManagedScrape) || lead.DetectedAt == nil {
		t.Errorf("lead detection = %q at %v", lead.DetectionMethod, lead.DetectedAt)
	}

	var jobs []storage.Job
	env.do(t, http.MethodGet, "/jobs?tenant_id=t1", "", http.StatusOK, &jobs)
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestCreateJob_InvalidRequests(t *testing.T) {
	env := setupTestEnv(t, false)
	tests := map[string]string{
		"bad json":         `{"lead_ids":`,
		"no leads":         `{"tenant_id":"t1","lead_ids":[]}`,
		"unknown strategy": `{"lead_ids":["lead-a"],"detection":{"strategies":["carrier-pigeon"]}}`,
		"unknown type":     `{"lead_ids":["lead-a"],"job_type":"reverse_lookup"}`,
		"bad schedule":     `{"lead_ids":["lead-a"],"schedule":{"frequency":"hourly"}}`,
		"bad cron":         `{"lead_ids":["lead-a"],"schedule":{"frequency":"cron","cron":"not cron"}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/jobs", body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			if got := errorType(t, rr.Body.Bytes()); got != "invalid_request_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := setupTestEnv(t, false)
	for _, path := range []string{"/jobs/missing", "/jobs/missing/items", "/leads/missing"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
			continue
		}
		if got := errorType(t, rr.Body.Bytes()); got != "not_found_error" {
			t.Errorf("%s: error type = %q", path, got)
		}
	}
}

func TestSchedule_CreateTriggerCancel(t *testing.T) {
	env := setupTestEnv(t, true)

	body := `{"tenant_id":"t1","lead_ids":["lead-a"],"schedule":{"frequency":"daily","times":["09:00"],"timezone":"Europe/Stockholm"}}`
	var def storage.Job
	env.do(t, http.MethodPost, "/jobs", body, http.StatusCreated, &def)
	if !def.IsScheduled || def.NextRunAt == nil || !def.NextRunAt.After(time.Now()) {
		t.Fatalf("definition = %+v", def)
	}

	var defs []storage.Job
	env.do(t, http.MethodGet, "/schedules?tenant_id=t1", "", http.StatusOK, &defs)
	if len(defs) != 1 || defs[0].ID != def.ID {
		t.Fatalf("schedules = %+v", defs)
	}

	var trig TriggerResponse
	env.do(t, http.MethodPost, "/schedules/"+def.ID+"/trigger", "", http.StatusAccepted, &trig)
	if trig.JobID == "" || trig.JobID == def.ID {
		t.Fatalf("trigger = %+v", trig)
	}
	run := env.waitForStatus(t, trig.JobID, storage.JobCompleted)
	if run.ParentID != def.ID || run.Success != 1 {
		t.Errorf("run = parent %q success %d", run.ParentID, run.Success)
	}

	var cancelled CancelResponse
	env.do(t, http.MethodPost, "/jobs/"+def.ID+"/cancel", "", http.StatusOK, &cancelled)
	if cancelled.Job.Status != storage.JobCancelled {
		t.Errorf("definition status = %s, want cancelled", cancelled.Job.Status)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/schedules/"+def.ID+"/trigger", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("trigger after cancel: status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/jobs/"+def.ID+"/cancel", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", rr.Code)
	}

	var health scheduler.Health
	env.do(t, http.MethodGet, "/scheduler/health", "", http.StatusOK, &health)
	if health.Materialized != 1 {
		t.Errorf("health.Materialized = %d, want 1", health.Materialized)
	}
}

func TestSchedulerDisabled(t *testing.T) {
	env := setupTestEnv(t, false)
	for _, r := range []*http.Request{
		authReq(http.MethodPost, "/schedules/any/trigger", "", testToken),
		authReq(http.MethodGet, "/scheduler/health", "", testToken),
	} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, r)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", r.URL.Path, rr.Code)
		}
	}
}

func TestQuota_StatsAndReset(t *testing.T) {
	env := setupTestEnv(t, false)
	env.tracker.TryAcquire("scrape", "t1")
	env.tracker.TryAcquire("scrape", "t1")

	var stats QuotaResponse
	env.do(t, http.MethodGet, "/quota", "", http.StatusOK, &stats)
	if len(stats.Limits) != 2 {
		t.Errorf("limits = %d, want 2", len(stats.Limits))
	}
	if used := scrapeUsed(stats); used != 2 {
		t.Fatalf("scrape used = %d, want 2", used)
	}

	env.do(t, http.MethodDelete, "/quota/scrape?scope=t1", "", http.StatusOK, nil)
	env.do(t, http.MethodGet, "/quota", "", http.StatusOK, &stats)
	if used := scrapeUsed(stats); used != 0 {
		t.Errorf("scrape used after reset = %d, want 0", used)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/quota/telepathy", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown service: status = %d, want 404", rr.Code)
	}
}

func scrapeUsed(stats QuotaResponse) int {
	used := 0
	for _, s := range stats.Usage {
		if s.Service == "scrape" && s.Scope == "t1" {
			used += s.Used
		}
	}
	return used
}

func TestUpsertLeads(t *testing.T) {
	env := setupTestEnv(t, false)

	var resp LeadsRequest
	env.do(t, http.MethodPost, "/leads", `{"leads":[{"tenant_id":"t2","domain":"new-shop.se","name":"New"}]}`, http.StatusOK, &resp)
	if len(resp.Leads) != 1 || resp.Leads[0].ID == "" {
		t.Fatalf("leads = %+v", resp.Leads)
	}

	var lead storage.Lead
	env.do(t, http.MethodGet, "/leads/"+resp.Leads[0].ID, "", http.StatusOK, &lead)
	if lead.Domain != "new-shop.se" || lead.Carriers != nil {
		t.Errorf("lead = %+v", lead)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/leads", `{"leads":[{"name":"no domain"}]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing domain: status = %d, want 400", rr.Code)
	}
}
