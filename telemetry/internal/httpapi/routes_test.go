package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/tenantx"
	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/anomaly"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/jobs"
	"wind-telemetry-platform/telemetry/internal/middleware"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
	"wind-telemetry-platform/telemetry/internal/repos"
)

type fakeRuns struct {
	running   bool
	created   []models.ImportRun
	finalized map[uuid.UUID]importer.Final
	filter    repos.RunFilter
}

func (f *fakeRuns) CreateRun(_ context.Context, run models.ImportRun) (models.ImportRun, error) {
	f.created = append(f.created, run)
	return run, nil
}

func (f *fakeRuns) GetRun(_ context.Context, _ uuid.UUID, runID uuid.UUID) (models.ImportRun, error) {
	for _, r := range f.created {
		if r.RunID == runID {
			return r, nil
		}
	}
	return models.ImportRun{}, repos.ErrRunNotFound
}

func (f *fakeRuns) ListRuns(_ context.Context, _ uuid.UUID, filter repos.RunFilter) ([]models.ImportRun, error) {
	f.filter = filter
	return f.created, nil
}

func (f *fakeRuns) HasRunning(context.Context, uuid.UUID, string, records.Kind) (bool, error) {
	return f.running, nil
}

func (f *fakeRuns) Finalize(_ context.Context, runID uuid.UUID, final importer.Final) error {
	if f.finalized == nil {
		f.finalized = map[uuid.UUID]importer.Final{}
	}
	f.finalized[runID] = final
	return nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1"}, nil
}

type fakeAnomalies struct {
	filter repos.AnomalyFilter
}

func (f *fakeAnomalies) ListAnomalies(_ context.Context, _ uuid.UUID, filter repos.AnomalyFilter) ([]models.Anomaly, error) {
	f.filter = filter
	return nil, nil
}

func (f *fakeAnomalies) ResolveAnomaly(context.Context, uuid.UUID, uuid.UUID) (models.Anomaly, error) {
	return models.Anomaly{}, repos.ErrAnomalyNotFound
}

type fakeConfigs struct {
	stored *models.AnomalyConfig
}

func (f *fakeConfigs) AnomalyConfig(_ context.Context, tenantID uuid.UUID) (models.AnomalyConfig, error) {
	if f.stored != nil {
		return *f.stored, nil
	}
	return models.DefaultAnomalyConfig(tenantID), nil
}

func (f *fakeConfigs) Put(_ context.Context, cfg models.AnomalyConfig) error {
	if err := anomaly.ValidateConfig(cfg); err != nil {
		return err
	}
	f.stored = &cfg
	return nil
}

type testEnv struct {
	server  *Server
	runs    *fakeRuns
	queue   *fakeEnqueuer
	anoms   *fakeAnomalies
	configs *fakeConfigs
	tenant  uuid.UUID
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		runs:    &fakeRuns{},
		queue:   &fakeEnqueuer{},
		anoms:   &fakeAnomalies{},
		configs: &fakeConfigs{},
		tenant:  uuid.New(),
	}
	env.server = &Server{
		Runs:      env.runs,
		Anomalies: env.anoms,
		Configs:   env.configs,
		Enqueuer:  env.queue,
		Queue:     "telemetry",
		BasePath:  "/data/scada",
		UploadDir: t.TempDir(),
		Log:       logx.Discard(),
		Now:       func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	mux := http.NewServeMux()
	env.server.Routes(mux)
	env.handler = mux
	return env
}

func (e *testEnv) do(req *http.Request, roles ...string) *httptest.ResponseRecorder {
	ctx := tenantx.WithTenant(req.Context(), tenantx.TenantContext{ID: e.tenant})
	ctx = authx.WithAuth(ctx, authx.AuthContext{Subject: "ops", Roles: roles})
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestCreateImportQueuesRun(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"site_code":"WF01","kind":"wsd"}`))
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.runs.created) != 1 {
		t.Fatalf("expected one run, got %d", len(env.runs.created))
	}
	run := env.runs.created[0]
	if run.Status != workflow.RunStatusRunning || run.Kind != records.KindWSD || run.Trigger != models.TriggerAPI {
		t.Fatalf("unexpected run %#v", run)
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0].Type() != jobs.TaskImportRun {
		t.Fatalf("expected one import task, got %#v", env.queue.tasks)
	}
	var payload jobs.ImportPayload
	if err := json.Unmarshal(env.queue.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.RunID != run.RunID.String() || payload.BasePath != "/data/scada" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestCreateImportRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	env.runs.running = true
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"site_code":"WF01","kind":"SEL"}`))
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(env.runs.created) != 0 || len(env.queue.tasks) != 0 {
		t.Fatalf("nothing should be created while a run is active")
	}
}

func TestCreateImportValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		body  string
		roles []string
		want  int
	}{
		{"missing role", `{"site_code":"WF01","kind":"WSD"}`, nil, http.StatusForbidden},
		{"unknown kind", `{"site_code":"WF01","kind":"XYZ"}`, []string{middleware.RoleOperator}, http.StatusBadRequest},
		{"path in site", `{"site_code":"../etc","kind":"WSD"}`, []string{middleware.RoleOperator}, http.StatusBadRequest},
		{"unknown field", `{"site_code":"WF01","kind":"WSD","base_path":"/"}`, []string{middleware.RoleOperator}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(tc.body))
			rec := env.do(req, tc.roles...)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestEnqueueFailureClosesRun(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = errors.New("redis down")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"site_code":"WF01","kind":"WSD"}`))
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	run := env.runs.created[0]
	final, ok := env.runs.finalized[run.RunID]
	if !ok || final.Status != workflow.RunStatusFailed {
		t.Fatalf("expected run finalized as FAILED, got %#v", env.runs.finalized)
	}
}

func multipartRequest(t *testing.T, kind string, names ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("site_code", "WF01")
	_ = mw.WriteField("kind", kind)
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = part.Write([]byte("binary"))
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadImportStoresFiles(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(multipartRequest(t, "WSD", "20240301.wsd", "20240302.WSD"), middleware.RoleOperator)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload jobs.ImportPayload
	if err := json.Unmarshal(env.queue.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	runDir := filepath.Join(env.server.UploadDir, env.runs.created[0].RunID.String())
	if payload.CleanupDir != runDir {
		t.Fatalf("expected cleanup dir %s, got %s", runDir, payload.CleanupDir)
	}
	if len(payload.Files) != 2 {
		t.Fatalf("expected 2 files, got %#v", payload.Files)
	}
	for _, f := range payload.Files {
		if _, err := os.Stat(f); err != nil {
			t.Fatalf("uploaded file missing: %v", err)
		}
	}
}

func TestUploadImportRejectsWrongExtension(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(multipartRequest(t, "WSD", "20240301.sel"), middleware.RoleOperator)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(env.runs.created) != 0 {
		t.Fatalf("no run should be created for a rejected upload")
	}
}

func TestGetImportNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListAnomaliesFilters(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/anomalies?severity=critical&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f := env.anoms.filter
	if !f.OpenOnly || f.Severity != models.SeverityCritical || f.Limit != 10 {
		t.Fatalf("unexpected filter %#v", f)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/anomalies?severity=low", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad severity, got %d", rec.Code)
	}
}

func TestResolveAnomalyNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/anomalies/"+uuid.NewString()+"/resolve", nil)
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPutAnomalyConfig(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/anomaly-config", strings.NewReader(`{"performance_drop_pct":20,"notify_warning":false}`))
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := env.configs.stored
	if got == nil || got.PerformanceDropPct != 20 || got.NotifyWarning || got.AvailabilityPct != 90 || got.TenantID != env.tenant {
		t.Fatalf("unexpected stored config %#v", got)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/anomaly-config", strings.NewReader(`{"availability_pct":140}`))
	rec = env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid thresholds, got %d", rec.Code)
	}
}

func TestTriggerAutoImportIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.server.Limiter = middleware.NewTokenLimiter(0.001, 1, time.Minute)
	mux := http.NewServeMux()
	env.server.Routes(mux)
	env.handler = mux

	first := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/auto-import/trigger", nil), middleware.RoleOperator)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	second := env.do(httptest.NewRequest(http.MethodPost, "/api/v1/auto-import/trigger", nil), middleware.RoleOperator)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0].Type() != jobs.TaskAutoImportTenant {
		t.Fatalf("expected one forced tenant task, got %#v", env.queue.tasks)
	}
}

func TestTriggersNeedQueue(t *testing.T) {
	env := newTestEnv(t)
	env.server.Enqueuer = nil
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"site_code":"WF01","kind":"WSD"}`))
	rec := env.do(req, middleware.RoleOperator)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if len(env.runs.created) != 0 {
		t.Fatalf("no run should be created without a queue")
	}
}
