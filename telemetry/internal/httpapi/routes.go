package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/httpx"
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

const defaultMaxUpload = 256 << 20

func (s *Server) Routes(mux *http.ServeMux) {
	trigger := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireRole(middleware.RoleOperator, middleware.TenantRateLimit(s.Limiter, h))
	}
	operator := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireRole(middleware.RoleOperator, h)
	}

	mux.HandleFunc("POST /api/v1/imports", trigger(s.createImport))
	mux.HandleFunc("POST /api/v1/imports/upload", trigger(s.uploadImport))
	mux.HandleFunc("GET /api/v1/imports", s.listImports)
	mux.HandleFunc("GET /api/v1/imports/{run_id}", s.getImport)
	mux.HandleFunc("POST /api/v1/auto-import/trigger", trigger(s.triggerAutoImport))
	mux.HandleFunc("GET /api/v1/auto-import/runs", s.listAutoImports)
	mux.HandleFunc("GET /api/v1/anomalies", s.listAnomalies)
	mux.HandleFunc("POST /api/v1/anomalies/{anomaly_id}/resolve", operator(s.resolveAnomaly))
	mux.HandleFunc("GET /api/v1/production", s.listProduction)
	mux.HandleFunc("GET /api/v1/anomaly-config", s.getAnomalyConfig)
	mux.HandleFunc("PUT /api/v1/anomaly-config", operator(s.putAnomalyConfig))
}

type importRequest struct {
	SiteCode string `json:"site_code"`
	Kind     string `json:"kind"`
}

func (s *Server) createImport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok || !s.queueReady(w, r) {
		return
	}
	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	site, kind, ok := validateImport(w, r, req.SiteCode, req.Kind)
	if !ok {
		return
	}
	run, ok := s.startRun(w, r, tenantID, site, kind)
	if !ok {
		return
	}
	s.enqueueRun(w, r, run, importer.Params{
		TenantID: tenantID,
		SiteCode: site,
		Kind:     kind,
		BasePath: s.BasePath,
		RunID:    run.RunID,
	})
}

// uploadImport stores multipart files under UploadDir/<run_id> and queues a
// run over exactly those files. The worker removes the directory when the
// run finalizes.
func (s *Server) uploadImport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok || !s.queueReady(w, r) {
		return
	}
	limit := s.MaxUpload
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid multipart body", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	site, kind, ok := validateImport(w, r, r.FormValue("site_code"), r.FormValue("kind"))
	if !ok {
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "at least one file is required", nil)
		return
	}
	spec, _ := records.Lookup(kind)
	for _, fh := range headers {
		if !strings.EqualFold(strings.TrimPrefix(filepath.Ext(fh.Filename), "."), spec.Ext) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "file extension does not match kind", map[string]any{"file": fh.Filename, "expected": spec.Ext})
			return
		}
	}

	run, ok := s.startRun(w, r, tenantID, site, kind)
	if !ok {
		return
	}
	dir := filepath.Join(s.UploadDir, run.RunID.String())
	files, err := saveUploads(dir, headers)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.abortRun(r, run, "upload failed: "+err.Error())
		s.Log.Error(r.Context(), "upload_failed", "failed to store uploaded files", append(logx.Err("INTERNAL_ERROR", err), slog.String("run_id", run.RunID.String()))...)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store uploaded files", nil)
		return
	}
	s.enqueueRun(w, r, run, importer.Params{
		TenantID:   tenantID,
		SiteCode:   site,
		Kind:       kind,
		RunID:      run.RunID,
		Files:      files,
		CleanupDir: dir,
	})
}

func saveUploads(dir string, headers []*multipart.FileHeader) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(headers))
	for _, fh := range headers {
		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("invalid file name %q", fh.Filename)
		}
		src, err := fh.Open()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		_, copyErr := io.Copy(dst, src)
		_ = src.Close()
		if err := dst.Close(); err != nil && copyErr == nil {
			copyErr = err
		}
		if copyErr != nil {
			return nil, copyErr
		}
		files = append(files, path)
	}
	return files, nil
}

func validateImport(w http.ResponseWriter, r *http.Request, rawSite string, rawKind string) (string, records.Kind, bool) {
	site := strings.TrimSpace(rawSite)
	if site == "" || strings.ContainsAny(site, `/\`) || strings.Contains(site, "..") {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "site_code is required", nil)
		return "", "", false
	}
	kind, err := records.ParseKind(rawKind)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return "", "", false
	}
	return site, kind, true
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, site string, kind records.Kind) (models.ImportRun, bool) {
	running, err := s.Runs.HasRunning(r.Context(), tenantID, site, kind)
	if err != nil {
		s.internal(w, r, "run_lookup_failed", err)
		return models.ImportRun{}, false
	}
	if running {
		httpx.WriteError(w, r, http.StatusConflict, "ABORTED", "an import for this site and kind is already running", nil)
		return models.ImportRun{}, false
	}
	run, err := s.Runs.CreateRun(r.Context(), models.ImportRun{
		RunID:     uuid.New(),
		TenantID:  tenantID,
		SiteCode:  site,
		Kind:      kind,
		Trigger:   models.TriggerAPI,
		Status:    workflow.RunStatusRunning,
		StartedAt: s.now(),
	})
	if err != nil {
		s.internal(w, r, "run_create_failed", err)
		return models.ImportRun{}, false
	}
	return run, true
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request, run models.ImportRun, p importer.Params) {
	if _, err := s.Enqueuer.Enqueue(jobs.NewImportTask(p, s.Queue, s.TaskTimeout)); err != nil {
		if p.CleanupDir != "" {
			_ = os.RemoveAll(p.CleanupDir)
		}
		s.abortRun(r, run, "enqueue failed: "+err.Error())
		s.internal(w, r, "enqueue_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, run)
}

// abortRun closes a run that never reached the worker so it does not block
// later triggers for the same site and kind.
func (s *Server) abortRun(r *http.Request, run models.ImportRun, msg string) {
	err := s.Runs.Finalize(r.Context(), run.RunID, importer.Final{
		Status:     workflow.RunStatusFailed,
		Errors:     []models.RunError{{Level: models.LevelError, Message: msg}},
		FinishedAt: s.now(),
	})
	if err != nil {
		s.Log.Error(r.Context(), "run_abort_failed", "failed to close run", append(logx.Err("INTERNAL_ERROR", err), slog.String("run_id", run.RunID.String()))...)
	}
}

func (s *Server) listImports(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := repos.RunFilter{
		SiteCode: strings.TrimSpace(q.Get("site_code")),
		Status:   workflow.NormalizeRunStatus(q.Get("status")),
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := records.ParseKind(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		f.Kind = kind
	}
	if f.Limit, f.Offset, ok = page(w, r); !ok {
		return
	}
	runs, err := s.Runs.ListRuns(r.Context(), tenantID, f)
	if err != nil {
		s.internal(w, r, "run_list_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getImport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	runID, err := httpx.PathUUID(r, "run_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	run, err := s.Runs.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		if errors.Is(err, repos.ErrRunNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "run not found", nil)
			return
		}
		s.internal(w, r, "run_get_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) triggerAutoImport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok || !s.queueReady(w, r) {
		return
	}
	info, err := s.Enqueuer.Enqueue(jobs.NewTenantTask(jobs.TaskAutoImportTenant, tenantID, true, s.Queue, s.TaskTimeout))
	if err != nil {
		s.internal(w, r, "enqueue_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "forced": true})
}

func (s *Server) listAutoImports(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 20, 1, 200)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	cycles, err := s.AutoImports.ListAutoImportRuns(r.Context(), tenantID, limit)
	if err != nil {
		s.internal(w, r, "autoimport_list_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := repos.AnomalyFilter{OpenOnly: q.Get("status") != "all"}
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("severity"))); raw != "" {
		if raw != models.SeverityWarning && raw != models.SeverityCritical {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "severity must be WARNING or CRITICAL", nil)
			return
		}
		f.Severity = raw
	}
	turbineID, ok := optionalUUID(w, r, "turbine_id")
	if !ok {
		return
	}
	f.TurbineID = turbineID
	if f.Limit, f.Offset, ok = page(w, r); !ok {
		return
	}
	list, err := s.Anomalies.ListAnomalies(r.Context(), tenantID, f)
	if err != nil {
		s.internal(w, r, "anomaly_list_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"anomalies": list})
}

func (s *Server) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	anomalyID, err := httpx.PathUUID(r, "anomaly_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	a, err := s.Anomalies.ResolveAnomaly(r.Context(), tenantID, anomalyID)
	if err != nil {
		if errors.Is(err, repos.ErrAnomalyNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "anomaly not found", nil)
			return
		}
		s.internal(w, r, "anomaly_resolve_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) listProduction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	year, err := httpx.QueryInt(r, "year", s.now().Year(), 1990, 2100)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	turbineID, ok := optionalUUID(w, r, "turbine_id")
	if !ok {
		return
	}
	rows, err := s.Production.ListMonthlyProduction(r.Context(), tenantID, year, turbineID)
	if err != nil {
		s.internal(w, r, "production_list_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"year": year, "production": rows})
}

func (s *Server) getAnomalyConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	cfg, err := s.Configs.AnomalyConfig(r.Context(), tenantID)
	if err != nil {
		s.internal(w, r, "anomaly_config_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) putAnomalyConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	cfg := models.DefaultAnomalyConfig(tenantID)
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	cfg.TenantID = tenantID
	if err := s.Configs.Put(r.Context(), cfg); err != nil {
		if errors.Is(err, anomaly.ErrInvalidConfig) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		s.internal(w, r, "anomaly_config_put_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (s *Server) queueReady(w http.ResponseWriter, r *http.Request) bool {
	if s.Enqueuer == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "job queue not configured", nil)
		return false
	}
	return true
}

func tenantFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := tenantx.Require(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be a uuid", nil)
		return nil, false
	}
	return &id, true
}

func page(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := httpx.QueryInt(r, "limit", 50, 1, 500)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return 0, 0, false
	}
	offset, err := httpx.QueryInt(r, "offset", 0, 0, 1_000_000)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return 0, 0, false
	}
	return limit, offset, true
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, event string, err error) {
	s.Log.Error(r.Context(), event, "request failed", append(logx.Err("INTERNAL_ERROR", err), slog.String("path", r.URL.Path))...)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}
