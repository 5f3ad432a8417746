package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/records"
)

const (
	TaskAutoImportScan   = "autoimport.scan"
	TaskAutoImportTenant = "autoimport.tenant"
	TaskAnomalyScan      = "anomaly.scan"
	TaskAnomalyTenant    = "anomaly.tenant"
	TaskImportRun        = "import.run"
)

var ErrBadPayload = errors.New("invalid task payload")

type TenantPayload struct {
	TenantID string `json:"tenant_id"`
	Force    bool   `json:"force,omitempty"`
}

// ImportPayload carries an import run that was already created as RUNNING
// by the caller.
type ImportPayload struct {
	RunID      string   `json:"run_id"`
	TenantID   string   `json:"tenant_id"`
	SiteCode   string   `json:"site_code"`
	Kind       string   `json:"kind"`
	BasePath   string   `json:"base_path,omitempty"`
	Files      []string `json:"files,omitempty"`
	CleanupDir string   `json:"cleanup_dir,omitempty"`
}

// taskOptions bounds a task by timeout when set. Callers pass the run lock
// TTL so a task is cancelled before its tenant lock can expire under it.
func taskOptions(queue string, timeout time.Duration) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(queue)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return opts
}

func NewTenantTask(taskType string, tenantID uuid.UUID, force bool, queue string, timeout time.Duration) *asynq.Task {
	payload, _ := json.Marshal(TenantPayload{TenantID: tenantID.String(), Force: force})
	return asynq.NewTask(taskType, payload, taskOptions(queue, timeout)...)
}

func NewImportTask(p importer.Params, queue string, timeout time.Duration) *asynq.Task {
	payload, _ := json.Marshal(ImportPayload{
		RunID:      p.RunID.String(),
		TenantID:   p.TenantID.String(),
		SiteCode:   p.SiteCode,
		Kind:       string(p.Kind),
		BasePath:   p.BasePath,
		Files:      p.Files,
		CleanupDir: p.CleanupDir,
	})
	// Imports are not idempotent at the run level, so the task is never retried.
	return asynq.NewTask(TaskImportRun, payload, append(taskOptions(queue, timeout), asynq.MaxRetry(0))...)
}

func parseTenant(raw []byte) (TenantPayload, uuid.UUID, error) {
	var p TenantPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, uuid.Nil, errors.Join(ErrBadPayload, err)
	}
	id, err := uuid.Parse(strings.TrimSpace(p.TenantID))
	if err != nil {
		return p, uuid.Nil, errors.Join(ErrBadPayload, err)
	}
	return p, id, nil
}

func parseImport(raw []byte) (importer.Params, error) {
	var p ImportPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return importer.Params{}, errors.Join(ErrBadPayload, err)
	}
	runID, err := uuid.Parse(strings.TrimSpace(p.RunID))
	if err != nil {
		return importer.Params{}, errors.Join(ErrBadPayload, err)
	}
	tenantID, err := uuid.Parse(strings.TrimSpace(p.TenantID))
	if err != nil {
		return importer.Params{}, errors.Join(ErrBadPayload, err)
	}
	return importer.Params{
		TenantID:   tenantID,
		SiteCode:   p.SiteCode,
		Kind:       records.Kind(p.Kind),
		BasePath:   p.BasePath,
		RunID:      runID,
		Files:      p.Files,
		CleanupDir: p.CleanupDir,
	}, nil
}
