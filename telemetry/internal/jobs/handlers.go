package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"wind-telemetry-platform/shared/lockx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/telemetry/internal/anomaly"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/models"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Tenants interface {
	AutoImportTenants(ctx context.Context) ([]uuid.UUID, error)
	MonitoredTenants(ctx context.Context) ([]uuid.UUID, error)
}

type StaleRuns interface {
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type ImportRunner interface {
	Run(ctx context.Context, p importer.Params) (importer.Result, error)
}

type CycleRunner interface {
	Run(ctx context.Context, tenantID uuid.UUID, force bool) (models.AutoImportRun, error)
}

type Detector interface {
	Detect(ctx context.Context, tenantID uuid.UUID) (anomaly.Report, error)
}

// Locker runs fn while holding key. It reports false when the key is held
// elsewhere and fn did not run.
type Locker func(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)

type Handlers struct {
	Queue      string
	Tenants    Tenants
	Stale      StaleRuns
	StaleAfter time.Duration
	Enqueuer   Enqueuer
	Importer   ImportRunner
	Cycle      CycleRunner
	Detector   Detector
	Lock       Locker
	LockTTL    time.Duration
	Log        logx.Logger
	Now        func() time.Time
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskAutoImportScan, h.AutoImportScan)
	mux.HandleFunc(TaskAutoImportTenant, h.AutoImportTenant)
	mux.HandleFunc(TaskAnomalyScan, h.AnomalyScan)
	mux.HandleFunc(TaskAnomalyTenant, h.AnomalyTenant)
	mux.HandleFunc(TaskImportRun, h.ImportRun)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// AutoImportScan fails runs left RUNNING by a crashed worker, then fans
// out one cycle task per tenant with auto-import enabled.
func (h *Handlers) AutoImportScan(ctx context.Context, _ *asynq.Task) error {
	if h.Stale != nil && h.StaleAfter > 0 {
		n, err := h.Stale.FailStale(ctx, h.now().Add(-h.StaleAfter))
		if err != nil {
			h.Log.Warn(ctx, "stale_runs_failed", "failed to close stale runs", logx.Err("INTERNAL_ERROR", err)...)
		} else if n > 0 {
			h.Log.Warn(ctx, "stale_runs_closed", "stale runs marked failed", slog.Int64("count", n))
		}
	}
	tenants, err := h.Tenants.AutoImportTenants(ctx)
	if err != nil {
		return err
	}
	h.fanOut(ctx, TaskAutoImportTenant, tenants)
	return nil
}

func (h *Handlers) AnomalyScan(ctx context.Context, _ *asynq.Task) error {
	tenants, err := h.Tenants.MonitoredTenants(ctx)
	if err != nil {
		return err
	}
	h.fanOut(ctx, TaskAnomalyTenant, tenants)
	return nil
}

func (h *Handlers) fanOut(ctx context.Context, taskType string, tenants []uuid.UUID) {
	for _, id := range tenants {
		if _, err := h.Enqueuer.Enqueue(NewTenantTask(taskType, id, false, h.Queue, h.LockTTL)); err != nil {
			h.Log.Error(ctx, "enqueue_failed", "failed to enqueue tenant task",
				append(logx.Err("INTERNAL_ERROR", err),
					slog.String("task", taskType),
					slog.String("tenant_id", id.String()),
				)...,
			)
		}
	}
}

func (h *Handlers) AutoImportTenant(ctx context.Context, t *asynq.Task) error {
	p, tenantID, err := parseTenant(t.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return h.locked(ctx, "autoimport", tenantID, func(ctx context.Context) error {
		cycle, err := h.Cycle.Run(ctx, tenantID, p.Force)
		if err != nil {
			return err
		}
		h.Log.Info(ctx, "autoimport_cycle_done", "auto-import cycle finished",
			slog.String("tenant_id", tenantID.String()),
			slog.String("status", cycle.Status),
			slog.Int("sites", len(cycle.Sites)),
			slog.Int("files_found", cycle.FilesFound),
			slog.Int("files_imported", cycle.FilesImported),
		)
		return nil
	})
}

func (h *Handlers) AnomalyTenant(ctx context.Context, t *asynq.Task) error {
	_, tenantID, err := parseTenant(t.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return h.locked(ctx, "anomaly", tenantID, func(ctx context.Context) error {
		rep, err := h.Detector.Detect(ctx, tenantID)
		if err != nil {
			return err
		}
		h.Log.Info(ctx, "anomaly_scan_done", "anomaly detection finished",
			slog.String("tenant_id", tenantID.String()),
			slog.Int("detected", rep.Detected),
			slog.Int("persisted", rep.Persisted),
			slog.Int("suppressed", rep.Suppressed),
		)
		return nil
	})
}

// ImportRun executes a queued import. The orchestrator finalizes the run on
// every path, so errors are logged and never retried.
func (h *Handlers) ImportRun(ctx context.Context, t *asynq.Task) error {
	params, err := parseImport(t.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	res, err := h.Importer.Run(ctx, params)
	if err != nil {
		return fmt.Errorf("import %s: %w: %w", params.RunID, err, asynq.SkipRetry)
	}
	h.Log.Info(ctx, "import_task_done", "import task finished",
		slog.String("run_id", res.RunID.String()),
		slog.String("status", res.Status),
		slog.Int("imported", res.Imported),
	)
	return nil
}

func (h *Handlers) locked(ctx context.Context, job string, tenantID uuid.UUID, fn func(context.Context) error) error {
	if h.Lock == nil {
		return fn(ctx)
	}
	ran, err := h.Lock(ctx, lockx.RunKey(job, tenantID), h.LockTTL, fn)
	if err != nil {
		return err
	}
	if !ran {
		h.Log.Info(ctx, "job_locked", "job already running for tenant",
			slog.String("job", job),
			slog.String("tenant_id", tenantID.String()),
		)
	}
	return nil
}
