package httpapi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/jobs"
	"wind-telemetry-platform/telemetry/internal/middleware"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
	"wind-telemetry-platform/telemetry/internal/repos"
)

type Runs interface {
	CreateRun(ctx context.Context, run models.ImportRun) (models.ImportRun, error)
	GetRun(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID) (models.ImportRun, error)
	ListRuns(ctx context.Context, tenantID uuid.UUID, f repos.RunFilter) ([]models.ImportRun, error)
	HasRunning(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind) (bool, error)
	Finalize(ctx context.Context, runID uuid.UUID, f importer.Final) error
}

type AutoImportRuns interface {
	ListAutoImportRuns(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AutoImportRun, error)
}

type Anomalies interface {
	ListAnomalies(ctx context.Context, tenantID uuid.UUID, f repos.AnomalyFilter) ([]models.Anomaly, error)
	ResolveAnomaly(ctx context.Context, tenantID uuid.UUID, anomalyID uuid.UUID) (models.Anomaly, error)
}

type Production interface {
	ListMonthlyProduction(ctx context.Context, tenantID uuid.UUID, year int, turbineID *uuid.UUID) ([]models.MonthlyProduction, error)
}

type AnomalyConfigs interface {
	AnomalyConfig(ctx context.Context, tenantID uuid.UUID) (models.AnomalyConfig, error)
	Put(ctx context.Context, cfg models.AnomalyConfig) error
}

// Server exposes import runs, auto-import cycles, anomalies, production and
// anomaly thresholds for the tenant resolved by the middleware chain.
type Server struct {
	Runs        Runs
	AutoImports AutoImportRuns
	Anomalies   Anomalies
	Production  Production
	Configs     AnomalyConfigs
	Enqueuer    jobs.Enqueuer
	Queue       string
	TaskTimeout time.Duration
	BasePath    string
	UploadDir   string
	MaxUpload   int64
	Limiter     *middleware.TokenLimiter
	Log         logx.Logger
	Now         func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
