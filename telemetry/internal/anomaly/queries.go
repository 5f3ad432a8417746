package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/telemetry/internal/models"
)

// PowerWindow is the per-turbine mean of valid operating samples in a window.
type PowerWindow struct {
	Samples    int
	MeanPowerW float64
	MeanWind   *float64
}

type AvailabilityDay struct {
	TurbineID           uuid.UUID
	Day                 time.Time
	AvailabilityPct     *float64
	EquipmentFailureSec float64
}

// StateActivity is reported for every turbine with any state-event history.
// Events counts events since the requested time; LastRunning is the latest
// running event regardless of age.
type StateActivity struct {
	Events      int
	LastRunning *time.Time
}

type BinStat struct {
	Samples    int
	MeanPowerW float64
}

// Quality counts samples and the numeric fields examined across them.
type Quality struct {
	Samples int
	Values  int
	Invalid int
}

// Queries is the read-only aggregate surface the checks run against.
// Windows are half-open [from, to).
type Queries interface {
	Turbines(ctx context.Context, tenantID uuid.UUID) ([]models.Turbine, error)
	PowerWindow(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time) (map[uuid.UUID]PowerWindow, error)
	DailyAvailability(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]AvailabilityDay, error)
	StateActivity(ctx context.Context, tenantID uuid.UUID, since time.Time) (map[uuid.UUID]StateActivity, error)
	CurveBins(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time, minWind float64, maxWind float64) (map[uuid.UUID]map[int]BinStat, error)
	DataQuality(ctx context.Context, tenantID uuid.UUID, from time.Time, to time.Time) (map[uuid.UUID]Quality, error)
}

type Key struct {
	TurbineID uuid.UUID
	Type      string
}

type Store interface {
	RecentUnresolved(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]Key, error)
	InsertAnomalies(ctx context.Context, anomalies []models.Anomaly) error
}

type ConfigSource interface {
	AnomalyConfig(ctx context.Context, tenantID uuid.UUID) (models.AnomalyConfig, error)
}
