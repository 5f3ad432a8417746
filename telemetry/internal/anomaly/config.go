package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/cachex"
	"wind-telemetry-platform/telemetry/internal/models"
)

var ErrInvalidConfig = errors.New("invalid anomaly config")

type ConfigStore interface {
	// GetAnomalyConfig returns nil when the tenant has no stored row.
	GetAnomalyConfig(ctx context.Context, tenantID uuid.UUID) (*models.AnomalyConfig, error)
	PutAnomalyConfig(ctx context.Context, cfg models.AnomalyConfig) error
}

// CachedConfig reads thresholds through redis. cache may be nil.
type CachedConfig struct {
	store ConfigStore
	cache *cachex.Client
	ttl   time.Duration
}

func NewCachedConfig(store ConfigStore, cache *cachex.Client, ttl time.Duration) *CachedConfig {
	return &CachedConfig{store: store, cache: cache, ttl: ttl}
}

func configKey(tenantID uuid.UUID) string {
	return "telemetry:anomaly_config:" + tenantID.String()
}

func (c *CachedConfig) AnomalyConfig(ctx context.Context, tenantID uuid.UUID) (models.AnomalyConfig, error) {
	return cachex.Remember(ctx, c.cache, configKey(tenantID), c.ttl, func(ctx context.Context) (models.AnomalyConfig, error) {
		stored, err := c.store.GetAnomalyConfig(ctx, tenantID)
		if err != nil {
			return models.AnomalyConfig{}, err
		}
		if stored == nil {
			return models.DefaultAnomalyConfig(tenantID), nil
		}
		return *stored, nil
	})
}

func (c *CachedConfig) Put(ctx context.Context, cfg models.AnomalyConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if err := c.store.PutAnomalyConfig(ctx, cfg); err != nil {
		return err
	}
	if c.cache != nil {
		_ = c.cache.Delete(ctx, configKey(cfg.TenantID))
	}
	return nil
}

func ValidateConfig(cfg models.AnomalyConfig) error {
	pcts := []struct {
		name string
		v    float64
	}{
		{"performance_drop_pct", cfg.PerformanceDropPct},
		{"availability_pct", cfg.AvailabilityPct},
		{"curve_deviation_pct", cfg.CurveDeviationPct},
		{"data_quality_pct", cfg.DataQualityPct},
	}
	for _, p := range pcts {
		if p.v <= 0 || p.v > 100 {
			return fmt.Errorf("%w: %s must be in (0, 100]", ErrInvalidConfig, p.name)
		}
	}
	if cfg.DowntimeHours <= 0 || cfg.DowntimeHours > 24*30 {
		return fmt.Errorf("%w: downtime_hours must be in (0, 720]", ErrInvalidConfig)
	}
	return nil
}
