package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/metricsx"
	"wind-telemetry-platform/shared/observability"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/notify"
)

const dedupWindow = 24 * time.Hour

type Report struct {
	TenantID    uuid.UUID         `json:"tenant_id"`
	Detected    int               `json:"detected"`
	Suppressed  int               `json:"suppressed"`
	Persisted   int               `json:"persisted"`
	Notified    int               `json:"notified"`
	CheckErrors map[string]string `json:"check_errors,omitempty"`
	Anomalies   []models.Anomaly  `json:"anomalies"`
}

type Engine struct {
	queries  Queries
	store    Store
	configs  ConfigSource
	notifier notify.Notifier
	baseURL  string
	interval int
	log      logx.Logger
	now      func() time.Time
}

// NewEngine wires the detector. notifier may be nil.
func NewEngine(queries Queries, store Store, configs ConfigSource, notifier notify.Notifier, baseURL string, intervalMinutes int, log logx.Logger) *Engine {
	if intervalMinutes <= 0 {
		intervalMinutes = 10
	}
	return &Engine{
		queries:  queries,
		store:    store,
		configs:  configs,
		notifier: notifier,
		baseURL:  baseURL,
		interval: intervalMinutes,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Detect runs every check for one tenant, drops repeats of open anomalies,
// persists the rest and notifies. A failing check only loses its own results.
func (e *Engine) Detect(ctx context.Context, tenantID uuid.UUID) (rep Report, err error) {
	ctx, endSpan := observability.Span(ctx, "anomaly", "anomaly.detect", attribute.String("tenant_id", tenantID.String()))
	defer func() { endSpan(err) }()
	log := e.log.With(slog.String("tenant_id", tenantID.String()))
	rep = Report{TenantID: tenantID}

	cfg, cerr := e.configs.AnomalyConfig(ctx, tenantID)
	if cerr != nil {
		log.Warn(ctx, "anomaly_config_fallback", "using default thresholds", logx.Err("CONFIG_UNAVAILABLE", cerr)...)
		cfg = models.DefaultAnomalyConfig(tenantID)
	}
	turbines, err := e.queries.Turbines(ctx, tenantID)
	if err != nil {
		return rep, fmt.Errorf("load turbines: %w", err)
	}
	if len(turbines) == 0 {
		return rep, nil
	}
	in := input{tenantID: tenantID, turbines: turbines, cfg: cfg, now: e.now(), intervalMinutes: e.interval}

	results := make([][]models.Anomaly, len(checks))
	failures := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = fmt.Errorf("panic: %v", r)
					results[i] = nil
				}
			}()
			found, err := c.run(ctx, e.queries, in)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var found []models.Anomaly
	for i, c := range checks {
		if failures[i] != nil {
			if rep.CheckErrors == nil {
				rep.CheckErrors = map[string]string{}
			}
			rep.CheckErrors[c.name] = failures[i].Error()
			metricsx.IncAnomalyCheckFailure(c.name)
			log.Error(ctx, "anomaly_check_failed", "check failed", append(logx.Err("CHECK_FAILED", failures[i]), slog.String("check", c.name))...)
			continue
		}
		found = append(found, results[i]...)
	}
	found = collapse(found)
	rep.Detected = len(found)

	open, err := e.store.RecentUnresolved(ctx, tenantID, in.now.Add(-dedupWindow))
	if err != nil {
		return rep, fmt.Errorf("load open anomalies: %w", err)
	}
	fresh := suppress(found, open)
	rep.Suppressed = len(found) - len(fresh)
	if len(fresh) == 0 {
		log.Info(ctx, "anomaly_detect_finished", "no new anomalies", slog.Int("detected", rep.Detected))
		return rep, nil
	}
	if err := e.store.InsertAnomalies(ctx, fresh); err != nil {
		return rep, fmt.Errorf("persist anomalies: %w", err)
	}
	rep.Persisted = len(fresh)
	rep.Anomalies = fresh
	for _, a := range fresh {
		metricsx.IncAnomaly(a.Type, a.Severity)
	}

	rep.Notified = e.notify(ctx, log, tenantID, cfg, fresh)
	log.Info(ctx, "anomaly_detect_finished", "anomalies persisted",
		slog.Int("detected", rep.Detected), slog.Int("persisted", rep.Persisted), slog.Int("suppressed", rep.Suppressed))
	return rep, nil
}

func (e *Engine) notify(ctx context.Context, log logx.Logger, tenantID uuid.UUID, cfg models.AnomalyConfig, fresh []models.Anomaly) int {
	if e.notifier == nil {
		return 0
	}
	var selected []models.Anomaly
	for _, a := range fresh {
		if (a.Severity == models.SeverityCritical && cfg.NotifyCritical) || (a.Severity == models.SeverityWarning && cfg.NotifyWarning) {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return 0
	}
	if err := e.notifier.Notify(ctx, notify.Summarize(tenantID, selected, e.baseURL)); err != nil {
		log.Warn(ctx, "anomaly_notify_failed", "notification failed", logx.Err("NOTIFY_FAILED", err)...)
		return 0
	}
	return len(selected)
}

func severityRank(s string) int {
	if s == models.SeverityCritical {
		return 2
	}
	return 1
}

// collapse keeps one anomaly per (turbine, type), preferring the most severe.
func collapse(in []models.Anomaly) []models.Anomaly {
	best := map[Key]int{}
	var out []models.Anomaly
	for _, a := range in {
		k := Key{TurbineID: a.TurbineID, Type: a.Type}
		if i, ok := best[k]; ok {
			if severityRank(a.Severity) > severityRank(out[i].Severity) {
				out[i] = a
			}
			continue
		}
		best[k] = len(out)
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TurbineID != out[j].TurbineID {
			return out[i].TurbineID.String() < out[j].TurbineID.String()
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func suppress(found []models.Anomaly, open []Key) []models.Anomaly {
	if len(open) == 0 {
		return found
	}
	seen := make(map[Key]bool, len(open))
	for _, k := range open {
		seen[k] = true
	}
	out := make([]models.Anomaly, 0, len(found))
	for _, a := range found {
		if !seen[Key{TurbineID: a.TurbineID, Type: a.Type}] {
			out = append(out, a)
		}
	}
	return out
}
