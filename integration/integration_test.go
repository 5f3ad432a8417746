//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"wind-telemetry-platform/shared/lockx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/aggregation"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
	"wind-telemetry-platform/telemetry/internal/repos"
)

func newPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := repos.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return pool
}

func seedTurbine(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, uuid.UUID) {
	t.Helper()
	var tenantID, turbineID uuid.UUID
	slug := "it-" + uuid.NewString()[:8]
	if err := pool.QueryRow(ctx, `INSERT INTO tenants (slug, name) VALUES ($1, $1) RETURNING tenant_id`, slug).Scan(&tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO turbines (tenant_id, name, rated_power_kw) VALUES ($1, 'T01', 2000) RETURNING turbine_id`, tenantID).Scan(&turbineID); err != nil {
		t.Fatalf("seed turbine: %v", err)
	}
	return tenantID, turbineID
}

func TestSchemaAndIdempotentInsert(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := newPool(t, ctx)
	tenantID, turbineID := seedTurbine(t, ctx, pool)

	repo := repos.NewTelemetryRepo(pool)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []models.PowerSampleRow
	for i, w := range []float64{1000, 2000, 3000} {
		v := w
		rows = append(rows, models.PowerSampleRow{
			TurbineID:      turbineID,
			TenantID:       tenantID,
			TS:             start.Add(time.Duration(i) * 10 * time.Minute),
			SourceFileKind: records.KindWSD,
			PlantNo:        1,
			PowerW:         &v,
		})
	}
	n, err := repo.InsertPowerSamples(ctx, rows)
	if err != nil || n != 3 {
		t.Fatalf("first insert: n=%d err=%v", n, err)
	}
	n, err = repo.InsertPowerSamples(ctx, rows)
	if err != nil || n != 0 {
		t.Fatalf("re-insert must skip duplicates: n=%d err=%v", n, err)
	}

	engine := aggregation.NewEngine(repo, repo, nil, 10, logx.Discard())
	res, err := engine.AggregateAndStore(ctx, tenantID, turbineID, 2024, 1)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.TotalEnergyKWh != 1.0 {
		t.Fatalf("expected 1.0 kWh, got %v", res.TotalEnergyKWh)
	}
	list, err := repo.ListMonthlyProduction(ctx, tenantID, 2024, &turbineID)
	if err != nil || len(list) != 1 || list[0].ReviewStatus != models.ReviewStatusUnconfirmed {
		t.Fatalf("unexpected production rows %#v err=%v", list, err)
	}

	if _, err := pool.Exec(ctx, `UPDATE monthly_production SET review_status = 'confirmed' WHERE turbine_id = $1`, turbineID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := engine.AggregateAndStore(ctx, tenantID, turbineID, 2024, 1); err != nil {
		t.Fatalf("re-aggregate: %v", err)
	}
	list, err = repo.ListMonthlyProduction(ctx, tenantID, 2024, &turbineID)
	if err != nil || list[0].ReviewStatus != models.ReviewStatusUnconfirmed {
		t.Fatalf("re-aggregation must reset review status, got %#v err=%v", list, err)
	}
}

func TestPeriodRowsKeyOnPlantNo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := newPool(t, ctx)
	tenantID, turbineID := seedTurbine(t, ctx, pool)

	repo := repos.NewTelemetryRepo(pool)
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var avail []models.AvailabilityRow
	var wind []models.WindSummaryRow
	for _, plant := range []int{1, 2} {
		avail = append(avail, models.AvailabilityRow{TurbineID: turbineID, TenantID: tenantID, PeriodStart: day, Period: records.PeriodDay, SourceFileKind: records.KindAVD, PlantNo: plant, T1: 72000})
		wind = append(wind, models.WindSummaryRow{TurbineID: turbineID, TenantID: tenantID, PeriodStart: day, Period: records.PeriodDay, SourceFileKind: records.KindMWD, PlantNo: plant, SampleCount: 144})
	}
	if n, err := repo.InsertAvailability(ctx, avail); err != nil || n != 2 {
		t.Fatalf("availability rows per plant: n=%d err=%v", n, err)
	}
	if n, err := repo.InsertWindSummaries(ctx, wind); err != nil || n != 2 {
		t.Fatalf("wind rows per plant: n=%d err=%v", n, err)
	}
	if n, err := repo.InsertAvailability(ctx, avail); err != nil || n != 0 {
		t.Fatalf("re-insert must skip duplicates: n=%d err=%v", n, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := newPool(t, ctx)
	tenantID, _ := seedTurbine(t, ctx, pool)

	runs := repos.NewRunsRepo(pool)
	run, err := runs.CreateRun(ctx, models.ImportRun{
		RunID:     uuid.New(),
		TenantID:  tenantID,
		SiteCode:  "WF01",
		Kind:      records.KindWSD,
		Trigger:   models.TriggerCLI,
		Status:    workflow.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	running, err := runs.HasRunning(ctx, tenantID, "WF01", records.KindWSD)
	if err != nil || !running {
		t.Fatalf("expected running run: %v %v", running, err)
	}
	hw := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if err := runs.Finalize(ctx, run.RunID, importer.Final{
		Progress:   importer.Progress{TotalFiles: 1, ProcessedFiles: 1, Imported: 3, LastProcessedDate: &hw},
		Status:     workflow.RunStatusSuccess,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	latest, err := runs.LatestCompleted(ctx, tenantID, "WF01", records.KindWSD, uuid.Nil)
	if err != nil || latest == nil || !latest.LastProcessedDate.Equal(hw) {
		t.Fatalf("unexpected latest run %#v err=%v", latest, err)
	}
}

func TestLocksAndQueues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	key := lockx.RunKey("integration", uuid.New())
	ran, err := lockx.WithLock(ctx, client, key, 10*time.Second, func(ctx context.Context) error {
		again, err := lockx.WithLock(ctx, client, key, 10*time.Second, func(context.Context) error { return nil })
		if err != nil {
			return err
		}
		if again {
			t.Fatalf("nested lock must not be acquired")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("lock: ran=%v err=%v", ran, err)
	}

	if asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR"); asynqRedis != "" {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
		defer inspector.Close()
		if _, err := inspector.Queues(); err != nil {
			t.Fatalf("asynq inspector failed: %v", err)
		}
	}
}

func TestBrokers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.DialContext(ctx, "tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	if influxURL := os.Getenv("INFLUX_URL"); influxURL != "" {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("influx health failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			t.Fatalf("influx health status: %d", resp.StatusCode)
		}
	}
}
