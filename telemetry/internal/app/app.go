package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"wind-telemetry-platform/shared/cachex"
	decoderclient "wind-telemetry-platform/shared/clients/decoder"
	"wind-telemetry-platform/shared/config"
	"wind-telemetry-platform/shared/dbx"
	"wind-telemetry-platform/shared/influxx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/mqx"
	"wind-telemetry-platform/telemetry/internal/aggregation"
	"wind-telemetry-platform/telemetry/internal/anomaly"
	"wind-telemetry-platform/telemetry/internal/autoimport"
	"wind-telemetry-platform/telemetry/internal/decoder"
	"wind-telemetry-platform/telemetry/internal/discovery"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/mapping"
	"wind-telemetry-platform/telemetry/internal/notify"
	"wind-telemetry-platform/telemetry/internal/repos"
	"wind-telemetry-platform/telemetry/internal/writers"
)

// App is the dependency graph shared by the api, worker and importctl
// binaries. Optional clients stay nil when unconfigured.
type App struct {
	Config config.Config
	Logger logx.Logger

	Pool     *pgxpool.Pool
	Cache    *cachex.Client
	Producer *mqx.Producer
	Influx   *influxx.Client

	Runs      *repos.RunsRepo
	Mappings  *repos.MappingsRepo
	Tenants   *repos.TenantsRepo
	Telemetry *repos.TelemetryRepo
	Anomalies *repos.AnomaliesRepo
	Audit     *repos.AuditRepo

	Configs    *anomaly.CachedConfig
	Aggregator *aggregation.Engine
	Importer   *importer.Orchestrator
	Cycle      *autoimport.Cycle
	Detector   *anomaly.Engine
}

type Options struct {
	// NeedDecoder makes a missing DECODER_URL a problem; the api only
	// enqueues imports and can run without it.
	NeedDecoder bool
}

func Build(cfg config.Config, logger logx.Logger, opts Options) (*App, []config.Problem) {
	a := &App{Config: cfg, Logger: logger}
	var problems []config.Problem

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	} else if pool, err := dbx.NewPool(cfg); err != nil {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
		logger.Error(context.Background(), "db_init_failed", "database init failed", logx.Err("FAILED_PRECONDITION", err)...)
	} else {
		a.Pool = pool
	}

	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed", logx.Err("UNAVAILABLE", err)...)
		} else {
			a.Cache = cache
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "kafka producer init failed", logx.Err("UNAVAILABLE", err)...)
		} else {
			a.Producer = producer
		}
	}
	if influxx.Enabled(cfg) {
		client, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed", logx.Err("UNAVAILABLE", err)...)
		} else {
			a.Influx = client
		}
	}

	a.Runs = repos.NewRunsRepo(a.Pool)
	a.Mappings = repos.NewMappingsRepo(a.Pool)
	a.Tenants = repos.NewTenantsRepo(a.Pool)
	a.Telemetry = repos.NewTelemetryRepo(a.Pool)
	a.Anomalies = repos.NewAnomaliesRepo(a.Pool)
	a.Audit = repos.NewAuditRepo(a.Pool)
	a.Configs = anomaly.NewCachedConfig(a.Anomalies, a.Cache, time.Duration(cfg.AnomalyConfigCacheSec)*time.Second)

	var mirror influxx.PointWriter
	if a.Influx != nil {
		mirror = a.Influx
	}
	a.Aggregator = aggregation.NewEngine(a.Telemetry, a.Telemetry, mirror, cfg.SampleIntervalMinutes, logger)

	var dec decoder.Decoder
	if client, err := decoderclient.New(cfg); err != nil {
		if opts.NeedDecoder {
			problems = append(problems, config.Problem{Field: "DECODER_URL", Message: err.Error()})
		}
	} else {
		dec = decoder.NewRemote(client)
	}

	var publisher mqx.Publisher
	if a.Producer != nil {
		publisher = a.Producer
	}
	scanner := discovery.NewScanner()
	a.Importer = importer.New(importer.Deps{
		Scanner:    scanner,
		Resolver:   mapping.NewResolver(a.Mappings),
		Decoder:    dec,
		Writers:    writers.NewRegistry(a.Telemetry),
		Runs:       a.Runs,
		Aggregator: a.Aggregator,
		Publisher:  publisher,
		Logger:     logger,
		BatchSize:  cfg.ImportBatchSize,
	})
	a.Cycle = autoimport.NewCycle(repos.AutoImportStore{MappingsRepo: a.Mappings, RunsRepo: a.Runs}, scanner, a.Importer, cfg.DataBasePath, logger)

	var notifiers notify.Multi
	if publisher != nil {
		notifiers = append(notifiers, notify.NewKafka(publisher, cfg.NotifyTopic))
	}
	if a.Cache != nil {
		notifiers = append(notifiers, notify.NewRedis(a.Cache))
	}
	var notifier notify.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}
	a.Detector = anomaly.NewEngine(a.Anomalies, a.Anomalies, a.Configs, notifier, cfg.AppBaseURL, cfg.SampleIntervalMinutes, logger)

	logger.Debug(context.Background(), "app_built", "dependencies wired",
		slog.Bool("db", a.Pool != nil),
		slog.Bool("redis", a.Cache != nil),
		slog.Bool("kafka", a.Producer != nil),
		slog.Bool("influx", a.Influx != nil),
		slog.Bool("decoder", dec != nil),
	)
	return a, problems
}

func (a *App) Close() {
	if a.Producer != nil {
		_ = a.Producer.Close()
	}
	if a.Influx != nil {
		a.Influx.Close()
	}
	if a.Cache != nil {
		_ = a.Cache.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
