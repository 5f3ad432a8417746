package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"wind-telemetry-platform/shared/config"
	"wind-telemetry-platform/shared/lockx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/metricsx"
	"wind-telemetry-platform/shared/observability"
	"wind-telemetry-platform/telemetry/internal/app"
	"wind-telemetry-platform/telemetry/internal/jobs"
)

func main() {
	_ = godotenv.Load()
	cfg, problems := config.Load("telemetry-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for job locks"})
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	deps, depProblems := app.Build(cfg, logger, app.Options{NeedDecoder: true})
	defer deps.Close()
	problems = append(problems, depProblems...)
	if cfg.RedisAddr != "" && deps.Cache == nil {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	metricsx.Register()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	redisClient := deps.Cache.Client()
	handlers := &jobs.Handlers{
		Queue:      cfg.AsynqQueue,
		Tenants:    deps.Tenants,
		Stale:      deps.Runs,
		StaleAfter: time.Duration(cfg.StaleRunMinutes) * time.Minute,
		Enqueuer:   client,
		Importer:   deps.Importer,
		Cycle:      deps.Cycle,
		Detector:   deps.Detector,
		Lock: func(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
			return lockx.WithLock(ctx, redisClient, key, ttl, fn)
		},
		LockTTL: time.Duration(cfg.RunLockTTLSec) * time.Second,
		Log:     logger,
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	schedules := map[string]int{
		jobs.TaskAutoImportScan: cfg.AutoImportScanSec,
		jobs.TaskAnomalyScan:    cfg.AnomalyScanSec,
	}
	for task, every := range schedules {
		if _, err := scheduler.Register("@every "+strconv.Itoa(every)+"s", asynq.NewTask(task, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", task),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsx.Handler())
	metricsServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(context.Background(), "metrics_server_failed", "metrics server stopped", logx.Err("UNAVAILABLE", err)...)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "telemetry worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("autoimport_scan_sec", cfg.AutoImportScanSec),
			slog.Int("anomaly_scan_sec", cfg.AnomalyScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
	logger.Info(context.Background(), "worker_stop", "telemetry worker stopped")
}
