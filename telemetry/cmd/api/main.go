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
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/config"
	"wind-telemetry-platform/shared/dbx"
	"wind-telemetry-platform/shared/httpx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/metricsx"
	"wind-telemetry-platform/shared/observability"
	"wind-telemetry-platform/telemetry/internal/app"
	"wind-telemetry-platform/telemetry/internal/httpapi"
	"wind-telemetry-platform/telemetry/internal/jobs"
	"wind-telemetry-platform/telemetry/internal/middleware"
	"wind-telemetry-platform/telemetry/internal/repos"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	migrate := pflag.Bool("migrate", false, "apply embedded schema migrations before serving")
	pflag.Parse()

	_ = godotenv.Load()
	cfg, readyProblems := config.Load("telemetry-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

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
	metricsx.Register()

	deps, depProblems := app.Build(cfg, logger, app.Options{})
	defer deps.Close()
	readyProblems = append(readyProblems, depProblems...)

	if *migrate && deps.Pool != nil {
		applied, err := repos.Migrate(context.Background(), deps.Pool)
		if err != nil {
			logger.Error(context.Background(), "migrate_failed", "schema migration failed", logx.Err("FAILED_PRECONDITION", err)...)
			os.Exit(1)
		}
		logger.Info(context.Background(), "migrate_done", "schema migrations applied", slog.Any("versions", applied))
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	var enqueuer jobs.Enqueuer
	if cfg.AsynqRedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	} else {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		})
		defer client.Close()
		enqueuer = client
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), deps.Pool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	api := &httpapi.Server{
		Runs:        deps.Runs,
		AutoImports: deps.Mappings,
		Anomalies:   deps.Anomalies,
		Production:  deps.Telemetry,
		Configs:     deps.Configs,
		Enqueuer:    enqueuer,
		Queue:       cfg.AsynqQueue,
		TaskTimeout: time.Duration(cfg.RunLockTTLSec) * time.Second,
		BasePath:    cfg.DataBasePath,
		UploadDir:   cfg.UploadDir,
		Limiter:     middleware.NewTokenLimiter(cfg.TriggerRateRPS, cfg.TriggerRateBurst, 10*time.Minute),
		Log:         logger,
	}
	api.Routes(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	public := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	var auditWriter middleware.AuditWriter
	if cfg.AuditEnabled && deps.Pool != nil {
		auditWriter = deps.Audit
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Writer: auditWriter,
		Logger: logger,
	}.Wrap(handler)
	handler = middleware.RequireMiddleware{
		Name:      "database",
		Available: deps.Pool != nil,
		Skip:      public,
	}.Wrap(handler)
	handler = middleware.TenantMiddleware{
		Tenants: deps.Tenants,
		Skip:    public,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     public,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         10 * time.Minute,
		Skip:           public,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
