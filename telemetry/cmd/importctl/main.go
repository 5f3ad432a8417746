package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"wind-telemetry-platform/shared/config"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/app"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/repos"
)

type report struct {
	Imports []importer.Result `json:"imports"`
	Skipped []string          `json:"skipped,omitempty"`
	Detect  any               `json:"detect,omitempty"`
}

func main() {
	fs := pflag.NewFlagSet("importctl", pflag.ExitOnError)
	planPath := fs.String("plan", "", "YAML plan of imports to run")
	tenant := fs.String("tenant", "", "tenant uuid")
	site := fs.String("site", "", "site code")
	kinds := fs.StringSlice("kind", nil, "record kinds, or all")
	files := fs.StringSlice("file", nil, "explicit files to import instead of discovery")
	basePath := fs.String("base-path", "", "telemetry root directory (default DATA_BASE_PATH)")
	detect := fs.Bool("detect", false, "run anomaly detection after the imports")
	migrate := fs.Bool("migrate", false, "apply embedded schema migrations first")
	_ = fs.Parse(os.Args[1:])

	_ = godotenv.Load()
	cfg, problems := config.Load("telemetry-importctl", 8090)
	logger := logx.New(cfg.ServiceName, cfg.Env, strings.TrimSpace(os.Getenv("VERSION")), cfg.LogLevel)

	p := plan{Tenant: *tenant, BasePath: *basePath, Detect: *detect}
	if *planPath != "" {
		loaded, err := loadPlan(*planPath)
		if err != nil {
			fail(logger, "plan_invalid", err)
		}
		p = loaded
		p.Detect = p.Detect || *detect
		if *basePath != "" {
			p.BasePath = *basePath
		}
	} else if *site != "" {
		p.Imports = []planImport{{Site: *site, Kinds: *kinds, Files: *files}}
	}
	tenantID, err := p.tenantID()
	if err != nil {
		fail(logger, "plan_invalid", err)
	}
	jobs, err := p.jobs()
	if err != nil {
		fail(logger, "plan_invalid", err)
	}
	if p.BasePath == "" {
		p.BasePath = cfg.DataBasePath
	}

	deps, depProblems := app.Build(cfg, logger, app.Options{NeedDecoder: len(jobs) > 0})
	defer deps.Close()
	problems = append(problems, depProblems...)
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if _, err := repos.Migrate(ctx, deps.Pool); err != nil {
			fail(logger, "migrate_failed", err)
		}
	}

	var out report
	failed := false
	for _, j := range jobs {
		running, err := deps.Runs.HasRunning(ctx, tenantID, j.Site, j.Kind)
		if err != nil {
			fail(logger, "run_lookup_failed", err)
		}
		if running {
			out.Skipped = append(out.Skipped, fmt.Sprintf("%s/%s: already running", j.Site, j.Kind))
			continue
		}
		run, err := deps.Runs.CreateRun(ctx, models.ImportRun{
			RunID:     uuid.New(),
			TenantID:  tenantID,
			SiteCode:  j.Site,
			Kind:      j.Kind,
			Trigger:   models.TriggerCLI,
			Status:    workflow.RunStatusRunning,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			fail(logger, "run_create_failed", err)
		}
		res, err := deps.Importer.Run(ctx, importer.Params{
			TenantID: tenantID,
			SiteCode: j.Site,
			Kind:     j.Kind,
			BasePath: p.BasePath,
			RunID:    run.RunID,
			Files:    j.Files,
		})
		if err != nil || res.Status == workflow.RunStatusFailed {
			failed = true
		}
		out.Imports = append(out.Imports, res)
		if ctx.Err() != nil {
			break
		}
	}

	if p.Detect && ctx.Err() == nil {
		rep, err := deps.Detector.Detect(ctx, tenantID)
		if err != nil {
			fail(logger, "detect_failed", err)
		}
		out.Detect = rep
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if failed {
		os.Exit(1)
	}
}

func fail(logger logx.Logger, event string, err error) {
	logger.Error(context.Background(), event, err.Error(), logx.Err("FAILED_PRECONDITION", err)...)
	os.Exit(1)
}
