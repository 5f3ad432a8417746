package autoimport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/observability"
	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/discovery"
	"wind-telemetry-platform/telemetry/internal/importer"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
)

const (
	OutcomeSkipped = "SKIPPED"
)

type Store interface {
	AutoImportMappings(ctx context.Context, tenantID uuid.UUID) ([]models.TurbineMapping, error)
	LatestCompleted(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind, excludeRunID uuid.UUID) (*models.ImportRun, error)
	HasRunning(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind) (bool, error)
	CreateRun(ctx context.Context, run models.ImportRun) (models.ImportRun, error)
	StampAutoImport(ctx context.Context, tenantID uuid.UUID, siteCode string, at time.Time) error
	InsertAutoImportRun(ctx context.Context, run models.AutoImportRun) error
}

type Runner interface {
	Run(ctx context.Context, p importer.Params) (importer.Result, error)
}

type Cycle struct {
	store    Store
	scanner  importer.Scanner
	runner   Runner
	basePath string
	log      logx.Logger
	now      func() time.Time
}

func NewCycle(store Store, scanner importer.Scanner, runner Runner, basePath string, log logx.Logger) *Cycle {
	return &Cycle{
		store:    store,
		scanner:  scanner,
		runner:   runner,
		basePath: basePath,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// site is the auto-import view of all enabled mappings sharing a code.
type site struct {
	code     string
	basePath string
	interval time.Duration
	lastRun  *time.Time
}

func Interval(class string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case models.IntervalHourly:
		return time.Hour
	case models.IntervalWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func (s site) due(now time.Time) bool {
	return s.lastRun == nil || now.Sub(*s.lastRun) >= s.interval
}

func groupSites(mappings []models.TurbineMapping, defaultBase string) []site {
	byCode := map[string]*site{}
	for _, m := range mappings {
		if !m.AutoImportEnabled {
			continue
		}
		s := byCode[m.SiteCode]
		if s == nil {
			s = &site{code: m.SiteCode, basePath: defaultBase, interval: Interval(m.AutoImportInterval), lastRun: m.AutoImportLastRunAt}
			byCode[m.SiteCode] = s
		}
		if m.AutoImportBasePath != nil && strings.TrimSpace(*m.AutoImportBasePath) != "" {
			s.basePath = strings.TrimSpace(*m.AutoImportBasePath)
		}
		if iv := Interval(m.AutoImportInterval); iv < s.interval {
			s.interval = iv
		}
		if m.AutoImportLastRunAt == nil || (s.lastRun != nil && m.AutoImportLastRunAt.Before(*s.lastRun)) {
			s.lastRun = m.AutoImportLastRunAt
		}
	}
	out := make([]site, 0, len(byCode))
	for _, s := range byCode {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].code < out[j].code })
	return out
}

// Run performs one auto-import pass for a tenant. Sites not yet due for
// their interval class are left alone unless force is set.
func (c *Cycle) Run(ctx context.Context, tenantID uuid.UUID, force bool) (cycle models.AutoImportRun, err error) {
	ctx, endSpan := observability.Span(ctx, "autoimport", "autoimport.cycle", attribute.String("tenant_id", tenantID.String()))
	defer func() { endSpan(err) }()
	log := c.log.With(slog.String("tenant_id", tenantID.String()))

	cycle = models.AutoImportRun{CycleID: uuid.New(), TenantID: tenantID, Forced: force, StartedAt: c.now()}
	mappings, err := c.store.AutoImportMappings(ctx, tenantID)
	if err != nil {
		return cycle, fmt.Errorf("load auto-import mappings: %w", err)
	}

	var siteStatuses []string
	processed := 0
	for _, s := range groupSites(mappings, c.basePath) {
		if ctx.Err() != nil {
			break
		}
		if !force && !s.due(cycle.StartedAt) {
			log.Debug(ctx, "autoimport_not_due", "site not due", slog.String("site", s.code))
			continue
		}
		if !discovery.SiteReachable(s.basePath, s.code) {
			warning := "site directory unreachable: " + discovery.SitePath(s.basePath, s.code)
			cycle.Sites = append(cycle.Sites, models.SiteOutcome{SiteCode: s.code, Status: OutcomeSkipped, Warning: warning})
			log.Warn(ctx, "autoimport_site_unreachable", warning, slog.String("site", s.code))
			continue
		}
		outcome := c.runSite(ctx, log, tenantID, s, &cycle)
		cycle.Sites = append(cycle.Sites, outcome)
		siteStatuses = append(siteStatuses, outcome.Status)
		processed++
		if err := c.store.StampAutoImport(ctx, tenantID, s.code, c.now()); err != nil {
			log.Warn(ctx, "autoimport_stamp_failed", "stamp last run failed", append(logx.Err("INTERNAL_ERROR", err), slog.String("site", s.code))...)
		}
	}

	cycle.Status = workflow.CombineStatuses(siteStatuses)
	cycle.FilesSkipped = cycle.FilesFound - cycle.FilesImported
	cycle.FinishedAt = c.now()
	cycle.Summary = fmt.Sprintf("%d site(s) processed, %d skipped; %d new file(s), %d imported, %d skipped",
		processed, len(cycle.Sites)-processed, cycle.FilesFound, cycle.FilesImported, cycle.FilesSkipped)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := c.store.InsertAutoImportRun(sctx, cycle); err != nil {
		log.Error(sctx, "autoimport_record_failed", "cycle record failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	log.Info(ctx, "autoimport_finished", cycle.Summary, slog.String("status", cycle.Status))
	return cycle, nil
}

func (c *Cycle) runSite(ctx context.Context, log logx.Logger, tenantID uuid.UUID, s site, cycle *models.AutoImportRun) models.SiteOutcome {
	out := models.SiteOutcome{SiteCode: s.code}
	var statuses []string
	for _, spec := range records.All() {
		ko, ran := c.runKind(ctx, log, tenantID, s, spec.Kind, cycle)
		if ko.NewFiles == 0 && ko.Status == "" {
			continue
		}
		out.Kinds = append(out.Kinds, ko)
		if ran {
			statuses = append(statuses, ko.Status)
		}
	}
	out.Status = workflow.CombineStatuses(statuses)
	return out
}

// runKind imports one (site, kind). ran is false when nothing was started.
func (c *Cycle) runKind(ctx context.Context, log logx.Logger, tenantID uuid.UUID, s site, kind records.Kind, cycle *models.AutoImportRun) (models.KindOutcome, bool) {
	ko := models.KindOutcome{Kind: kind}
	fail := func(note string, err error) (models.KindOutcome, bool) {
		ko.Status = workflow.RunStatusFailed
		ko.Note = note + ": " + err.Error()
		log.Warn(ctx, "autoimport_kind_failed", note, append(logx.Err("INTERNAL_ERROR", err), slog.String("site", s.code), slog.String("kind", string(kind)))...)
		return ko, true
	}

	files, err := c.scanner.Scan(s.basePath, s.code, kind)
	if err != nil {
		return fail("scan", err)
	}
	if len(files) == 0 {
		return ko, false
	}
	prev, err := c.store.LatestCompleted(ctx, tenantID, s.code, kind, uuid.Nil)
	if err != nil {
		return fail("load previous run", err)
	}
	if prev != nil {
		files = importer.FilterNew(files, prev.LastProcessedDate)
	}
	ko.NewFiles = len(files)
	if len(files) == 0 {
		return ko, false
	}
	cycle.FilesFound += len(files)

	running, err := c.store.HasRunning(ctx, tenantID, s.code, kind)
	if err != nil {
		return fail("check running", err)
	}
	if running {
		ko.Status = OutcomeSkipped
		ko.Note = "import already running"
		return ko, false
	}

	run, err := c.store.CreateRun(ctx, models.ImportRun{
		TenantID:   tenantID,
		SiteCode:   s.code,
		Kind:       kind,
		Trigger:    models.TriggerAuto,
		Status:     workflow.RunStatusRunning,
		TotalFiles: len(files),
	})
	if err != nil {
		return fail("create run", err)
	}
	ko.RunID = &run.RunID
	res, err := c.runner.Run(ctx, importer.Params{
		TenantID: tenantID,
		SiteCode: s.code,
		Kind:     kind,
		BasePath: s.basePath,
		RunID:    run.RunID,
		Files:    files,
	})
	ko.Status = res.Status
	if err != nil {
		ko.Status = workflow.RunStatusFailed
		ko.Note = err.Error()
	}
	cycle.FilesImported += res.FilesProcessed - res.FilesFailed
	return ko, true
}
