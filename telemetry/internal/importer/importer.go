package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"wind-telemetry-platform/shared/events"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/metricsx"
	"wind-telemetry-platform/shared/mqx"
	"wind-telemetry-platform/shared/observability"
	"wind-telemetry-platform/shared/workflow"
	"wind-telemetry-platform/telemetry/internal/aggregation"
	"wind-telemetry-platform/telemetry/internal/decoder"
	"wind-telemetry-platform/telemetry/internal/discovery"
	"wind-telemetry-platform/telemetry/internal/mapping"
	"wind-telemetry-platform/telemetry/internal/models"
	"wind-telemetry-platform/telemetry/internal/records"
	"wind-telemetry-platform/telemetry/internal/writers"
)

// aggregateTimeout bounds post-import aggregation once the run context is
// gone.
const aggregateTimeout = 5 * time.Minute

type Scanner interface {
	Scan(base string, site string, kind records.Kind) ([]string, error)
}

type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, siteCode string) (mapping.Table, error)
}

// RunStore persists run state. UpdateProgress is called once per file and
// must stay a single narrow update.
type RunStore interface {
	LatestCompleted(ctx context.Context, tenantID uuid.UUID, siteCode string, kind records.Kind, excludeRunID uuid.UUID) (*models.ImportRun, error)
	UpdateProgress(ctx context.Context, runID uuid.UUID, p Progress) error
	Finalize(ctx context.Context, runID uuid.UUID, f Final) error
}

type Aggregator interface {
	AggregateAndStore(ctx context.Context, tenantID uuid.UUID, turbineID uuid.UUID, year int, month int) (aggregation.Result, error)
}

type Params struct {
	TenantID   uuid.UUID
	SiteCode   string
	Kind       records.Kind
	BasePath   string
	RunID      uuid.UUID
	Files      []string
	CleanupDir string
}

type Progress struct {
	TotalFiles        int
	ProcessedFiles    int
	Imported          int
	Skipped           int
	Failed            int
	LastProcessedDate *time.Time
}

type Final struct {
	Progress
	Status         string
	Errors         []models.RunError
	Note           string
	AffectedMonths []records.YearMonth
	FinishedAt     time.Time
}

type Result struct {
	RunID          uuid.UUID           `json:"run_id"`
	Status         string              `json:"status"`
	FilesTotal     int                 `json:"files_total"`
	FilesProcessed int                 `json:"files_processed"`
	FilesFailed    int                 `json:"files_failed"`
	Imported       int                 `json:"imported"`
	Skipped        int                 `json:"skipped"`
	Failed         int                 `json:"failed"`
	Errors         []string            `json:"errors"`
	Warnings       []string            `json:"warnings"`
	AffectedMonths []records.YearMonth `json:"affected_months"`
	Note           string              `json:"note,omitempty"`
}

type Deps struct {
	Scanner    Scanner
	Resolver   Resolver
	Decoder    decoder.Decoder
	Writers    writers.Registry
	Runs       RunStore
	Aggregator Aggregator
	Publisher  mqx.Publisher
	Logger     logx.Logger
	BatchSize  int
	Now        func() time.Time
}

type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = writers.DefaultBatchSize
	}
	return &Orchestrator{deps: deps}
}

// runState accumulates everything finalize needs.
type runState struct {
	progress    Progress
	errs        []models.RunError
	note        string
	months      map[records.YearMonth]bool
	unmapped    []int
	fatal       bool
	failedFiles int
}

func (s *runState) add(level string, file string, msg string) {
	s.errs = append(s.errs, models.RunError{Level: level, File: file, Message: msg})
}

func (s *runState) errorCount() int {
	n := 0
	for _, e := range s.errs {
		if e.Level == models.LevelError {
			n++
		}
	}
	return n
}

func (s *runState) advance(t time.Time) {
	if t.IsZero() {
		return
	}
	t = t.UTC()
	if s.progress.LastProcessedDate == nil || t.After(*s.progress.LastProcessedDate) {
		s.progress.LastProcessedDate = &t
	}
}

// Run drives discovery, incremental filtering, mapping resolution, the
// per-file loop and post-import aggregation. Finalize runs on every exit
// path, including panics, and removes CleanupDir.
func (o *Orchestrator) Run(ctx context.Context, p Params) (res Result, err error) {
	started := o.deps.Now()
	ctx, endSpan := observability.Span(ctx, "importer", "import.run",
		attribute.String("tenant_id", p.TenantID.String()),
		attribute.String("site", p.SiteCode),
		attribute.String("kind", string(p.Kind)),
	)
	log := o.deps.Logger.With(
		slog.String("tenant_id", p.TenantID.String()),
		slog.String("run_id", p.RunID.String()),
		slog.String("site", p.SiteCode),
		slog.String("kind", string(p.Kind)),
	)
	st := &runState{months: map[records.YearMonth]bool{}}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("import panic: %v", rec)
		}
		if err != nil {
			st.fatal = true
			st.add(models.LevelError, "", err.Error())
			log.Error(ctx, "import_aborted", "import aborted", logx.Err("INTERNAL_ERROR", err)...)
		}
		res = o.finalize(ctx, log, p, st, started)
		endSpan(err)
	}()

	spec, err := records.Lookup(p.Kind)
	if err != nil {
		return Result{}, err
	}
	if p.RunID == uuid.Nil || p.TenantID == uuid.Nil {
		return Result{}, errors.New("tenant and run id are required")
	}

	// DISCOVER
	files := p.Files
	if len(files) == 0 {
		if strings.TrimSpace(p.BasePath) == "" {
			return Result{}, errors.New("base path is required when no files are given")
		}
		files, err = o.deps.Scanner.Scan(p.BasePath, p.SiteCode, p.Kind)
		if err != nil {
			return Result{}, fmt.Errorf("discover files: %w", err)
		}
	}
	discovered := len(files)

	// INCREMENTAL_FILTER
	prev, err := o.deps.Runs.LatestCompleted(ctx, p.TenantID, p.SiteCode, p.Kind, p.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("load previous run: %w", err)
	}
	if prev != nil {
		files = FilterNew(files, prev.LastProcessedDate)
	}
	if len(files) == 0 {
		st.note = fmt.Sprintf("nothing new to import (%d files already covered)", discovered)
		log.Info(ctx, "import_nothing_new", st.note)
		return Result{}, nil
	}
	st.progress.TotalFiles = len(files)
	o.saveProgress(ctx, log, p.RunID, st)

	// MAP_RESOLVE
	table, err := o.deps.Resolver.Resolve(ctx, p.TenantID, p.SiteCode)
	if err != nil {
		return Result{}, err
	}
	if len(table) == 0 {
		st.add(models.LevelWarning, "", "no active turbine mappings for site "+p.SiteCode+"; all records will be skipped")
	}
	writer, err := o.deps.Writers.For(p.Kind)
	if err != nil {
		return Result{}, err
	}
	scope := writers.Scope{TenantID: p.TenantID, Kind: p.Kind, BatchSize: o.deps.BatchSize}

	// PER_FILE_PROCESS
	for _, file := range files {
		if ctx.Err() != nil {
			st.add(models.LevelError, "", "import interrupted: "+ctx.Err().Error())
			break
		}
		o.processFile(ctx, log, spec, scope, writer, table, file, st)
		st.progress.ProcessedFiles++
		o.saveProgress(ctx, log, p.RunID, st)
	}
	if len(st.unmapped) > 0 {
		st.add(models.LevelWarning, "", "unmapped plant numbers: "+joinInts(st.unmapped))
	}

	// POST_AGGREGATE runs even when the loop was interrupted: the months
	// already written are covered by the high-water date and will not be
	// revisited by the next run.
	if p.Kind == records.DrivesAggregation && len(st.months) > 0 && o.deps.Aggregator != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), aggregateTimeout)
		o.aggregate(actx, log, p.TenantID, table, st)
		cancel()
	}
	return Result{}, nil
}

func (o *Orchestrator) processFile(ctx context.Context, log logx.Logger, spec records.Spec, scope writers.Scope, w writers.Writer, table mapping.Table, file string, st *runState) {
	name := filepath.Base(file)
	set, err := o.deps.Decoder.Decode(ctx, file, spec.Kind)
	if err != nil {
		st.failedFiles++
		st.add(models.LevelError, name, "decode: "+err.Error())
		metricsx.IncImportFile(string(spec.Kind), false)
		log.Warn(ctx, "file_decode_failed", "file decode failed", append(logx.Err("DECODE_FAILED", err), slog.String("file", file))...)
		return
	}
	wr, err := w.Write(ctx, scope, set, table)
	st.progress.Imported += wr.Imported
	st.progress.Skipped += wr.Skipped
	st.progress.Failed += wr.Failed
	st.unmapped = mergeInts(st.unmapped, wr.Unmapped)
	for _, be := range wr.BatchErrors {
		st.add(models.LevelError, name, be.Error())
	}
	metricsx.AddImportRecords(string(spec.Kind), wr.Imported, wr.Skipped, wr.Failed)
	if err != nil {
		st.failedFiles++
		st.add(models.LevelError, name, "write: "+err.Error())
		metricsx.IncImportFile(string(spec.Kind), false)
		log.Warn(ctx, "file_write_failed", "file write failed", append(logx.Err("WRITE_FAILED", err), slog.String("file", file))...)
		return
	}
	metricsx.IncImportFile(string(spec.Kind), len(wr.BatchErrors) == 0)

	if spec.Family == records.FamilyPower {
		st.advance(records.LatestTimestamp(set.Power))
		if spec.Kind == records.DrivesAggregation {
			for _, ym := range records.TouchedMonths(set.Power) {
				st.months[ym] = true
			}
		}
	} else if d := discovery.DecodeFileDate(file); d.Dated() {
		st.advance(d.Date)
	}
	log.Debug(ctx, "file_processed", "file processed",
		slog.String("file", name),
		slog.Int("imported", wr.Imported),
		slog.Int("skipped", wr.Skipped),
		slog.Int("failed", wr.Failed),
	)
}

func (o *Orchestrator) aggregate(ctx context.Context, log logx.Logger, tenantID uuid.UUID, table mapping.Table, st *runState) {
	months := sortedMonths(st.months)
	for _, turbineID := range table.Turbines() {
		for _, ym := range months {
			if _, err := o.deps.Aggregator.AggregateAndStore(ctx, tenantID, turbineID, ym.Year, ym.Month); err != nil {
				metricsx.IncAggregationFailure()
				msg := fmt.Sprintf("aggregate turbine %s %04d-%02d: %v", turbineID, ym.Year, ym.Month, err)
				st.add(models.LevelWarning, "", msg)
				log.Warn(ctx, "aggregation_failed", "monthly aggregation failed", logx.Err("AGGREGATION_FAILED", err)...)
			}
		}
	}
}

func (o *Orchestrator) saveProgress(ctx context.Context, log logx.Logger, runID uuid.UUID, st *runState) {
	if err := o.deps.Runs.UpdateProgress(ctx, runID, st.progress); err != nil {
		log.Warn(ctx, "progress_update_failed", "run progress update failed", logx.Err("INTERNAL_ERROR", err)...)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, log logx.Logger, p Params, st *runState, started time.Time) Result {
	status := workflow.DeriveStatus(st.errorCount(), st.progress.Imported, st.progress.Skipped)
	if st.fatal {
		status = workflow.RunStatusFailed
	}
	months := sortedMonths(st.months)
	final := Final{
		Progress:       st.progress,
		Status:         status,
		Errors:         st.errs,
		Note:           st.note,
		AffectedMonths: months,
		FinishedAt:     o.deps.Now(),
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if p.RunID != uuid.Nil {
		if err := o.deps.Runs.Finalize(fctx, p.RunID, final); err != nil {
			log.Error(fctx, "run_finalize_failed", "run finalize failed", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
	if p.CleanupDir != "" {
		if err := os.RemoveAll(p.CleanupDir); err != nil {
			log.Warn(fctx, "cleanup_failed", "cleanup failed", append(logx.Err("INTERNAL_ERROR", err), slog.String("dir", p.CleanupDir))...)
		}
	}

	res := Result{
		RunID:          p.RunID,
		Status:         status,
		FilesTotal:     st.progress.TotalFiles,
		FilesProcessed: st.progress.ProcessedFiles,
		FilesFailed:    st.failedFiles,
		Imported:       st.progress.Imported,
		Skipped:        st.progress.Skipped,
		Failed:         st.progress.Failed,
		Errors:         []string{},
		Warnings:       []string{},
		AffectedMonths: months,
		Note:           st.note,
	}
	for _, e := range st.errs {
		text := e.Message
		if e.File != "" {
			text = e.File + ": " + e.Message
		}
		if e.Level == models.LevelWarning {
			res.Warnings = append(res.Warnings, text)
		} else {
			res.Errors = append(res.Errors, text)
		}
	}

	metricsx.ObserveImportRun(string(p.Kind), status, o.deps.Now().Sub(started))
	o.publishCompleted(fctx, log, p, res)
	log.Info(fctx, "import_finished", "import finished",
		slog.String("status", status),
		slog.Int("files", res.FilesProcessed),
		slog.Int("imported", res.Imported),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Int("errors", len(res.Errors)),
	)
	return res
}

func (o *Orchestrator) publishCompleted(ctx context.Context, log logx.Logger, p Params, res Result) {
	if o.deps.Publisher == nil || p.RunID == uuid.Nil {
		return
	}
	payload := struct {
		SiteCode string       `json:"site_code"`
		Kind     records.Kind `json:"kind"`
		Result
	}{p.SiteCode, p.Kind, res}
	env, err := events.NewEnvelope(p.TenantID, events.AggregateImportRun, p.RunID, eventTypeFor(res.Status), payload)
	if err != nil {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := o.deps.Publisher.Publish(ctx, events.TopicImportCompleted, []byte(p.RunID.String()), body, map[string]string{
		"tenant_id": p.TenantID.String(),
		"event_id":  env.EventID.String(),
	}); err != nil {
		log.Warn(ctx, "publish_failed", "import event publish failed", logx.Err("UNAVAILABLE", err)...)
	}
}

func eventTypeFor(status string) string {
	return workflow.EventTypeForTransition(workflow.RunStatusRunning, status)
}

func sortedMonths(set map[records.YearMonth]bool) []records.YearMonth {
	out := make([]records.YearMonth, 0, len(set))
	for ym := range set {
		out = append(out, ym)
	}
	records.SortMonths(out)
	return out
}

func mergeInts(a []int, b []int) []int {
	for _, v := range b {
		found := false
		for _, e := range a {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			a = append(a, v)
		}
	}
	sort.Ints(a)
	return a
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
