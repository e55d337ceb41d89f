// Package scan runs a full detection pass: baseline refresh, every detector
// category, anomaly upserts and post-scan hooks.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/detection"
	"anomaly-engine/internal/locks"
	"anomaly-engine/internal/rules"
)

// LockKey is the locker key held for the duration of a scan.
const LockKey = "scan"

var (
	// ErrDatasetUnavailable is returned alongside a failed report when no
	// data could be read at all.
	ErrDatasetUnavailable = errors.New("dataset unavailable")
	// ErrScanRunning is returned when another scan holds the scan lock.
	ErrScanRunning = errors.New("scan already running")
)

// Config bounds a scan.
type Config struct {
	ScanTimeout     time.Duration
	CategoryTimeout time.Duration
	Window          baseline.WindowSpec
}

// DefaultConfig returns a 30 minute scan bounded at 10 minutes per category.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:     30 * time.Minute,
		CategoryTimeout: 10 * time.Minute,
		Window:          baseline.DefaultWindowSpec(),
	}
}

// RuleLister returns registered rules.
type RuleLister interface {
	List(opts rules.ListOptions) []rules.DetectionRule
}

// BaselineRefresher recomputes baselines before detection.
type BaselineRefresher interface {
	RefreshBaselines(ctx context.Context, spec baseline.WindowSpec) *baseline.RefreshResult
}

// FindingWriter persists detector findings.
type FindingWriter interface {
	UpsertFinding(ctx context.Context, scanID string, f detection.Finding) (anomaly.UpsertResult, error)
}

// Dependencies are the collaborators of an Orchestrator. Detectors default
// to detection.Defaults and Locker to an in-process keyed mutex.
type Dependencies struct {
	Rules        RuleLister
	Source       dataset.Source
	Refresher    BaselineRefresher
	Baselines    detection.BaselineReader
	Anomalies    FindingWriter
	Detectors    []detection.Detector
	Locker       locks.Locker
	Hooks        []Hook
	HookFailures HookFailureRecorder
}

// Orchestrator runs full scans.
type Orchestrator struct {
	deps   Dependencies
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	var missing []string
	if deps.Rules == nil {
		missing = append(missing, "rules")
	}
	if deps.Source == nil {
		missing = append(missing, "source")
	}
	if deps.Refresher == nil {
		missing = append(missing, "refresher")
	}
	if deps.Baselines == nil {
		missing = append(missing, "baselines")
	}
	if deps.Anomalies == nil {
		missing = append(missing, "anomalies")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("scan: missing dependencies: %v", missing)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Detectors == nil {
		deps.Detectors = detection.Defaults()
	}
	if deps.Locker == nil {
		deps.Locker = locks.NewKeyedMutex()
	}
	def := DefaultConfig()
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.CategoryTimeout <= 0 {
		cfg.CategoryTimeout = def.CategoryTimeout
	}
	if cfg.Window.Lookback <= 0 {
		cfg.Window = def.Window
	}

	return &Orchestrator{
		deps:   deps,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock replaces the time source used for scan timestamps and detection windows.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// AddHook appends a post-scan hook.
func (o *Orchestrator) AddHook(h Hook) {
	o.deps.Hooks = append(o.deps.Hooks, h)
}

// RunFullScan refreshes baselines, runs every category with active rules,
// persists findings and runs hooks. The report is returned even on error.
func (o *Orchestrator) RunFullScan(ctx context.Context) (*Report, error) {
	unlock, err := o.deps.Locker.TryLock(ctx, LockKey)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return nil, ErrScanRunning
		}
		return nil, fmt.Errorf("scan: failed to acquire scan lock: %w", err)
	}
	defer unlock()

	start := time.Now()
	report := &Report{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With("scan_id", report.ID)
	logger.Info("scan started")

	scanCtx, cancel := context.WithTimeout(ctx, o.config.ScanTimeout)
	defer cancel()

	report.Baselines = o.deps.Refresher.RefreshBaselines(scanCtx, o.config.Window)
	report.Warnings = append(report.Warnings, report.Baselines.Warnings...)

	var created []anomaly.Anomaly
	var scanErr error
	status := StatusCompleted

	var skip map[rules.Category]string
	if report.Baselines.Unavailable() {
		logger.Error("baselines unavailable, statistical detection skipped", "failed_metrics", len(report.Baselines.Failed))
		skip = map[rules.Category]string{rules.CategoryStatistical: "baselines unavailable: every metric read failed"}
	}

	report.Categories, created = o.runCategories(scanCtx, report.ID, report.StartedAt, skip, logger, &report.Warnings)
	switch {
	case categoriesUnavailable(report.Categories):
		status = StatusFailed
		scanErr = ErrDatasetUnavailable
	case len(report.Baselines.Failed) > 0 || anyFailed(report.Categories) || scanCtx.Err() != nil:
		status = StatusPartial
	}

	report.finish(status, o.now().UTC(), time.Since(start))
	o.runHooks(ctx, report, created, logger)

	findings, createdCount, duplicates := report.Totals()
	logger.Info("scan finished",
		"status", report.Status,
		"categories", len(report.Categories),
		"findings", findings,
		"created", createdCount,
		"duplicates", duplicates,
		"duration", report.Duration,
	)
	return report, scanErr
}

// categoryResult carries one category's outcome back from its goroutine.
type categoryResult struct {
	report  CategoryReport
	created []anomaly.Anomaly
}

// runCategories runs every category with active rules. Categories named in
// skip are reported as unavailable with the given reason instead of running.
func (o *Orchestrator) runCategories(ctx context.Context, scanID string, now time.Time, skip map[rules.Category]string, logger *slog.Logger, warnings *[]string) ([]CategoryReport, []anomaly.Anomaly) {
	active := o.deps.Rules.List(rules.ListOptions{ActiveOnly: true})

	byCategory := make(map[rules.Category][]rules.DetectionRule)
	for _, r := range active {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	var detectors []detection.Detector
	for _, d := range o.deps.Detectors {
		if len(byCategory[d.Category()]) > 0 {
			detectors = append(detectors, d)
		}
	}
	covered := make(map[rules.Category]bool, len(detectors))
	for _, d := range detectors {
		covered[d.Category()] = true
	}
	for c, rs := range byCategory {
		if !covered[c] {
			*warnings = append(*warnings, fmt.Sprintf("no detector for category %q, %d rules not evaluated", c, len(rs)))
		}
	}
	sort.Strings(*warnings)

	results := make([]categoryResult, len(detectors))
	g := new(errgroup.Group)
	for i, d := range detectors {
		if reason, ok := skip[d.Category()]; ok {
			results[i] = categoryResult{report: CategoryReport{
				Category:    d.Category(),
				Rules:       len(byCategory[d.Category()]),
				Errors:      []string{reason},
				unavailable: true,
			}}
			continue
		}
		g.Go(func() error {
			sc := &detection.ScanContext{
				ScanID:    scanID,
				Now:       now,
				Rules:     byCategory[d.Category()],
				Source:    o.deps.Source,
				Baselines: o.deps.Baselines,
				Logger:    logger,
			}
			results[i] = o.runCategory(ctx, d, sc, logger)
			return nil
		})
	}
	_ = g.Wait()

	reports := make([]CategoryReport, len(results))
	var created []anomaly.Anomaly
	for i, r := range results {
		reports[i] = r.report
		created = append(created, r.created...)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Category < reports[j].Category })
	return reports, created
}

// runCategory detects and persists one category. Detector panics and
// timeouts are recorded in the category report and never reach siblings.
func (o *Orchestrator) runCategory(ctx context.Context, d detection.Detector, sc *detection.ScanContext, logger *slog.Logger) categoryResult {
	start := time.Now()
	category := d.Category()
	res := categoryResult{report: CategoryReport{Category: category, Rules: len(sc.Rules)}}
	log := logger.With("category", category)

	catCtx, cancel := context.WithTimeout(ctx, o.config.CategoryTimeout)
	defer cancel()

	findings, detectErr, panicked := detect(catCtx, d, sc, log)
	res.report.Panicked = panicked
	if detectErr != nil {
		res.report.Errors = append(res.report.Errors, detectErr.Error())
		res.report.unavailable = len(findings) == 0 && onlyDataAccess(detectErr)
		if errors.Is(catCtx.Err(), context.DeadlineExceeded) {
			res.report.TimedOut = true
		}
		log.Warn("detector reported errors", "error", detectErr)
	}
	res.report.Findings = len(findings)

	for _, f := range findings {
		up, err := o.deps.Anomalies.UpsertFinding(ctx, sc.ScanID, f)
		res.report.Created += up.Created
		res.report.Duplicates += up.Duplicates
		res.created = append(res.created, up.Anomalies...)
		if err != nil {
			res.report.Errors = append(res.report.Errors, fmt.Sprintf("rule %q: %v", f.RuleName, err))
			log.Error("failed to persist finding", "rule", f.RuleName, "error", err)
		}
	}

	res.report.Skipped = sc.Skipped()
	res.report.Warnings = sc.Warnings()
	res.report.Duration = time.Since(start)

	log.Info("category finished",
		"findings", res.report.Findings,
		"created", res.report.Created,
		"duplicates", res.report.Duplicates,
		"errors", len(res.report.Errors),
		"skipped", len(res.report.Skipped),
		"duration", res.report.Duration,
	)
	return res
}

func detect(ctx context.Context, d detection.Detector, sc *detection.ScanContext, log *slog.Logger) (findings []detection.Finding, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("detector panic recovered", "panic", r, "stack", string(debug.Stack()))
			findings = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Category(), r)
			panicked = true
		}
	}()
	findings, err = d.Detect(ctx, sc)
	return findings, err, false
}

// onlyDataAccess reports whether every joined error is a dataset access error.
func onlyDataAccess(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !onlyDataAccess(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, dataset.ErrDataAccess)
}

func anyFailed(categories []CategoryReport) bool {
	for _, c := range categories {
		if c.Failed() {
			return true
		}
	}
	return false
}

// categoriesUnavailable is true when at least one category ran and every
// category failed outright on dataset access.
func categoriesUnavailable(categories []CategoryReport) bool {
	if len(categories) == 0 {
		return false
	}
	for _, c := range categories {
		if c.Findings > 0 || !c.unavailable {
			return false
		}
	}
	return true
}
