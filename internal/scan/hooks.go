package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"anomaly-engine/internal/anomaly"
	apperrors "anomaly-engine/internal/errors"
	"anomaly-engine/internal/metrics"
)

// Hook runs after a scan finishes. Created holds the anomalies first
// inserted by this scan. Hook errors are logged and counted, never fatal.
type Hook interface {
	Name() string
	AfterScan(ctx context.Context, report *Report, created []anomaly.Anomaly) error
}

func (o *Orchestrator) runHooks(ctx context.Context, report *Report, created []anomaly.Anomaly, logger *slog.Logger) {
	for _, h := range o.deps.Hooks {
		if err := h.AfterScan(ctx, report, created); err != nil {
			logger.Warn("post-scan hook failed", "hook", h.Name(), "error", err)
			if o.deps.HookFailures != nil {
				o.deps.HookFailures.RecordHookFailure(h.Name())
			}
		}
	}
}

// HookFailureRecorder counts failed hooks.
type HookFailureRecorder interface {
	RecordHookFailure(hook string)
}

func sanitizeCopy(msgs []string) []string {
	if msgs == nil {
		return nil
	}
	return apperrors.SanitizeAll(append([]string(nil), msgs...))
}

// sanitized returns a copy of report whose error and warning messages have
// credentials, paths and addresses redacted.
func sanitized(report *Report) *Report {
	out := *report
	out.Warnings = sanitizeCopy(report.Warnings)
	out.Categories = make([]CategoryReport, len(report.Categories))
	for i, c := range report.Categories {
		c.Errors = sanitizeCopy(c.Errors)
		c.Warnings = sanitizeCopy(c.Warnings)
		out.Categories[i] = c
	}
	if report.Baselines != nil {
		b := *report.Baselines
		b.Warnings = sanitizeCopy(b.Warnings)
		b.Failed = append(b.Failed[:0:0], b.Failed...)
		for i := range b.Failed {
			b.Failed[i].Err = apperrors.SanitizeString(b.Failed[i].Err)
		}
		out.Baselines = &b
	}
	return &out
}

// ReportArchiver stores a report under a scan-specific key.
type ReportArchiver interface {
	Archive(ctx context.Context, scanID string, startedAt time.Time, report any) (string, error)
}

// ArchiveHook uploads the sanitized report.
type ArchiveHook struct {
	archiver ReportArchiver
}

// NewArchiveHook creates an ArchiveHook.
func NewArchiveHook(archiver ReportArchiver) *ArchiveHook {
	return &ArchiveHook{archiver: archiver}
}

func (h *ArchiveHook) Name() string { return "archive" }

func (h *ArchiveHook) AfterScan(ctx context.Context, report *Report, _ []anomaly.Anomaly) error {
	key, err := h.archiver.Archive(ctx, report.ID, report.StartedAt, sanitized(report))
	if err != nil {
		return fmt.Errorf("failed to archive report: %w", err)
	}
	report.ArchiveKey = key
	return nil
}

// AnomalyPublisher publishes newly created anomalies.
type AnomalyPublisher interface {
	PublishAnomalies(ctx context.Context, scanID string, anomalies []anomaly.Anomaly) error
}

// PublishHook publishes the anomalies a scan created.
type PublishHook struct {
	publisher AnomalyPublisher
}

// NewPublishHook creates a PublishHook.
func NewPublishHook(publisher AnomalyPublisher) *PublishHook {
	return &PublishHook{publisher: publisher}
}

func (h *PublishHook) Name() string { return "publish" }

func (h *PublishHook) AfterScan(ctx context.Context, report *Report, created []anomaly.Anomaly) error {
	if len(created) == 0 {
		return nil
	}
	if err := h.publisher.PublishAnomalies(ctx, report.ID, created); err != nil {
		return fmt.Errorf("failed to publish %d anomalies: %w", len(created), err)
	}
	return nil
}

// Pusher pushes gathered metrics, typically to a Prometheus pushgateway.
type Pusher interface {
	Push(ctx context.Context) error
}

// MetricsHook records scan metrics and optionally pushes them.
type MetricsHook struct {
	metrics *metrics.ScanMetrics
	pusher  Pusher
}

// NewMetricsHook creates a MetricsHook. pusher may be nil.
func NewMetricsHook(m *metrics.ScanMetrics, pusher Pusher) *MetricsHook {
	return &MetricsHook{metrics: m, pusher: pusher}
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) AfterScan(ctx context.Context, report *Report, _ []anomaly.Anomaly) error {
	h.metrics.RecordScan(string(report.Status), report.Duration, report.FinishedAt)
	if b := report.Baselines; b != nil {
		h.metrics.RecordBaselines(len(b.Refreshed), len(b.Stale), len(b.Failed))
	}
	for _, c := range report.Categories {
		h.metrics.RecordCategory(metrics.CategoryResult{
			Category:   string(c.Category),
			Duration:   c.Duration,
			Findings:   c.Findings,
			Created:    c.Created,
			Duplicates: c.Duplicates,
			Errors:     len(c.Errors),
			Skipped:    len(c.Skipped),
		})
	}
	if h.pusher == nil {
		return nil
	}
	if err := h.pusher.Push(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
