package scan

import (
	"time"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/detection"
	"anomaly-engine/internal/rules"
)

// Status is the overall outcome of a scan.
type Status string

const (
	StatusCompleted Status = "completed"
	// StatusPartial means at least one category, rule or metric failed.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// CategoryReport describes one detector category's run.
type CategoryReport struct {
	Category   rules.Category   `json:"category"`
	Rules      int              `json:"rules"`
	Findings   int              `json:"findings"`
	Created    int              `json:"created"`
	Duplicates int              `json:"duplicates"`
	Errors     []string         `json:"errors,omitempty"`
	Skipped    []detection.Skip `json:"skipped,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	Duration   time.Duration    `json:"duration"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	Panicked   bool             `json:"panicked,omitempty"`

	// unavailable is set when every rule failed on dataset access.
	unavailable bool
}

// Failed reports whether the category recorded any error.
func (c CategoryReport) Failed() bool {
	return len(c.Errors) > 0
}

// Report summarises one full scan.
type Report struct {
	ID         string                  `json:"id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Duration   time.Duration           `json:"duration"`
	Status     Status                  `json:"status"`
	Baselines  *baseline.RefreshResult `json:"baselines,omitempty"`
	Categories []CategoryReport        `json:"categories"`
	Warnings   []string                `json:"warnings,omitempty"`
	ArchiveKey string                  `json:"archive_key,omitempty"`
}

// Totals sums findings, created and duplicate counts over every category.
func (r *Report) Totals() (findings, created, duplicates int) {
	for _, c := range r.Categories {
		findings += c.Findings
		created += c.Created
		duplicates += c.Duplicates
	}
	return findings, created, duplicates
}

// Category returns the report for c, if it ran.
func (r *Report) Category(c rules.Category) (CategoryReport, bool) {
	for _, cr := range r.Categories {
		if cr.Category == c {
			return cr, true
		}
	}
	return CategoryReport{}, false
}

func (r *Report) finish(status Status, at time.Time, elapsed time.Duration) {
	r.Status = status
	r.FinishedAt = at
	r.Duration = elapsed
}
