package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/reporting"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/scan"
	"anomaly-engine/internal/startup"
)

func metricCard(label, value string) string {
	return card.Render(fmt.Sprintf("%s\n%s",
		MetricValue.Render(value),
		MetricLabel.Render(label),
	))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Severity renders a padded, colored severity label.
func Severity(sev rules.Severity) string {
	label := strings.ToUpper(string(sev))
	if label == "" {
		label = "UNKNOWN"
	}
	var style lipgloss.Style
	switch sev {
	case rules.SeverityCritical, rules.SeverityHigh:
		style = StatusError
	case rules.SeverityMedium:
		style = StatusWarning
	case rules.SeverityLow:
		style = StatusOK
	default:
		style = Muted
	}
	return style.Render(fmt.Sprintf("%-10s", label))
}

func scanStatus(s scan.Status) string {
	switch s {
	case scan.StatusCompleted:
		return StatusOK.Render("● COMPLETED")
	case scan.StatusPartial:
		return StatusWarning.Render("● PARTIAL")
	default:
		return StatusError.Render("● FAILED")
	}
}

// ScanReport renders a scan report with per-category results.
func ScanReport(r *scan.Report) string {
	var b strings.Builder
	b.WriteString(Title.Render("Scan " + r.ID))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "  Status: %s   Duration: %s\n\n", scanStatus(r.Status), r.Duration.Round(time.Millisecond))

	findings, created, duplicates := r.Totals()
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		metricCard("Findings", fmt.Sprint(findings)),
		metricCard("New anomalies", fmt.Sprint(created)),
		metricCard("Already open", fmt.Sprint(duplicates)),
	))
	b.WriteString("\n\n")

	if bl := r.Baselines; bl != nil {
		fmt.Fprintf(&b, "  Baselines: %d refreshed, %d stale, %d failed\n", len(bl.Refreshed), len(bl.Stale), len(bl.Failed))
		for _, f := range bl.Failed {
			b.WriteString(StatusError.Render("    ✗ " + f.Error()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(r.Categories) > 0 {
		b.WriteString(TableHeader.Render(fmt.Sprintf("  %-12s %6s %9s %8s %11s %7s %8s  %s",
			"Category", "Rules", "Findings", "Created", "Duplicates", "Errors", "Skipped", "Duration")))
		b.WriteString("\n")
		for _, c := range r.Categories {
			fmt.Fprintf(&b, "  %-12s %6d %9d %8d %11d %7d %8d  %s\n",
				c.Category, c.Rules, c.Findings, c.Created, c.Duplicates,
				len(c.Errors), len(c.Skipped), c.Duration.Round(time.Millisecond))
		}
		for _, c := range r.Categories {
			for _, e := range c.Errors {
				b.WriteString(StatusError.Render(fmt.Sprintf("  ✗ %s: %s", c.Category, e)))
				b.WriteString("\n")
			}
		}
	}

	var warnings []string
	warnings = append(warnings, r.Warnings...)
	for _, c := range r.Categories {
		warnings = append(warnings, c.Warnings...)
	}
	if len(warnings) > 0 {
		b.WriteString("\n")
		b.WriteString(Subtitle.Render("  Warnings"))
		b.WriteString("\n")
		for _, w := range warnings {
			b.WriteString(StatusWarning.Render("  ! " + w))
			b.WriteString("\n")
		}
	}
	if r.ArchiveKey != "" {
		b.WriteString(Muted.Render("\n  Archived to " + r.ArchiveKey))
		b.WriteString("\n")
	}
	return b.String()
}

// Anomalies renders a table of anomalies.
func Anomalies(list []anomaly.Anomaly) string {
	var b strings.Builder
	b.WriteString(Title.Render("Anomalies"))
	b.WriteString("\n\n")
	if len(list) == 0 {
		b.WriteString(Muted.Render("  No anomalies found."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(TableHeader.Render(fmt.Sprintf("  %-36s %-17s %-10s %-15s %-20s %7s  %s",
		"ID", "Detected", "Severity", "Status", "Entity", "Score", "Rule")))
	b.WriteString("\n")
	for _, a := range list {
		fmt.Fprintf(&b, "  %-36s %-17s %s %-15s %-20s %7.2f  %s\n",
			a.ID,
			a.DetectedAt.UTC().Format("2006-01-02 15:04"),
			Severity(a.Severity),
			a.Status,
			truncate(a.EntityType+"/"+a.EntityID, 20),
			a.Score,
			truncate(a.RuleName, 40),
		)
	}
	b.WriteString(Muted.Render(fmt.Sprintf("\n  %d anomalies", len(list))))
	b.WriteString("\n")
	return b.String()
}

// Anomaly renders one anomaly with its evidence.
func Anomaly(a anomaly.Anomaly) string {
	var b strings.Builder
	b.WriteString(Title.Render("Anomaly " + a.ID))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "  Rule:      %s\n", a.RuleName)
	fmt.Fprintf(&b, "  Severity:  %s\n", Severity(a.Severity))
	fmt.Fprintf(&b, "  Entity:    %s/%s\n", a.EntityType, a.EntityID)
	fmt.Fprintf(&b, "  Score:     %.4f\n", a.Score)
	fmt.Fprintf(&b, "  Status:    %s\n", a.Status)
	fmt.Fprintf(&b, "  Detected:  %s\n", a.DetectedAt.UTC().Format(time.RFC3339))
	if a.InvestigatedAt != nil {
		fmt.Fprintf(&b, "  Reviewed:  %s\n", a.InvestigatedAt.UTC().Format(time.RFC3339))
	}
	if a.Notes != "" {
		fmt.Fprintf(&b, "  Notes:     %s\n", strings.ReplaceAll(a.Notes, "\n", "\n             "))
	}
	if a.Evidence.Evidence == nil {
		return b.String()
	}
	if ev, err := json.MarshalIndent(a.Evidence, "  ", "  "); err == nil {
		b.WriteString("\n")
		b.WriteString(Subtitle.Render("  Evidence"))
		b.WriteString("\n  ")
		b.Write(ev)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return out
}

// Summary renders a summary report with its alerts.
func Summary(s *reporting.Summary) string {
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Anomaly summary, last %d days", s.WindowDays)))
	b.WriteString("\n")
	b.WriteString(Muted.Render(fmt.Sprintf("  %s to %s", s.From.Format("2006-01-02 15:04"), s.To.Format("2006-01-02 15:04"))))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		metricCard("Anomalies", fmt.Sprint(s.Total)),
		metricCard("Pending", fmt.Sprint(s.ByStatus[string(anomaly.StatusPending)])),
		metricCard("Alerts", fmt.Sprint(len(s.Alerts))),
	))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "  By severity:    %s\n", strings.Join(sortedCounts(s.BySeverity), "  "))
	fmt.Fprintf(&b, "  By status:      %s\n", strings.Join(sortedCounts(s.ByStatus), "  "))
	fmt.Fprintf(&b, "  By entity type: %s\n", strings.Join(sortedCounts(s.ByEntityType), "  "))

	if len(s.TopRules) > 0 {
		b.WriteString("\n")
		b.WriteString(TableHeader.Render(fmt.Sprintf("  %-40s %-10s %6s", "Top rules", "Severity", "Count")))
		b.WriteString("\n")
		for _, rc := range s.TopRules {
			fmt.Fprintf(&b, "  %-40s %s %6d\n", truncate(rc.RuleName, 40), Severity(rc.Severity), rc.Count)
		}
	}

	if len(s.Alerts) > 0 {
		b.WriteString("\n")
		b.WriteString(Subtitle.Render("  Alerts"))
		b.WriteString("\n")
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "  %s %s\n", Severity(a.Severity), a.Message)
		}
	}
	for _, d := range s.Deliveries {
		if d.Status == reporting.DeliveryFailed {
			b.WriteString(StatusError.Render(fmt.Sprintf("  ✗ %s delivery failed after %d attempts: %s", d.Notifier, d.Attempts, d.LastError)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Rules renders a rule table.
func Rules(list []rules.DetectionRule) string {
	var b strings.Builder
	b.WriteString(TableHeader.Render(fmt.Sprintf("  %-36s %-12s %-21s %-10s %-6s %s",
		"ID", "Category", "Method", "Severity", "Active", "Name")))
	b.WriteString("\n")
	for _, r := range list {
		active := StatusOK.Render("yes   ")
		if !r.Active {
			active = Muted.Render("no    ")
		}
		fmt.Fprintf(&b, "  %-36s %-12s %-21s %s %s %s\n",
			truncate(r.ID, 36), r.Category, r.Method, Severity(r.Severity), active, r.Name)
	}
	return b.String()
}

// Diagnostics renders pre-flight check results.
func Diagnostics(results []startup.DiagnosticResult) string {
	var b strings.Builder
	b.WriteString(Title.Render("Diagnostics"))
	b.WriteString("\n\n")
	for _, r := range results {
		var label string
		switch r.Status {
		case startup.StatusOK:
			label = StatusOK.Render(fmt.Sprintf("%-8s", r.Status))
		case startup.StatusWarning:
			label = StatusWarning.Render(fmt.Sprintf("%-8s", r.Status))
		case startup.StatusError:
			label = StatusError.Render(fmt.Sprintf("%-8s", r.Status))
		default:
			label = Muted.Render(fmt.Sprintf("%-8s", r.Status))
		}
		fmt.Fprintf(&b, "  %s %-32s %s\n", label, truncate(r.Name, 32), r.Message)
	}
	return b.String()
}
