// Package reporting summarises anomalies over a window, evaluates KPI
// thresholds and dispatches raised alerts.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/rules"
)

// Config holds summary and KPI settings.
type Config struct {
	WindowDays int         `yaml:"window_days"`
	TopN       int         `yaml:"top_n"`
	Thresholds []Threshold `yaml:"thresholds"`
}

// DefaultConfig returns a 7 day window, top 10 rules and no thresholds.
func DefaultConfig() Config {
	return Config{WindowDays: 7, TopN: 10}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.WindowDays <= 0 {
		errs = append(errs, errors.New("alerting.window_days must be positive"))
	}
	if c.TopN <= 0 {
		errs = append(errs, errors.New("alerting.top_n must be positive"))
	}
	for _, t := range c.Thresholds {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AnomalyQuerier lists anomalies with severity resolved.
type AnomalyQuerier interface {
	Query(ctx context.Context, f anomaly.Filter) ([]anomaly.Anomaly, error)
}

// RuleCount is one entry of the top-triggered rules list.
type RuleCount struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Severity rules.Severity `json:"severity,omitempty"`
	Count    int            `json:"count"`
}

// Alert is a KPI threshold that fired.
type Alert struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	KPI       string         `json:"kpi"`
	Op        Op             `json:"op"`
	Threshold float64        `json:"threshold"`
	Observed  float64        `json:"observed"`
	Severity  rules.Severity `json:"severity"`
	Message   string         `json:"message"`
	RaisedAt  time.Time      `json:"raised_at"`
}

// Summary describes anomalies detected inside [From, To).
type Summary struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	WindowDays   int            `json:"window_days"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	Total        int            `json:"total"`
	BySeverity   map[string]int `json:"by_severity"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByStatus     map[string]int `json:"by_status"`
	ByRule       map[string]int `json:"by_rule"`
	TopRules     []RuleCount    `json:"top_rules"`
	Alerts       []Alert        `json:"alerts"`
	Deliveries   []Delivery     `json:"deliveries,omitempty"`
}

// unknownSeverity buckets anomalies whose rule no longer exists.
const unknownSeverity = "unknown"

// Reporter builds summaries and dispatches their alerts.
type Reporter struct {
	anomalies  AnomalyQuerier
	config     Config
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewReporter creates a Reporter. dispatcher may be nil.
func NewReporter(anomalies AnomalyQuerier, cfg Config, dispatcher *Dispatcher, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig().TopN
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig().WindowDays
	}
	return &Reporter{
		anomalies:  anomalies,
		config:     cfg,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Generate summarises anomalies detected in the last windowDays days
// (the configured default when windowDays <= 0), evaluates thresholds and
// dispatches raised alerts. Delivery failures are recorded in the summary.
func (r *Reporter) Generate(ctx context.Context, windowDays int) (*Summary, error) {
	if windowDays <= 0 {
		windowDays = r.config.WindowDays
	}
	now := r.now().UTC()
	s := &Summary{
		GeneratedAt:  now,
		WindowDays:   windowDays,
		From:         now.AddDate(0, 0, -windowDays),
		To:           now,
		BySeverity:   make(map[string]int),
		ByEntityType: make(map[string]int),
		ByStatus:     make(map[string]int),
		ByRule:       make(map[string]int),
	}

	list, err := r.anomalies.Query(ctx, anomaly.Filter{From: s.From, To: now.Add(time.Nanosecond)})
	if err != nil {
		return nil, fmt.Errorf("reporting: failed to query anomalies: %w", err)
	}
	s.aggregate(list, r.config.TopN)
	s.Alerts = Evaluate(s, r.config.Thresholds, now)

	if r.dispatcher != nil && len(s.Alerts) > 0 {
		s.Deliveries = r.dispatcher.Dispatch(ctx, s.Alerts)
	}

	r.logger.Info("report generated",
		"window_days", windowDays,
		"total", s.Total,
		"alerts", len(s.Alerts),
	)
	return s, nil
}

func (s *Summary) aggregate(list []anomaly.Anomaly, topN int) {
	byRule := make(map[string]*RuleCount)
	for _, a := range list {
		s.Total++
		sev := string(a.Severity)
		if sev == "" {
			sev = unknownSeverity
		}
		s.BySeverity[sev]++
		s.ByEntityType[a.EntityType]++
		s.ByStatus[string(a.Status)]++
		s.ByRule[a.RuleName]++

		rc, ok := byRule[a.RuleID]
		if !ok {
			rc = &RuleCount{RuleID: a.RuleID, RuleName: a.RuleName, Severity: a.Severity}
			byRule[a.RuleID] = rc
		}
		rc.Count++
	}

	top := make([]RuleCount, 0, len(byRule))
	for _, rc := range byRule {
		top = append(top, *rc)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].RuleName < top[j].RuleName
	})
	if len(top) > topN {
		top = top[:topN]
	}
	s.TopRules = top
}

// Evaluate returns one alert per threshold that holds in s, in threshold order.
func Evaluate(s *Summary, thresholds []Threshold, now time.Time) []Alert {
	var alerts []Alert
	for _, t := range thresholds {
		if t.Validate() != nil {
			continue
		}
		observed := s.Observe(t.KPI)
		if !t.Op.Compare(observed, t.Value) {
			continue
		}
		sev := t.Severity
		if sev == "" {
			sev = rules.SeverityMedium
		}
		alerts = append(alerts, Alert{
			ID:        uuid.NewString(),
			Name:      t.label(),
			KPI:       t.KPI,
			Op:        t.Op,
			Threshold: t.Value,
			Observed:  observed,
			Severity:  sev,
			Message: fmt.Sprintf("%s: %s = %g %s %g over the last %d days",
				t.label(), t.KPI, observed, t.Op.symbol(), t.Value, s.WindowDays),
			RaisedAt: now,
		})
	}
	return alerts
}
