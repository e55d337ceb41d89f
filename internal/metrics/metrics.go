// Package metrics exposes scan instrumentation as Prometheus collectors.
// Scans are short-lived batch runs, so the collectors are pushed to a
// Pushgateway when a run finishes instead of being scraped.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "anomaly_engine"

// ScanMetrics holds the collectors recorded for every scan.
type ScanMetrics struct {
	scansTotal        *prometheus.CounterVec
	scanDuration      prometheus.Histogram
	lastScanTimestamp prometheus.Gauge

	categoryDuration *prometheus.HistogramVec
	findingsTotal    *prometheus.CounterVec
	anomaliesCreated *prometheus.CounterVec
	duplicatesTotal  *prometheus.CounterVec
	categoryErrors   *prometheus.CounterVec
	skippedEntities  *prometheus.CounterVec

	baselinesTotal *prometheus.CounterVec
	alertsRaised   *prometheus.CounterVec
	hookFailures   *prometheus.CounterVec
}

// NewScanMetrics creates the collectors and registers them with registerer.
func NewScanMetrics(registerer prometheus.Registerer) (*ScanMetrics, error) {
	m := &ScanMetrics{
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Total number of full scans by final status.",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of full scans in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastScanTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time at which the last scan finished.",
		}),
		categoryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "duration_seconds",
			Help:      "Duration of one detector category within a scan.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"category"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "findings_total",
			Help:      "Findings produced by detector category.",
		}, []string{"category"}),
		anomaliesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomalies",
			Name:      "created_total",
			Help:      "Pending anomalies created by detector category.",
		}, []string{"category"}),
		duplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomalies",
			Name:      "duplicates_total",
			Help:      "Findings absorbed by an existing pending anomaly.",
		}, []string{"category"}),
		categoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "errors_total",
			Help:      "Rule or persistence errors by detector category.",
		}, []string{"category"}),
		skippedEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "skipped_entities_total",
			Help:      "Entities a detector could not evaluate.",
		}, []string{"category"}),
		baselinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "refresh_total",
			Help:      "Baseline refresh outcomes per metric.",
		}, []string{"outcome"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reporting",
			Name:      "alerts_raised_total",
			Help:      "KPI alerts raised by KPI name.",
		}, []string{"kpi"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "hook_failures_total",
			Help:      "Failed post-scan hooks by hook name.",
		}, []string{"hook"}),
	}

	for _, c := range []prometheus.Collector{
		m.scansTotal, m.scanDuration, m.lastScanTimestamp,
		m.categoryDuration, m.findingsTotal, m.anomaliesCreated, m.duplicatesTotal,
		m.categoryErrors, m.skippedEntities,
		m.baselinesTotal, m.alertsRaised, m.hookFailures,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register collector: %w", err)
		}
	}
	return m, nil
}

// RecordScan records a finished scan.
func (m *ScanMetrics) RecordScan(status string, duration time.Duration, finishedAt time.Time) {
	m.scansTotal.WithLabelValues(status).Inc()
	m.scanDuration.Observe(duration.Seconds())
	m.lastScanTimestamp.Set(float64(finishedAt.Unix()))
}

// CategoryResult carries the per-category counters of one scan.
type CategoryResult struct {
	Category   string
	Duration   time.Duration
	Findings   int
	Created    int
	Duplicates int
	Errors     int
	Skipped    int
}

// RecordCategory records one detector category run.
func (m *ScanMetrics) RecordCategory(r CategoryResult) {
	m.categoryDuration.WithLabelValues(r.Category).Observe(r.Duration.Seconds())
	m.findingsTotal.WithLabelValues(r.Category).Add(float64(r.Findings))
	m.anomaliesCreated.WithLabelValues(r.Category).Add(float64(r.Created))
	m.duplicatesTotal.WithLabelValues(r.Category).Add(float64(r.Duplicates))
	m.categoryErrors.WithLabelValues(r.Category).Add(float64(r.Errors))
	m.skippedEntities.WithLabelValues(r.Category).Add(float64(r.Skipped))
}

// RecordBaselines records baseline refresh outcomes.
func (m *ScanMetrics) RecordBaselines(refreshed, stale, failed int) {
	m.baselinesTotal.WithLabelValues("refreshed").Add(float64(refreshed))
	m.baselinesTotal.WithLabelValues("stale").Add(float64(stale))
	m.baselinesTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordAlert records a raised KPI alert.
func (m *ScanMetrics) RecordAlert(kpi string) {
	m.alertsRaised.WithLabelValues(kpi).Inc()
}

// RecordHookFailure records a failed post-scan hook.
func (m *ScanMetrics) RecordHookFailure(hook string) {
	m.hookFailures.WithLabelValues(hook).Inc()
}

// PushConfig configures the Pushgateway.
type PushConfig struct {
	URL      string            `yaml:"pushgateway_url"`
	Job      string            `yaml:"job"`
	Grouping map[string]string `yaml:"grouping"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// Pusher pushes a gatherer's metrics to a Pushgateway.
type Pusher struct {
	pusher *push.Pusher
	cfg    PushConfig
	logger *slog.Logger
}

// NewPusher creates a pusher for gatherer. An empty URL is an error.
func NewPusher(cfg PushConfig, gatherer prometheus.Gatherer, logger *slog.Logger) (*Pusher, error) {
	if cfg.URL == "" {
		return nil, errors.New("metrics: pushgateway url is required")
	}
	if cfg.Job == "" {
		cfg.Job = "anomaly_engine"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := push.New(cfg.URL, cfg.Job).
		Gatherer(gatherer).
		Client(&http.Client{Timeout: cfg.Timeout})
	for k, v := range cfg.Grouping {
		p = p.Grouping(k, v)
	}
	return &Pusher{pusher: p, cfg: cfg, logger: logger}, nil
}

// Push replaces the job's metrics on the gateway.
func (p *Pusher) Push(ctx context.Context) error {
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s failed: %w", p.cfg.URL, err)
	}
	p.logger.Debug("metrics pushed", "url", p.cfg.URL, "job", p.cfg.Job)
	return nil
}
