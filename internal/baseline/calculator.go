package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/rules"
)

// RuleLister returns registered rules.
type RuleLister interface {
	List(opts rules.ListOptions) []rules.DetectionRule
}

// WindowSpec selects the historical range baselines are computed over:
// [now-Lookback, now-Exclude).
type WindowSpec struct {
	Period   string
	Lookback time.Duration
	Exclude  time.Duration
}

// DefaultWindowSpec returns a 90 day look-back that excludes the latest 7 days.
func DefaultWindowSpec() WindowSpec {
	return WindowSpec{
		Period:   rules.DefaultPeriod,
		Lookback: 90 * 24 * time.Hour,
		Exclude:  7 * 24 * time.Hour,
	}
}

// Range resolves the window against now.
func (w WindowSpec) Range(now time.Time) dataset.TimeRange {
	return dataset.TimeRange{From: now.Add(-w.Lookback), To: now.Add(-w.Exclude)}
}

// CalculatorConfig tunes a Calculator.
type CalculatorConfig struct {
	MetricTimeout time.Duration
	Concurrency   int
}

// DefaultCalculatorConfig returns default calculator settings.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		MetricTimeout: 30 * time.Second,
		Concurrency:   4,
	}
}

// MetricFailure records a metric whose refresh failed.
type MetricFailure struct {
	Key Key    `json:"key"`
	Err string `json:"error"`

	err error
}

func (f MetricFailure) Error() string {
	return f.Key.String() + ": " + f.Err
}

// Unwrap returns the original error.
func (f MetricFailure) Unwrap() error {
	return f.err
}

// RefreshResult summarises a baseline refresh.
type RefreshResult struct {
	Refreshed []Key           `json:"refreshed"`
	Stale     []Key           `json:"stale,omitempty"`
	Failed    []MetricFailure `json:"failed,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Unavailable reports whether every metric failed with a dataset access
// error. A metric that timed out counts as a partial failure, not an outage.
func (r *RefreshResult) Unavailable() bool {
	if len(r.Failed) == 0 || len(r.Refreshed) > 0 || len(r.Stale) > 0 {
		return false
	}
	for _, f := range r.Failed {
		if !errors.Is(f.err, dataset.ErrDataAccess) || errors.Is(f.err, context.DeadlineExceeded) {
			return false
		}
	}
	return true
}

// Calculator refreshes baselines for every metric referenced by active statistical rules.
type Calculator struct {
	source   dataset.Source
	store    Store
	registry RuleLister
	config   CalculatorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewCalculator creates a Calculator.
func NewCalculator(source dataset.Source, store Store, registry RuleLister, cfg CalculatorConfig, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Calculator{
		source:   source,
		store:    store,
		registry: registry,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the calculator's time source.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// MetricKeys returns the distinct baseline keys required by active statistical rules.
func MetricKeys(lister RuleLister, period string) []Key {
	seen := make(map[Key]bool)
	var keys []Key
	for _, r := range lister.List(rules.ListOptions{Category: rules.CategoryStatistical, ActiveOnly: true}) {
		p := r.Params.Period
		if p == "" {
			p = period
		}
		k := Key{Metric: r.Params.Metric, EntityType: r.Params.EntityType, Period: p}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RefreshBaselines recomputes every required baseline. Failures are isolated per metric.
func (c *Calculator) RefreshBaselines(ctx context.Context, spec WindowSpec) *RefreshResult {
	start := time.Now()
	if spec.Period == "" {
		spec.Period = rules.DefaultPeriod
	}
	now := c.now().UTC()
	window := spec.Range(now)
	keys := MetricKeys(c.registry, spec.Period)

	result := &RefreshResult{}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(c.config.Concurrency)

	for _, key := range keys {
		g.Go(func() error {
			stale, err := c.refreshOne(ctx, key, window, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, MetricFailure{Key: key, Err: err.Error(), err: err})
				c.logger.Warn("baseline refresh failed", "baseline", key.String(), "error", err)
			case stale:
				result.Stale = append(result.Stale, key)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("no samples for %s in window, existing baseline left unchanged", key))
				c.logger.Warn("baseline has no samples", "baseline", key.String())
			default:
				result.Refreshed = append(result.Refreshed, key)
			}
			return nil
		})
	}
	_ = g.Wait()

	sortKeys(result.Refreshed)
	sortKeys(result.Stale)
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Key.String() < result.Failed[j].Key.String()
	})
	result.Duration = time.Since(start)

	c.logger.Info("baselines refreshed",
		"refreshed", len(result.Refreshed),
		"stale", len(result.Stale),
		"failed", len(result.Failed),
		"duration", result.Duration,
	)
	return result
}

func (c *Calculator) refreshOne(ctx context.Context, key Key, window dataset.TimeRange, now time.Time) (bool, error) {
	mctx := ctx
	if c.config.MetricTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, c.config.MetricTimeout)
		defer cancel()
	}

	obs, err := c.source.MetricValues(mctx, dataset.MetricQuery{
		Metric:     key.Metric,
		EntityType: key.EntityType,
		Range:      window,
	})
	if err != nil {
		return false, dataset.WrapAccessError("MetricValues", err)
	}

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.Value
	}
	stats := Compute(values)
	if stats.SampleSize == 0 {
		return true, nil
	}

	b := Baseline{Key: key, Stats: stats, CalculatedAt: now}
	if err := c.store.UpsertBaseline(mctx, b); err != nil {
		return false, fmt.Errorf("failed to store baseline %s: %w", key, err)
	}
	return false, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
