package baseline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/rules"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Stats
	}{
		{
			name:   "empty",
			values: nil,
			want:   Stats{},
		},
		{
			name:   "single value",
			values: []float64{7},
			want:   Stats{Mean: 7, Median: 7, Q1: 7, Q3: 7, Min: 7, Max: 7, SampleSize: 1},
		},
		{
			name:   "one to five",
			values: []float64{5, 1, 4, 2, 3},
			want:   Stats{Mean: 3, StdDev: math.Sqrt(2), Median: 3, Q1: 2, Q3: 4, Min: 1, Max: 5, SampleSize: 5},
		},
		{
			name:   "interpolated quartiles",
			values: []float64{1, 2, 3, 4},
			want:   Stats{Mean: 2.5, StdDev: math.Sqrt(1.25), Median: 2.5, Q1: 1.75, Q3: 3.25, Min: 1, Max: 4, SampleSize: 4},
		},
		{
			name:   "non-finite ignored",
			values: []float64{math.NaN(), 2, math.Inf(1), 2},
			want:   Stats{Mean: 2, Median: 2, Q1: 2, Q3: 2, Min: 2, Max: 2, SampleSize: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.values)
			if got.SampleSize != tt.want.SampleSize {
				t.Fatalf("SampleSize = %d, want %d", got.SampleSize, tt.want.SampleSize)
			}
			checks := []struct {
				field     string
				got, want float64
			}{
				{"Mean", got.Mean, tt.want.Mean},
				{"StdDev", got.StdDev, tt.want.StdDev},
				{"Median", got.Median, tt.want.Median},
				{"Q1", got.Q1, tt.want.Q1},
				{"Q3", got.Q3, tt.want.Q3},
				{"Min", got.Min, tt.want.Min},
				{"Max", got.Max, tt.want.Max},
			}
			for _, c := range checks {
				if !approx(c.got, c.want) {
					t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
				}
			}
		})
	}
}

func TestCompute_TwoClusters(t *testing.T) {
	var values []float64
	for i := 0; i < 50; i++ {
		values = append(values, 40, 60)
	}
	s := Compute(values)
	if !approx(s.Mean, 50) || !approx(s.StdDev, 10) {
		t.Fatalf("mean/stddev = %v/%v, want 50/10", s.Mean, s.StdDev)
	}
	lower, upper := s.IQRBounds(1.5)
	if !approx(lower, 10) || !approx(upper, 90) {
		t.Errorf("IQR bounds = [%v, %v], want [10, 90]", lower, upper)
	}
}

func TestComputeInvariants(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("stddev is non-negative and quartiles are ordered",
		prop.ForAll(
			func(values []float64) bool {
				s := Compute(values)
				if len(values) == 0 {
					return s.SampleSize == 0
				}
				return s.SampleSize == len(values) &&
					s.StdDev >= 0 &&
					s.Min <= s.Q1 &&
					s.Q1 <= s.Median &&
					s.Median <= s.Q3 &&
					s.Q3 <= s.Max
			},
			gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
		))

	properties.Property("mean lies within the sample range",
		prop.ForAll(
			func(values []float64) bool {
				s := Compute(values)
				return s.Mean >= s.Min-1e-6 && s.Mean <= s.Max+1e-6
			},
			gen.SliceOfN(20, gen.Float64Range(0, 1000)),
		))

	properties.TestingRun(t)
}

type fakeLister []rules.DetectionRule

func (f fakeLister) List(opts rules.ListOptions) []rules.DetectionRule {
	var out []rules.DetectionRule
	for _, r := range f {
		if opts.Category != "" && r.Category != opts.Category {
			continue
		}
		if opts.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	return out
}

func statRule(name, metric string, active bool) rules.DetectionRule {
	return rules.DetectionRule{
		Name: name, Category: rules.CategoryStatistical, Method: rules.MethodZScoreIQR,
		Severity: rules.SeverityHigh, Active: active, Threshold: 3,
		Params: rules.Params{Metric: metric, EntityType: "vendor"},
	}
}

type failingSource struct {
	dataset.Source
	failMetric string
}

func (f failingSource) MetricValues(ctx context.Context, q dataset.MetricQuery) ([]dataset.Observation, error) {
	if f.failMetric == "*" || q.Metric == f.failMetric {
		return nil, &dataset.DataAccessError{Op: "MetricValues", Err: errors.New("connection refused")}
	}
	return f.Source.MetricValues(ctx, q)
}

func TestMetricKeys(t *testing.T) {
	lister := fakeLister{
		statRule("a", "amount", true),
		statRule("b", "amount", true),
		statRule("c", "count", false),
		{Name: "d", Category: rules.CategoryBehavioral, Active: true},
	}
	keys := MetricKeys(lister, "daily")
	if len(keys) != 1 || keys[0] != (Key{Metric: "amount", EntityType: "vendor", Period: "daily"}) {
		t.Fatalf("MetricKeys() = %+v", keys)
	}
}

func TestCalculator_RefreshBaselines(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	src := dataset.NewMemorySource()
	for i := 0; i < 50; i++ {
		day := now.Add(-time.Duration(10+i) * 24 * time.Hour)
		src.AddObservations(
			dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "amount", Value: 40, ObservedAt: day},
			dataset.Observation{EntityType: "vendor", EntityID: "v2", Metric: "amount", Value: 60, ObservedAt: day},
		)
	}
	// Inside the excluded recent window; must not shift the baseline.
	src.AddObservations(dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "amount", Value: 10000, ObservedAt: now.Add(-24 * time.Hour)})

	store := NewMemoryStore()
	lister := fakeLister{statRule("amount", "amount", true), statRule("empty", "nothing", true)}
	calc := NewCalculator(src, store, lister, DefaultCalculatorConfig(), nil).WithClock(func() time.Time { return now })

	result := calc.RefreshBaselines(context.Background(), DefaultWindowSpec())
	if len(result.Refreshed) != 1 || len(result.Stale) != 1 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings = %v, want one zero-sample warning", result.Warnings)
	}
	if result.Unavailable() {
		t.Error("Unavailable() = true for a healthy refresh")
	}

	b, ok, err := store.GetBaseline(context.Background(), Key{Metric: "amount", EntityType: "vendor", Period: "daily"})
	if err != nil || !ok {
		t.Fatalf("GetBaseline() = %v, %v", ok, err)
	}
	if b.SampleSize != 100 || !approx(b.Mean, 50) || !approx(b.StdDev, 10) {
		t.Errorf("baseline = %+v, want n=100 mean=50 stddev=10", b.Stats)
	}
	if !b.CalculatedAt.Equal(now) {
		t.Errorf("CalculatedAt = %v, want %v", b.CalculatedAt, now)
	}
}

func TestCalculator_StaleBaselineKept(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	key := Key{Metric: "amount", EntityType: "vendor", Period: "daily"}
	old := Baseline{Key: key, Stats: Stats{Mean: 5, SampleSize: 3}, CalculatedAt: now.Add(-48 * time.Hour)}
	_ = store.UpsertBaseline(context.Background(), old)

	calc := NewCalculator(dataset.NewMemorySource(), store, fakeLister{statRule("amount", "amount", true)},
		DefaultCalculatorConfig(), nil).WithClock(func() time.Time { return now })
	result := calc.RefreshBaselines(context.Background(), DefaultWindowSpec())
	if len(result.Stale) != 1 {
		t.Fatalf("Stale = %v, want one key", result.Stale)
	}

	b, _, _ := store.GetBaseline(context.Background(), key)
	if !b.CalculatedAt.Equal(old.CalculatedAt) || b.Mean != 5 {
		t.Errorf("stale baseline was overwritten: %+v", b)
	}
}

func TestCalculator_PartialAndTotalFailure(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mem := dataset.NewMemorySource()
	mem.AddObservations(dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "ok", Value: 1, ObservedAt: now.Add(-30 * 24 * time.Hour)})
	lister := fakeLister{statRule("ok", "ok", true), statRule("broken", "broken", true)}

	partial := NewCalculator(failingSource{Source: mem, failMetric: "broken"}, NewMemoryStore(), lister,
		DefaultCalculatorConfig(), nil).WithClock(func() time.Time { return now })
	res := partial.RefreshBaselines(context.Background(), DefaultWindowSpec())
	if len(res.Refreshed) != 1 || len(res.Failed) != 1 {
		t.Fatalf("partial result = %+v", res)
	}
	if res.Unavailable() {
		t.Error("partial failure reported as unavailable")
	}
	if !errors.Is(res.Failed[0], dataset.ErrDataAccess) {
		t.Errorf("failure should unwrap to ErrDataAccess: %v", res.Failed[0].Err)
	}

	total := NewCalculator(failingSource{Source: mem, failMetric: "*"}, NewMemoryStore(), lister,
		DefaultCalculatorConfig(), nil).WithClock(func() time.Time { return now })
	if res := total.RefreshBaselines(context.Background(), DefaultWindowSpec()); !res.Unavailable() {
		t.Errorf("total failure should be unavailable: %+v", res)
	}
}

type slowSource struct {
	dataset.Source
}

func (s slowSource) MetricValues(ctx context.Context, q dataset.MetricQuery) ([]dataset.Observation, error) {
	if q.Metric == "slow" {
		<-ctx.Done()
		return nil, dataset.WrapAccessError("MetricValues", ctx.Err())
	}
	return s.Source.MetricValues(ctx, q)
}

func TestCalculator_MetricTimeoutIsolated(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mem := dataset.NewMemorySource()
	mem.AddObservations(dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "fast", Value: 1, ObservedAt: now.Add(-30 * 24 * time.Hour)})

	cfg := CalculatorConfig{MetricTimeout: 20 * time.Millisecond, Concurrency: 2}
	calc := NewCalculator(slowSource{mem}, NewMemoryStore(),
		fakeLister{statRule("fast", "fast", true), statRule("slow", "slow", true)}, cfg, nil).
		WithClock(func() time.Time { return now })

	res := calc.RefreshBaselines(context.Background(), DefaultWindowSpec())
	if len(res.Refreshed) != 1 || res.Refreshed[0].Metric != "fast" {
		t.Fatalf("Refreshed = %v, want the fast metric", res.Refreshed)
	}
	if len(res.Failed) != 1 || !errors.Is(res.Failed[0], context.DeadlineExceeded) {
		t.Fatalf("Failed = %+v, want one deadline failure", res.Failed)
	}
}

func TestCalculator_OnlyMetricTimedOutIsPartial(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := CalculatorConfig{MetricTimeout: 20 * time.Millisecond, Concurrency: 1}
	calc := NewCalculator(slowSource{dataset.NewMemorySource()}, NewMemoryStore(),
		fakeLister{statRule("slow", "slow", true)}, cfg, nil).
		WithClock(func() time.Time { return now })

	res := calc.RefreshBaselines(context.Background(), DefaultWindowSpec())
	if len(res.Failed) != 1 {
		t.Fatalf("Failed = %+v, want the slow metric", res.Failed)
	}
	if res.Unavailable() {
		t.Error("a timed out metric must not mark the dataset unavailable")
	}
}
