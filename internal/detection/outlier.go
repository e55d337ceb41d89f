package detection

import (
	"context"
	"math"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// IQRMultiplier is the Tukey fence multiplier.
const IQRMultiplier = 1.5

// OutlierResult is the outcome of testing one value against a baseline.
type OutlierResult struct {
	Flagged    bool
	Score      float64
	ZScore     *float64
	Lower      float64
	Upper      float64
	Methods    []string
	Degenerate bool
}

// EvaluateOutlier tests value with the z-score and IQR methods. A value is
// flagged when either method fires. The z-score is undefined when the
// baseline has no spread; a zero IQR flags any value different from Q1.
func EvaluateOutlier(value float64, b baseline.Stats, zThreshold float64) OutlierResult {
	res := OutlierResult{Degenerate: b.Q1 == b.Q3}
	res.Lower, res.Upper = b.IQRBounds(IQRMultiplier)

	if b.StdDev > 0 {
		z := math.Abs(value-b.Mean) / b.StdDev
		res.ZScore = &z
		if z > zThreshold {
			res.Methods = append(res.Methods, "zscore")
		}
	}

	outside := 0.0
	if value < res.Lower {
		outside = res.Lower - value
	} else if value > res.Upper {
		outside = value - res.Upper
	}
	if outside > 0 {
		res.Methods = append(res.Methods, "iqr")
	}

	res.Flagged = len(res.Methods) > 0
	switch {
	case res.ZScore != nil:
		res.Score = *res.ZScore
	case b.IQR() > 0:
		res.Score = outside / b.IQR()
	default:
		res.Score = outside
	}
	return res
}

// OutlierDetector flags recent metric values that fall outside their stored baseline.
type OutlierDetector struct{}

// NewOutlierDetector creates the statistical detector.
func NewOutlierDetector() *OutlierDetector {
	return &OutlierDetector{}
}

func (d *OutlierDetector) Category() rules.Category {
	return rules.CategoryStatistical
}

func (d *OutlierDetector) Detect(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	return runRules(ctx, sc, rules.CategoryStatistical, map[rules.Method]ruleFunc{
		rules.MethodZScoreIQR: d.detectRule,
	})
}

type candidate struct {
	obs dataset.Observation
	res OutlierResult
}

func (d *OutlierDetector) detectRule(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	key := baseline.Key{Metric: rule.Params.Metric, EntityType: rule.Params.EntityType, Period: rule.Params.Period}
	if key.Period == "" {
		key.Period = rules.DefaultPeriod
	}

	b, ok, err := sc.Baselines.GetBaseline(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || !b.Usable() {
		sc.Warn("rule %q skipped: no usable baseline for %s", rule.Name, key)
		return nil, nil
	}

	obs, err := sc.Source.MetricValues(ctx, dataset.MetricQuery{
		Metric:     key.Metric,
		EntityType: key.EntityType,
		Range:      sc.recentRange(rule),
	})
	if err != nil {
		return nil, dataset.WrapAccessError("MetricValues", err)
	}

	best := make(map[string]candidate)
	for _, o := range obs {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			sc.SkipEntity(rule, o.EntityID, errNonFinite)
			continue
		}
		res := EvaluateOutlier(o.Value, b.Stats, rule.Threshold)
		if !res.Flagged {
			continue
		}
		cur, seen := best[o.EntityID]
		if !seen || res.Score > cur.res.Score ||
			(res.Score == cur.res.Score && o.ObservedAt.After(cur.obs.ObservedAt)) {
			best[o.EntityID] = candidate{obs: o, res: res}
		}
	}

	snapshot := evidence.BaselineSnapshot{
		Mean:         b.Mean,
		StdDev:       b.StdDev,
		Median:       b.Median,
		Q1:           b.Q1,
		Q3:           b.Q3,
		SampleSize:   b.SampleSize,
		CalculatedAt: b.CalculatedAt,
	}

	findings := make([]Finding, 0, len(best))
	for _, id := range sortedKeys(best) {
		c := best[id]
		ev := evidence.Outlier{
			Metric:     key.Metric,
			Value:      c.obs.Value,
			ObservedAt: c.obs.ObservedAt,
			Baseline:   snapshot,
			ZScore:     c.res.ZScore,
			Threshold:  rule.Threshold,
			LowerBound: c.res.Lower,
			UpperBound: c.res.Upper,
			Methods:    c.res.Methods,
			Degenerate: c.res.Degenerate,
		}
		findings = append(findings, newFinding(rule, sc.Now, c.res.Score, ev, id))
	}
	return findings, nil
}
