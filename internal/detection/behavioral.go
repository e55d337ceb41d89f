package detection

import (
	"context"
	"math"

	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// BehavioralDetector applies entity-scoped heuristics over a rolling window.
type BehavioralDetector struct{}

// NewBehavioralDetector creates the behavioral detector.
func NewBehavioralDetector() *BehavioralDetector {
	return &BehavioralDetector{}
}

func (d *BehavioralDetector) Category() rules.Category {
	return rules.CategoryBehavioral
}

func (d *BehavioralDetector) Detect(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	return runRules(ctx, sc, rules.CategoryBehavioral, map[rules.Method]ruleFunc{
		rules.MethodActionCount:        d.actionCount,
		rules.MethodAmountTotal:        d.amountTotal,
		rules.MethodFirstActionLatency: d.firstActionLatency,
	})
}

func (d *BehavioralDetector) events(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) (map[string][]dataset.Event, error) {
	events, err := sc.Source.Events(ctx, eventQuery(sc, rule))
	if err != nil {
		return nil, dataset.WrapAccessError("Events", err)
	}
	return groupByEntity(events), nil
}

func (d *BehavioralDetector) actionCount(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	byEntity, err := d.events(ctx, sc, rule)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, id := range sortedKeys(byEntity) {
		count := float64(len(byEntity[id]))
		if count <= rule.Threshold {
			continue
		}
		ev := evidence.Behavioral{
			Method:     string(rule.Method),
			Action:     rule.Params.Action,
			Observed:   count,
			Threshold:  rule.Threshold,
			WindowDays: rule.Params.WindowDays,
			EventCount: len(byEntity[id]),
		}
		findings = append(findings, newFinding(rule, sc.Now, ratio(count, rule.Threshold), ev, id))
	}
	return findings, nil
}

func (d *BehavioralDetector) amountTotal(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	byEntity, err := d.events(ctx, sc, rule)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, id := range sortedKeys(byEntity) {
		var total float64
		valid := true
		for _, e := range byEntity[id] {
			if math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
				valid = false
				break
			}
			total += e.Amount
		}
		if !valid {
			sc.SkipEntity(rule, id, errNonFinite)
			continue
		}
		if total <= rule.Threshold {
			continue
		}
		ev := evidence.Behavioral{
			Method:     string(rule.Method),
			Action:     rule.Params.Action,
			Observed:   total,
			Threshold:  rule.Threshold,
			WindowDays: rule.Params.WindowDays,
			EventCount: len(byEntity[id]),
		}
		findings = append(findings, newFinding(rule, sc.Now, ratio(total, rule.Threshold), ev, id))
	}
	return findings, nil
}

// firstActionLatency only considers entities created inside the window, since
// an older entity's first action may predate the window.
func (d *BehavioralDetector) firstActionLatency(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	byEntity, err := d.events(ctx, sc, rule)
	if err != nil {
		return nil, err
	}
	window := sc.recentRange(rule)

	var findings []Finding
	for _, id := range sortedKeys(byEntity) {
		events := byEntity[id]
		first := events[0]
		for _, e := range events[1:] {
			if e.OccurredAt.Before(first.OccurredAt) {
				first = e
			}
		}
		created := first.EntityCreatedAt
		if created.IsZero() || !window.Contains(created) {
			continue
		}

		latency := first.OccurredAt.Sub(created).Seconds()
		if latency < 0 {
			sc.SkipEntity(rule, id, errNegativeLatency)
			continue
		}
		if latency >= rule.Threshold {
			continue
		}

		firstAt := first.OccurredAt
		ev := evidence.Behavioral{
			Method:          string(rule.Method),
			Action:          rule.Params.Action,
			Observed:        latency,
			Threshold:       rule.Threshold,
			WindowDays:      rule.Params.WindowDays,
			EventCount:      len(events),
			EntityCreatedAt: &created,
			FirstActionAt:   &firstAt,
		}
		findings = append(findings, newFinding(rule, sc.Now, rule.Threshold/math.Max(latency, 1), ev, id))
	}
	return findings, nil
}
