package detection

import (
	"context"
	"math"
	"sort"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// TemporalDetector looks at when entities act: hour-of-day profiles and
// rapid repeated sequences.
type TemporalDetector struct{}

// NewTemporalDetector creates the temporal detector.
func NewTemporalDetector() *TemporalDetector {
	return &TemporalDetector{}
}

func (d *TemporalDetector) Category() rules.Category {
	return rules.CategoryTemporal
}

func (d *TemporalDetector) Detect(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	return runRules(ctx, sc, rules.CategoryTemporal, map[rules.Method]ruleFunc{
		rules.MethodHourlyDeviation: d.hourlyDeviation,
		rules.MethodRapidSequence:   d.rapidSequence,
	})
}

// HourlyCounts buckets events by UTC hour of day.
func HourlyCounts(events []dataset.Event) [24]float64 {
	var counts [24]float64
	for _, e := range events {
		counts[e.OccurredAt.UTC().Hour()]++
	}
	return counts
}

// FlagUnusualHours returns the hours inside unusual whose count deviates from
// the entity's own hourly mean by more than sigma standard deviations.
// ok is false when the profile has no spread.
func FlagUnusualHours(counts [24]float64, sigma float64, unusual rules.HourRange) (flagged []evidence.HourDeviation, mean, stddev float64, ok bool) {
	mean, stddev = baseline.MeanStdDev(counts[:])
	if stddev == 0 {
		return nil, mean, stddev, false
	}
	for h, c := range counts {
		if !unusual.Contains(h) {
			continue
		}
		dev := math.Abs(c-mean) / stddev
		if dev > sigma {
			flagged = append(flagged, evidence.HourDeviation{Hour: h, Count: c, Deviation: dev})
		}
	}
	return flagged, mean, stddev, true
}

func (d *TemporalDetector) hourlyDeviation(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	events, err := sc.Source.Events(ctx, eventQuery(sc, rule))
	if err != nil {
		return nil, dataset.WrapAccessError("Events", err)
	}
	unusual := rules.DefaultUnusualHours
	if rule.Params.UnusualHours != nil {
		unusual = *rule.Params.UnusualHours
	}

	byEntity := groupByEntity(events)
	var findings []Finding
	for _, id := range sortedKeys(byEntity) {
		counts := HourlyCounts(byEntity[id])
		flagged, mean, stddev, ok := FlagUnusualHours(counts, rule.Threshold, unusual)
		if !ok || len(flagged) == 0 {
			continue
		}

		score := 0.0
		for _, h := range flagged {
			score = math.Max(score, h.Deviation)
		}
		ev := evidence.Hourly{
			Hours:        flagged,
			Mean:         mean,
			StdDev:       stddev,
			Threshold:    rule.Threshold,
			UnusualHours: unusual.String(),
			TotalEvents:  len(byEntity[id]),
		}
		findings = append(findings, newFinding(rule, sc.Now, score, ev, id))
	}
	return findings, nil
}

// SequenceRun describes the longest run of short gaps in an ordered event list.
type SequenceRun struct {
	Gaps       int
	MinGap     float64
	AvgGap     float64
	FirstIndex int
	LastIndex  int
}

// LongestRapidRun finds the longest run of consecutive inter-event gaps
// strictly below maxGap seconds. events must be ordered by time.
func LongestRapidRun(events []dataset.Event, maxGap float64) SequenceRun {
	var best, cur SequenceRun
	var curSum, bestSum float64
	for i := 1; i < len(events); i++ {
		gap := events[i].OccurredAt.Sub(events[i-1].OccurredAt).Seconds()
		if gap < maxGap {
			if cur.Gaps == 0 {
				cur = SequenceRun{FirstIndex: i - 1, MinGap: gap}
				curSum = 0
			}
			cur.Gaps++
			cur.LastIndex = i
			curSum += gap
			if gap < cur.MinGap {
				cur.MinGap = gap
			}
			if cur.Gaps > best.Gaps {
				best = cur
				bestSum = curSum
			}
			continue
		}
		cur = SequenceRun{}
	}
	if best.Gaps > 0 {
		best.AvgGap = bestSum / float64(best.Gaps)
	}
	return best
}

func (d *TemporalDetector) rapidSequence(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	events, err := sc.Source.Events(ctx, eventQuery(sc, rule))
	if err != nil {
		return nil, dataset.WrapAccessError("Events", err)
	}
	minRepeat := rule.Params.MinRepeat
	if minRepeat <= 0 {
		minRepeat = rules.DefaultMinRepeat
	}

	type hit struct {
		pair   pairKey
		run    SequenceRun
		events []dataset.Event
	}
	best := make(map[string]hit)

	byPair := groupByPair(events)
	for _, pk := range sortedPairs(byPair) {
		group := byPair[pk]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].OccurredAt.Before(group[j].OccurredAt)
		})
		run := LongestRapidRun(group, rule.Threshold)
		if run.Gaps < minRepeat {
			continue
		}
		if cur, ok := best[pk.entity]; !ok || run.Gaps > cur.run.Gaps {
			best[pk.entity] = hit{pair: pk, run: run, events: group}
		}
	}

	findings := make([]Finding, 0, len(best))
	for _, id := range sortedKeys(best) {
		h := best[id]
		ev := evidence.Sequence{
			CounterpartyID: h.pair.counterparty,
			Count:          h.run.Gaps + 1,
			MinGapSeconds:  h.run.MinGap,
			AvgGapSeconds:  h.run.AvgGap,
			MaxGapSeconds:  rule.Threshold,
			MinRepeat:      minRepeat,
			FirstAt:        h.events[h.run.FirstIndex].OccurredAt,
			LastAt:         h.events[h.run.LastIndex].OccurredAt,
		}
		score := float64(h.run.Gaps) / float64(minRepeat)
		findings = append(findings, newFinding(rule, sc.Now, score, ev, id))
	}
	return findings, nil
}
