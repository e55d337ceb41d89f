package detection

import (
	"context"
	"math"
	"sort"

	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// maxEvidenceEvents caps the event IDs recorded in self-dealing evidence.
const maxEvidenceEvents = 20

// NetworkDetector flags relationships between entities: shared attributes,
// self-dealing and excessive bilateral volume.
type NetworkDetector struct{}

// NewNetworkDetector creates the relationship detector.
func NewNetworkDetector() *NetworkDetector {
	return &NetworkDetector{}
}

func (d *NetworkDetector) Category() rules.Category {
	return rules.CategoryPattern
}

func (d *NetworkDetector) Detect(ctx context.Context, sc *ScanContext) ([]Finding, error) {
	return runRules(ctx, sc, rules.CategoryPattern, map[rules.Method]ruleFunc{
		rules.MethodSharedAttribute: d.sharedAttribute,
		rules.MethodSharedContact:   d.sharedContact,
		rules.MethodSelfDealing:     d.selfDealing,
		rules.MethodBilateralVolume: d.bilateralVolume,
	})
}

func (d *NetworkDetector) groups(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]dataset.AttributeGroup, error) {
	groups, err := sc.Source.AttributeGroups(ctx, dataset.GroupQuery{
		EntityType: rule.Params.EntityType,
		Attribute:  rule.Params.Attribute,
		MinMembers: int(math.Floor(rule.Threshold)) + 1,
	})
	if err != nil {
		return nil, dataset.WrapAccessError("AttributeGroups", err)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Value < groups[j].Value })
	return groups, nil
}

func memberIDs(members []dataset.Member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.EntityID
	}
	sort.Strings(ids)
	return ids
}

func (d *NetworkDetector) sharedAttribute(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	groups, err := d.groups(ctx, sc, rule)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, g := range groups {
		members := g.DistinctMembers()
		if float64(len(members)) <= rule.Threshold {
			continue
		}
		ids := memberIDs(members)
		ev := evidence.Cluster{
			Attribute:   g.Attribute,
			Value:       g.Value,
			MemberCount: len(ids),
			Members:     ids,
			Threshold:   rule.Threshold,
		}
		findings = append(findings, newFinding(rule, sc.Now, ratio(float64(len(ids)), rule.Threshold), ev, ids...))
	}
	return findings, nil
}

func (d *NetworkDetector) sharedContact(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	groups, err := d.groups(ctx, sc, rule)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, g := range groups {
		byContact := make(map[string][]dataset.Member)
		for _, m := range g.DistinctMembers() {
			if m.ContactID == "" {
				continue
			}
			byContact[m.ContactID] = append(byContact[m.ContactID], m)
		}
		for _, contact := range sortedKeys(byContact) {
			members := byContact[contact]
			if float64(len(members)) <= rule.Threshold {
				continue
			}
			ids := memberIDs(members)
			ev := evidence.Cluster{
				Attribute:   g.Attribute,
				Value:       g.Value,
				ContactID:   contact,
				MemberCount: len(ids),
				Members:     ids,
				Threshold:   rule.Threshold,
			}
			findings = append(findings, newFinding(rule, sc.Now, ratio(float64(len(ids)), rule.Threshold), ev, ids...))
		}
	}
	return findings, nil
}

func (d *NetworkDetector) selfDealing(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	events, err := sc.Source.Events(ctx, eventQuery(sc, rule))
	if err != nil {
		return nil, dataset.WrapAccessError("Events", err)
	}

	var matched []dataset.Event
	for _, e := range events {
		if e.Identity != "" && e.Identity == e.CounterpartyIdentity {
			matched = append(matched, e)
		}
	}

	best := make(map[string]evidence.SelfDealing)
	byPair := groupByPair(matched)
	for _, pk := range sortedPairs(byPair) {
		group := byPair[pk]
		if float64(len(group)) < rule.Threshold {
			continue
		}
		ev := evidence.SelfDealing{
			Identity:         group[0].Identity,
			CounterpartyID:   pk.counterparty,
			TransactionCount: len(group),
		}
		for i, e := range group {
			ev.TotalAmount += e.Amount
			if i < maxEvidenceEvents && e.ID != "" {
				ev.EventIDs = append(ev.EventIDs, e.ID)
			}
		}
		if cur, ok := best[pk.entity]; !ok || ev.TransactionCount > cur.TransactionCount {
			best[pk.entity] = ev
		}
	}

	findings := make([]Finding, 0, len(best))
	for _, id := range sortedKeys(best) {
		ev := best[id]
		findings = append(findings, newFinding(rule, sc.Now, ratio(float64(ev.TransactionCount), rule.Threshold), ev, id))
	}
	return findings, nil
}

func unorderedPair(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{entity: a, counterparty: b}
}

func (d *NetworkDetector) bilateralVolume(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error) {
	events, err := sc.Source.Events(ctx, eventQuery(sc, rule))
	if err != nil {
		return nil, dataset.WrapAccessError("Events", err)
	}
	measure := rule.Params.Measure
	if measure == "" {
		measure = rules.MeasureCount
	}

	// Traffic in both directions counts towards one pair. Each side that
	// acted within the pair is flagged against the other.
	byPair := make(map[pairKey][]dataset.Event)
	for _, e := range events {
		if e.CounterpartyID == "" || e.CounterpartyID == e.EntityID {
			continue
		}
		k := unorderedPair(e.EntityID, e.CounterpartyID)
		byPair[k] = append(byPair[k], e)
	}

	best := make(map[string]evidence.Bilateral)
	for _, pk := range sortedPairs(byPair) {
		group := byPair[pk]
		ev := evidence.Bilateral{
			Measure:    measure,
			Count:      len(group),
			Threshold:  rule.Threshold,
			WindowDays: rule.Params.WindowDays,
		}
		acted := make(map[string]bool, 2)
		for _, e := range group {
			ev.TotalAmount += e.Amount
			acted[e.EntityID] = true
		}
		ev.Observed = float64(ev.Count)
		if measure == rules.MeasureAmount {
			ev.Observed = ev.TotalAmount
		}
		if ev.Observed <= rule.Threshold {
			continue
		}
		for _, side := range [2][2]string{{pk.entity, pk.counterparty}, {pk.counterparty, pk.entity}} {
			if !acted[side[0]] {
				continue
			}
			ev.CounterpartyID = side[1]
			if cur, ok := best[side[0]]; !ok || ev.Observed > cur.Observed {
				best[side[0]] = ev
			}
		}
	}

	findings := make([]Finding, 0, len(best))
	for _, id := range sortedKeys(best) {
		ev := best[id]
		findings = append(findings, newFinding(rule, sc.Now, ratio(ev.Observed, rule.Threshold), ev, id))
	}
	return findings, nil
}
