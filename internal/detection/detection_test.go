package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func newScanContext(src dataset.Source, store baseline.Store, rs ...rules.DetectionRule) *ScanContext {
	for i := range rs {
		rs[i] = rs[i].WithDefaults()
		if rs[i].ID == "" {
			rs[i].ID = "id-" + rs[i].Name
		}
	}
	if store == nil {
		store = baseline.NewMemoryStore()
	}
	return &ScanContext{ScanID: "scan-1", Now: testNow, Rules: rs, Source: src, Baselines: store}
}

func TestEvaluateOutlier(t *testing.T) {
	clustered := baseline.Stats{Mean: 50, StdDev: 10, Median: 50, Q1: 40, Q3: 60, SampleSize: 100}
	spread := baseline.Stats{Q1: 10, Q3: 30, Median: 20, SampleSize: 10}
	flat := baseline.Stats{Mean: 5, Q1: 5, Q3: 5, Median: 5, SampleSize: 10}

	tests := []struct {
		name       string
		value      float64
		stats      baseline.Stats
		flagged    bool
		score      float64
		zscore     *float64
		degenerate bool
	}{
		{name: "z above threshold", value: 95, stats: clustered, flagged: true, score: 4.5, zscore: ptr(4.5)},
		{name: "z below threshold", value: 55, stats: clustered, flagged: false, score: 0.5, zscore: ptr(0.5)},
		{name: "above upper fence", value: 65, stats: spread, flagged: true, score: 0.25},
		{name: "inside fences", value: 40, stats: spread, flagged: false, score: 0},
		{name: "below lower fence", value: -30, stats: spread, flagged: true, score: 0.5},
		{name: "degenerate IQR flags any difference", value: 6, stats: flat, flagged: true, score: 1, degenerate: true},
		{name: "degenerate IQR equal value", value: 5, stats: flat, flagged: false, score: 0, degenerate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := EvaluateOutlier(tt.value, tt.stats, 3)
			if res.Flagged != tt.flagged {
				t.Errorf("Flagged = %v, want %v (methods %v)", res.Flagged, tt.flagged, res.Methods)
			}
			if !approx(res.Score, tt.score) {
				t.Errorf("Score = %v, want %v", res.Score, tt.score)
			}
			if (res.ZScore == nil) != (tt.zscore == nil) {
				t.Fatalf("ZScore = %v, want %v", res.ZScore, tt.zscore)
			}
			if tt.zscore != nil && !approx(*res.ZScore, *tt.zscore) {
				t.Errorf("ZScore = %v, want %v", *res.ZScore, *tt.zscore)
			}
			if res.Degenerate != tt.degenerate {
				t.Errorf("Degenerate = %v, want %v", res.Degenerate, tt.degenerate)
			}
		})
	}

	lower, upper := spread.IQRBounds(IQRMultiplier)
	if lower != -20 || upper != 60 {
		t.Errorf("IQR bounds = [%v, %v], want [-20, 60]", lower, upper)
	}
}

func ptr(f float64) *float64 { return &f }

func outlierRule() rules.DetectionRule {
	return rules.DetectionRule{
		Name: "amount outlier", Category: rules.CategoryStatistical, Method: rules.MethodZScoreIQR,
		Severity: rules.SeverityHigh, Active: true, Threshold: 3,
		Params: rules.Params{Metric: "amount", EntityType: "vendor"},
	}
}

func TestOutlierDetector(t *testing.T) {
	ctx := context.Background()
	store := baseline.NewMemoryStore()
	_ = store.UpsertBaseline(ctx, baseline.Baseline{
		Key:   baseline.Key{Metric: "amount", EntityType: "vendor", Period: "daily"},
		Stats: baseline.Stats{Mean: 50, StdDev: 10, Median: 50, Q1: 40, Q3: 60, SampleSize: 100},
	})

	src := dataset.NewMemorySource()
	src.AddObservations(
		dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "amount", Value: 200, ObservedAt: testNow.Add(-24 * time.Hour)},
		dataset.Observation{EntityType: "vendor", EntityID: "v1", Metric: "amount", Value: 100, ObservedAt: testNow.Add(-48 * time.Hour)},
		dataset.Observation{EntityType: "vendor", EntityID: "v2", Metric: "amount", Value: 52, ObservedAt: testNow.Add(-24 * time.Hour)},
		// Outside the 7 day recent window.
		dataset.Observation{EntityType: "vendor", EntityID: "v3", Metric: "amount", Value: 900, ObservedAt: testNow.Add(-30 * 24 * time.Hour)},
	)

	sc := newScanContext(src, store, outlierRule())
	findings, err := NewOutlierDetector().Detect(ctx, sc)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.EntityIDs[0] != "v1" || !approx(f.Score, 15) {
		t.Errorf("finding = %+v, want v1 with score 15", f)
	}
	ev, ok := f.Evidence.(evidence.Outlier)
	if !ok {
		t.Fatalf("evidence type = %T", f.Evidence)
	}
	if ev.Value != 200 || ev.Baseline.SampleSize != 100 {
		t.Errorf("evidence = %+v", ev)
	}
}

func TestOutlierDetector_MissingBaseline(t *testing.T) {
	sc := newScanContext(dataset.NewMemorySource(), nil, outlierRule())
	findings, err := NewOutlierDetector().Detect(context.Background(), sc)
	if err != nil || len(findings) != 0 {
		t.Fatalf("Detect() = %v, %v", findings, err)
	}
	if len(sc.Warnings()) != 1 {
		t.Errorf("warnings = %v, want one missing-baseline warning", sc.Warnings())
	}
}

func TestOutlierDetector_InactiveRuleIgnored(t *testing.T) {
	rule := outlierRule()
	rule.Active = false
	sc := newScanContext(dataset.NewMemorySource(), nil, rule)
	if _, err := NewOutlierDetector().Detect(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	if len(sc.Warnings()) != 0 {
		t.Errorf("inactive rule was evaluated: %v", sc.Warnings())
	}
}

func event(entity, counterparty string, at time.Time) dataset.Event {
	return dataset.Event{
		ID: fmt.Sprintf("%s-%s-%d", entity, counterparty, at.Unix()), EntityType: "employee",
		EntityID: entity, CounterpartyID: counterparty, Action: "payment", OccurredAt: at,
	}
}

func TestLongestRapidRun(t *testing.T) {
	start := testNow.Add(-time.Hour)
	at := func(offsets ...int) []dataset.Event {
		var out []dataset.Event
		for _, o := range offsets {
			out = append(out, event("a", "b", start.Add(time.Duration(o)*time.Second)))
		}
		return out
	}

	tests := []struct {
		name   string
		events []dataset.Event
		gaps   int
		minGap float64
		avgGap float64
	}{
		{"gaps 10 15 20 12", at(0, 10, 25, 45, 57), 4, 10, 14.25},
		{"broken by long gap", at(0, 10, 110, 120, 130), 2, 10, 10},
		{"gap equal to max is not rapid", at(0, 60, 120), 0, 0, 0},
		{"single event", at(0), 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := LongestRapidRun(tt.events, 60)
			if run.Gaps != tt.gaps || !approx(run.MinGap, tt.minGap) || !approx(run.AvgGap, tt.avgGap) {
				t.Errorf("run = %+v, want gaps=%d min=%v avg=%v", run, tt.gaps, tt.minGap, tt.avgGap)
			}
		})
	}
}

func rapidRule() rules.DetectionRule {
	return rules.DetectionRule{
		Name: "rapid", Category: rules.CategoryTemporal, Method: rules.MethodRapidSequence,
		Severity: rules.SeverityHigh, Active: true, Threshold: 60,
		Params: rules.Params{EntityType: "employee", Action: "payment", MinRepeat: 3},
	}
}

func TestTemporalDetector_RapidSequence(t *testing.T) {
	src := dataset.NewMemorySource()
	start := testNow.Add(-2 * time.Hour)
	for _, off := range []int{0, 10, 25, 45, 57} {
		src.AddEvents(event("emp1", "vendor9", start.Add(time.Duration(off)*time.Second)))
	}
	// Slow pair for the same entity.
	for _, off := range []int{0, 600, 1200, 1800} {
		src.AddEvents(event("emp1", "vendor2", start.Add(time.Duration(off)*time.Second)))
	}

	sc := newScanContext(src, nil, rapidRule())
	findings, err := NewTemporalDetector().Detect(context.Background(), sc)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	ev := findings[0].Evidence.(evidence.Sequence)
	if ev.Count != 5 || ev.MinGapSeconds != 10 || ev.CounterpartyID != "vendor9" {
		t.Errorf("sequence evidence = %+v, want count=5 minGap=10 counterparty=vendor9", ev)
	}
	if findings[0].EntityIDs[0] != "emp1" {
		t.Errorf("finding entity = %v, want emp1", findings[0].EntityIDs)
	}
}

func TestFlagUnusualHours(t *testing.T) {
	var spike [24]float64
	spike[2] = 20
	for h := 9; h <= 17; h++ {
		spike[h] = 1
	}
	flagged, _, _, ok := FlagUnusualHours(spike, 3, rules.HourRange{Start: 0, End: 6})
	if !ok || len(flagged) != 1 || flagged[0].Hour != 2 {
		t.Fatalf("flagged = %+v ok=%v, want hour 2", flagged, ok)
	}
	if flagged[0].Deviation <= 3 {
		t.Errorf("deviation = %v, want > 3", flagged[0].Deviation)
	}

	var daytime [24]float64
	daytime[14] = 20
	for h := 9; h <= 17; h++ {
		daytime[h]++
	}
	if flagged, _, _, _ := FlagUnusualHours(daytime, 3, rules.HourRange{Start: 0, End: 6}); len(flagged) != 0 {
		t.Errorf("daytime spike flagged: %+v", flagged)
	}

	var uniform [24]float64
	for h := range uniform {
		uniform[h] = 4
	}
	if _, _, _, ok := FlagUnusualHours(uniform, 3, rules.HourRange{Start: 0, End: 6}); ok {
		t.Error("uniform profile has no spread and should be skipped")
	}
}

func TestTemporalDetector_HourlyDeviation(t *testing.T) {
	src := dataset.NewMemorySource()
	day := time.Date(2026, 5, 30, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		src.AddEvents(event("night-owl", "", day.Add(2*time.Hour+time.Duration(i)*time.Minute)))
	}
	for h := 9; h <= 17; h++ {
		src.AddEvents(event("night-owl", "", day.Add(time.Duration(h)*time.Hour)))
		src.AddEvents(event("day-worker", "", day.Add(time.Duration(h)*time.Hour)))
	}

	rule := rules.DetectionRule{
		Name: "off hours", Category: rules.CategoryTemporal, Method: rules.MethodHourlyDeviation,
		Severity: rules.SeverityMedium, Active: true,
		Params: rules.Params{EntityType: "employee"},
	}
	findings, err := NewTemporalDetector().Detect(context.Background(), newScanContext(src, nil, rule))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 || findings[0].EntityIDs[0] != "night-owl" {
		t.Fatalf("findings = %+v, want only night-owl", findings)
	}
	if ev := findings[0].Evidence.(evidence.Hourly); ev.Hours[0].Hour != 2 {
		t.Errorf("flagged hours = %+v", ev.Hours)
	}
}

func TestNetworkDetector_SharedAttribute(t *testing.T) {
	src := dataset.NewMemorySource()
	var big, small []dataset.Member
	for i := 0; i < 12; i++ {
		big = append(big, dataset.Member{EntityID: fmt.Sprintf("v%02d", i)})
	}
	for i := 0; i < 4; i++ {
		small = append(small, dataset.Member{EntityID: fmt.Sprintf("s%02d", i)})
	}
	src.AddGroups(
		dataset.AttributeGroup{EntityType: "vendor", Attribute: "address", Value: "1 Main St", Members: big},
		dataset.AttributeGroup{EntityType: "vendor", Attribute: "address", Value: "9 Elm St", Members: small},
	)

	rule := rules.DetectionRule{
		Name: "shared address", Category: rules.CategoryPattern, Method: rules.MethodSharedAttribute,
		Severity: rules.SeverityMedium, Active: true, Threshold: 10,
		Params: rules.Params{EntityType: "vendor", Attribute: "address"},
	}
	findings, err := NewNetworkDetector().Detect(context.Background(), newScanContext(src, nil, rule))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	ev := findings[0].Evidence.(evidence.Cluster)
	if ev.MemberCount != 12 || len(findings[0].EntityIDs) != 12 {
		t.Errorf("memberCount = %d, entities = %d, want 12", ev.MemberCount, len(findings[0].EntityIDs))
	}
}

func TestNetworkDetector_SharedContact(t *testing.T) {
	src := dataset.NewMemorySource()
	src.AddGroups(dataset.AttributeGroup{
		EntityType: "vendor", Attribute: "address", Value: "1 Main St",
		Members: []dataset.Member{
			{EntityID: "a", ContactID: "c1"},
			{EntityID: "b", ContactID: "c1"},
			{EntityID: "c", ContactID: "c1"},
			{EntityID: "d", ContactID: "c2"},
			{EntityID: "e"},
		},
	})
	rule := rules.DetectionRule{
		Name: "shared contact", Category: rules.CategoryPattern, Method: rules.MethodSharedContact,
		Severity: rules.SeverityHigh, Active: true, Threshold: 2,
		Params: rules.Params{EntityType: "vendor", Attribute: "address"},
	}
	findings, err := NewNetworkDetector().Detect(context.Background(), newScanContext(src, nil, rule))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	ev := findings[0].Evidence.(evidence.Cluster)
	if ev.ContactID != "c1" || ev.MemberCount != 3 {
		t.Errorf("evidence = %+v, want contact c1 with 3 members", ev)
	}
}

func TestNetworkDetector_SelfDealingAndBilateral(t *testing.T) {
	src := dataset.NewMemorySource()
	start := testNow.Add(-5 * 24 * time.Hour)
	for i := 0; i < 6; i++ {
		e := event("emp1", "org7", start.Add(time.Duration(i)*time.Hour))
		e.Amount = 100
		src.AddEvents(e)
	}
	self := event("emp2", "org8", start)
	self.Identity, self.CounterpartyIdentity, self.Amount = "person-42", "person-42", 5000
	src.AddEvents(self)

	selfRule := rules.DetectionRule{
		Name: "self dealing", Category: rules.CategoryPattern, Method: rules.MethodSelfDealing,
		Severity: rules.SeverityCritical, Active: true,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}
	countRule := rules.DetectionRule{
		Name: "bilateral count", Category: rules.CategoryPattern, Method: rules.MethodBilateralVolume,
		Severity: rules.SeverityLow, Active: true, Threshold: 5,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}
	amountRule := rules.DetectionRule{
		Name: "bilateral amount", Category: rules.CategoryPattern, Method: rules.MethodBilateralVolume,
		Severity: rules.SeverityLow, Active: true, Threshold: 1000,
		Params: rules.Params{EntityType: "employee", Action: "payment", Measure: rules.MeasureAmount},
	}

	findings, err := NewNetworkDetector().Detect(context.Background(), newScanContext(src, nil, selfRule, countRule, amountRule))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	byRule := make(map[string][]Finding)
	for _, f := range findings {
		byRule[f.RuleName] = append(byRule[f.RuleName], f)
	}
	if got := byRule["self dealing"]; len(got) != 1 || got[0].EntityIDs[0] != "emp2" {
		t.Errorf("self dealing findings = %+v", got)
	}
	if got := byRule["bilateral count"]; len(got) != 1 || got[0].EntityIDs[0] != "emp1" {
		t.Errorf("bilateral count findings = %+v", got)
	}
	amount := byRule["bilateral amount"]
	if len(amount) != 1 || amount[0].EntityIDs[0] != "emp2" {
		t.Fatalf("bilateral amount findings = %+v, want emp2 (5000 > 1000)", amount)
	}
	if ev := amount[0].Evidence.(evidence.Bilateral); ev.Observed != 5000 {
		t.Errorf("observed amount = %v", ev.Observed)
	}
}

func TestNetworkDetector_BilateralCountsBothDirections(t *testing.T) {
	src := dataset.NewMemorySource()
	start := testNow.Add(-5 * 24 * time.Hour)
	for i := 0; i < 6; i++ {
		src.AddEvents(
			event("empA", "empB", start.Add(time.Duration(i)*time.Hour)),
			event("empB", "empA", start.Add(time.Duration(i)*time.Hour+time.Minute)),
		)
	}
	rule := rules.DetectionRule{
		Name: "bilateral count", Category: rules.CategoryPattern, Method: rules.MethodBilateralVolume,
		Severity: rules.SeverityMedium, Active: true, Threshold: 10,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}

	findings, err := NewNetworkDetector().Detect(context.Background(), newScanContext(src, nil, rule))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %+v, want one per side of the pair", findings)
	}
	want := map[string]string{"empA": "empB", "empB": "empA"}
	for _, f := range findings {
		ev := f.Evidence.(evidence.Bilateral)
		if want[f.EntityIDs[0]] != ev.CounterpartyID {
			t.Errorf("%s flagged against %q", f.EntityIDs[0], ev.CounterpartyID)
		}
		if ev.Count != 12 || ev.Observed != 12 {
			t.Errorf("%s evidence = %+v, want 12 events across both directions", f.EntityIDs[0], ev)
		}
	}
}

func TestBehavioralDetector(t *testing.T) {
	src := dataset.NewMemorySource()
	start := testNow.Add(-10 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		e := event("busy", "v1", start.Add(time.Duration(i)*time.Hour))
		e.Amount = 300
		src.AddEvents(e)
	}
	fresh := event("fresh", "v1", start.Add(30*time.Minute))
	fresh.EntityCreatedAt = start
	src.AddEvents(fresh)
	broken := event("broken", "v1", start)
	broken.EntityCreatedAt = start.Add(time.Hour)
	src.AddEvents(broken)

	countRule := rules.DetectionRule{
		Name: "count", Category: rules.CategoryBehavioral, Method: rules.MethodActionCount,
		Severity: rules.SeverityMedium, Active: true, Threshold: 4,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}
	amountRule := rules.DetectionRule{
		Name: "amount", Category: rules.CategoryBehavioral, Method: rules.MethodAmountTotal,
		Severity: rules.SeverityMedium, Active: true, Threshold: 1000,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}
	latencyRule := rules.DetectionRule{
		Name: "latency", Category: rules.CategoryBehavioral, Method: rules.MethodFirstActionLatency,
		Severity: rules.SeverityHigh, Active: true, Threshold: 3600,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}

	sc := newScanContext(src, nil, countRule, amountRule, latencyRule)
	findings, err := NewBehavioralDetector().Detect(context.Background(), sc)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	got := make(map[string]string)
	for _, f := range findings {
		got[f.RuleName] = f.EntityIDs[0]
	}
	want := map[string]string{"count": "busy", "amount": "busy", "latency": "fresh"}
	for rule, entity := range want {
		if got[rule] != entity {
			t.Errorf("rule %s flagged %q, want %q", rule, got[rule], entity)
		}
	}
	if len(findings) != 3 {
		t.Errorf("got %d findings, want 3", len(findings))
	}

	skipped := sc.Skipped()
	if len(skipped) != 1 || skipped[0].EntityID != "broken" {
		t.Errorf("skipped = %+v, want the negative-latency entity", skipped)
	}
}

type brokenEvents struct {
	*dataset.MemorySource
}

func (b brokenEvents) Events(ctx context.Context, q dataset.EventQuery) ([]dataset.Event, error) {
	if q.Action == "broken" {
		return nil, errors.New("table missing")
	}
	return b.MemorySource.Events(ctx, q)
}

func TestDetector_RuleFailureIsolated(t *testing.T) {
	mem := dataset.NewMemorySource()
	for i := 0; i < 3; i++ {
		mem.AddEvents(event("busy", "v1", testNow.Add(-time.Duration(i+1)*time.Hour)))
	}
	good := rules.DetectionRule{
		Name: "good", Category: rules.CategoryBehavioral, Method: rules.MethodActionCount,
		Severity: rules.SeverityLow, Active: true, Threshold: 1,
		Params: rules.Params{EntityType: "employee", Action: "payment"},
	}
	bad := good
	bad.Name = "bad"
	bad.Params.Action = "broken"

	findings, err := NewBehavioralDetector().Detect(context.Background(), newScanContext(brokenEvents{mem}, nil, bad, good))
	if err == nil {
		t.Fatal("expected an error for the failing rule")
	}
	if !errors.Is(err, dataset.ErrDataAccess) {
		t.Errorf("expected ErrDataAccess, got %v", err)
	}
	if len(findings) != 1 || findings[0].RuleName != "good" {
		t.Errorf("findings = %+v, want the healthy rule's finding", findings)
	}
}
