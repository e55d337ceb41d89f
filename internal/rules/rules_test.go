package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func validRule(name string) DetectionRule {
	return DetectionRule{
		Name:      name,
		Category:  CategoryStatistical,
		Method:    MethodZScoreIQR,
		Severity:  SeverityHigh,
		Active:    true,
		Threshold: 3,
		Params:    Params{Metric: "payment_amount", EntityType: "vendor"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *DetectionRule)
		wantErr bool
	}{
		{"valid", func(r *DetectionRule) {}, false},
		{"missing name", func(r *DetectionRule) { r.Name = "" }, true},
		{"unknown category", func(r *DetectionRule) { r.Category = "psychic" }, true},
		{"unknown severity", func(r *DetectionRule) { r.Severity = "urgent" }, true},
		{"negative threshold", func(r *DetectionRule) { r.Threshold = -1 }, true},
		{"method from other category", func(r *DetectionRule) { r.Method = MethodRapidSequence }, true},
		{"missing metric", func(r *DetectionRule) { r.Params.Metric = "" }, true},
		{"missing entity type", func(r *DetectionRule) { r.Params.EntityType = "" }, true},
		{"bad measure", func(r *DetectionRule) { r.Params.Measure = "weight" }, true},
		{"bad hour", func(r *DetectionRule) { r.Params.UnusualHours = &HourRange{Start: 30, End: 6} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule("r")
			tt.mutate(&rule)
			err := Validate(rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	rule := DetectionRule{Method: MethodRapidSequence}.WithDefaults()
	if rule.Threshold != DefaultMaxGapSeconds {
		t.Errorf("Threshold = %v, want %v", rule.Threshold, DefaultMaxGapSeconds)
	}
	if rule.Params.MinRepeat != DefaultMinRepeat {
		t.Errorf("MinRepeat = %d, want %d", rule.Params.MinRepeat, DefaultMinRepeat)
	}

	hourly := DetectionRule{Method: MethodHourlyDeviation}.WithDefaults()
	if hourly.Params.UnusualHours == nil || *hourly.Params.UnusualHours != DefaultUnusualHours {
		t.Errorf("UnusualHours = %v, want %v", hourly.Params.UnusualHours, DefaultUnusualHours)
	}

	explicit := DetectionRule{Method: MethodZScoreIQR, Threshold: 2.5}.WithDefaults()
	if explicit.Threshold != 2.5 {
		t.Errorf("explicit threshold overwritten: %v", explicit.Threshold)
	}
}

func TestHourRangeContains(t *testing.T) {
	tests := []struct {
		r    HourRange
		hour int
		want bool
	}{
		{HourRange{0, 6}, 0, true},
		{HourRange{0, 6}, 5, true},
		{HourRange{0, 6}, 6, false},
		{HourRange{22, 4}, 23, true},
		{HourRange{22, 4}, 3, true},
		{HourRange{22, 4}, 12, false},
		{HourRange{5, 5}, 17, true},
	}
	for _, tt := range tests {
		if got := tt.r.Contains(tt.hour); got != tt.want {
			t.Errorf("%v.Contains(%d) = %v, want %v", tt.r, tt.hour, got, tt.want)
		}
	}
}

func TestParseRules(t *testing.T) {
	data := []byte(`
rules:
  - name: Vendor outlier
    category: statistical
    method: zscore_iqr
    severity: high
    params:
      metric: payment_amount
      entity_type: vendor
  - name: Dormant rule
    category: temporal
    method: rapid_sequence
    severity: low
    active: false
    params:
      entity_type: employee
`)
	parsed, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d rules, want 2", len(parsed))
	}
	if !parsed[0].Active {
		t.Error("omitted active flag should default to true")
	}
	if parsed[0].Threshold != DefaultZThreshold {
		t.Errorf("Threshold = %v, want default %v", parsed[0].Threshold, DefaultZThreshold)
	}
	if parsed[1].Active {
		t.Error("explicit active: false was ignored")
	}
	if parsed[1].Threshold != DefaultMaxGapSeconds {
		t.Errorf("rapid sequence threshold = %v, want %v", parsed[1].Threshold, DefaultMaxGapSeconds)
	}
}

func TestParseRules_DuplicateNames(t *testing.T) {
	data := []byte(`
rules:
  - name: Same
    category: pattern
    method: shared_attribute
    severity: low
    params: {entity_type: vendor, attribute: address}
  - name: same
    category: pattern
    method: shared_attribute
    severity: low
    params: {entity_type: vendor, attribute: phone}
`)
	if _, err := ParseRules(data); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseRule_Single(t *testing.T) {
	data := []byte(`
name: Self dealing
category: pattern
method: self_dealing
severity: critical
params:
  entity_type: employee
`)
	parsed, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(parsed) != 1 || parsed[0].Threshold != DefaultSelfDealingHits {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

type recordingStore struct {
	mu    sync.Mutex
	saved []DetectionRule
}

func (s *recordingStore) SaveRule(ctx context.Context, rule DetectionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rule)
	return nil
}

func (s *recordingStore) ListRules(ctx context.Context) ([]DetectionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DetectionRule(nil), s.saved...), nil
}

func TestRegistry_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	reg := NewRegistry(store)

	created, err := reg.Create(ctx, validRule("Vendor outlier"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Error("Create() should assign an ID")
	}
	if len(store.saved) != 1 {
		t.Errorf("store received %d saves, want 1", len(store.saved))
	}

	got, err := reg.Get("vendor OUTLIER")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Get() ID = %s, want %s", got.ID, created.ID)
	}

	byID, err := reg.GetByID(created.ID)
	if err != nil || byID.Name != "Vendor outlier" {
		t.Errorf("GetByID() = %+v, %v", byID, err)
	}

	if _, err := reg.Get("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	if _, err := reg.Create(ctx, validRule("Dup")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := reg.Create(ctx, validRule("dup"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Field != "name" {
		t.Errorf("Field = %q, want name", cfgErr.Field)
	}
}

func TestRegistry_ListAndSetActive(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)
	if err := reg.CreateAll(ctx, Builtin()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}

	all := reg.List(ListOptions{})
	if len(all) != len(Builtin()) {
		t.Fatalf("List() returned %d rules, want %d", len(all), len(Builtin()))
	}

	temporal := reg.List(ListOptions{Category: CategoryTemporal, ActiveOnly: true})
	if len(temporal) != 2 {
		t.Fatalf("temporal rules = %d, want 2", len(temporal))
	}

	if _, err := reg.SetActive(ctx, temporal[0].Name, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if got := reg.List(ListOptions{Category: CategoryTemporal, ActiveOnly: true}); len(got) != 1 {
		t.Errorf("active temporal rules after disable = %d, want 1", len(got))
	}
	if _, err := reg.SetActive(ctx, "nope", true); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRegistry_Load(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	first := NewRegistry(store)
	if _, err := first.Create(ctx, validRule("Persisted")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second := NewRegistry(store)
	n, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Load() = %d, want 1", n)
	}
	if _, err := second.Get("Persisted"); err != nil {
		t.Errorf("Get() after Load error = %v", err)
	}
}

func TestBuiltinRulesValid(t *testing.T) {
	covered := make(map[Method]bool)
	for _, rule := range Builtin() {
		if err := Validate(rule); err != nil {
			t.Errorf("builtin rule %q invalid: %v", rule.Name, err)
		}
		covered[rule.Method] = true
	}
	for _, c := range Categories {
		for _, m := range MethodsFor(c) {
			if !covered[m] {
				t.Errorf("no builtin rule exercises method %s", m)
			}
		}
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
name: File rule
category: behavioral
method: action_count
threshold: 10
severity: medium
params:
  entity_type: employee
`)
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFiles([]string{dir})
	if err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "File rule" {
		t.Fatalf("LoadFiles() = %+v", loaded)
	}
	if loaded[0].Params.WindowDays != DefaultWindowDays {
		t.Errorf("WindowDays = %d, want %d", loaded[0].Params.WindowDays, DefaultWindowDays)
	}
}
