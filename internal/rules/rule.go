// Package rules provides detection rule definitions and the rule registry.
package rules

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Category selects the detector strategy that evaluates a rule.
type Category string

const (
	CategoryStatistical Category = "statistical"
	CategoryBehavioral  Category = "behavioral"
	CategoryTemporal    Category = "temporal"
	CategoryPattern     Category = "pattern"
)

// Categories lists every category in evaluation order.
var Categories = []Category{
	CategoryStatistical,
	CategoryBehavioral,
	CategoryTemporal,
	CategoryPattern,
}

// Severity levels for rules.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Method names the heuristic a detector applies for a rule.
type Method string

const (
	// MethodZScoreIQR flags recent metric values against the stored baseline.
	MethodZScoreIQR Method = "zscore_iqr"

	// MethodActionCount flags entities whose action count in the window exceeds the threshold.
	MethodActionCount Method = "action_count"
	// MethodAmountTotal flags entities whose summed amount in the window exceeds the threshold.
	MethodAmountTotal Method = "amount_total"
	// MethodFirstActionLatency flags entities acting sooner than threshold seconds after creation.
	MethodFirstActionLatency Method = "first_action_latency"

	// MethodHourlyDeviation flags unusual-hour activity deviating from the entity's own hourly profile.
	MethodHourlyDeviation Method = "hourly_deviation"
	// MethodRapidSequence flags runs of events with gaps below threshold seconds.
	MethodRapidSequence Method = "rapid_sequence"

	// MethodSharedAttribute flags groups of entities sharing an attribute value.
	MethodSharedAttribute Method = "shared_attribute"
	// MethodSharedContact flags attribute groups whose members also share a contact identifier.
	MethodSharedContact Method = "shared_contact"
	// MethodSelfDealing flags transactions where both sides resolve to one identity.
	MethodSelfDealing Method = "self_dealing"
	// MethodBilateralVolume flags entity pairs with excessive transaction count or value.
	MethodBilateralVolume Method = "bilateral_volume"
)

var methodsByCategory = map[Category][]Method{
	CategoryStatistical: {MethodZScoreIQR},
	CategoryBehavioral:  {MethodActionCount, MethodAmountTotal, MethodFirstActionLatency},
	CategoryTemporal:    {MethodHourlyDeviation, MethodRapidSequence},
	CategoryPattern:     {MethodSharedAttribute, MethodSharedContact, MethodSelfDealing, MethodBilateralVolume},
}

// MethodsFor returns the methods valid for a category.
func MethodsFor(c Category) []Method {
	return methodsByCategory[c]
}

// Measure selects what a bilateral volume rule sums.
const (
	MeasureCount  = "count"
	MeasureAmount = "amount"
)

// HourRange is a half-open range of hours of day. Start > End wraps midnight.
type HourRange struct {
	Start int `yaml:"start" json:"start" validate:"min=0,max=23"`
	End   int `yaml:"end" json:"end" validate:"min=0,max=24"`
}

// Contains reports whether hour h falls inside the range.
func (r HourRange) Contains(h int) bool {
	if r.Start == r.End {
		return true
	}
	if r.Start < r.End {
		return h >= r.Start && h < r.End
	}
	return h >= r.Start || h < r.End
}

func (r HourRange) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", r.Start, r.End)
}

// Params holds method-specific rule parameters.
type Params struct {
	Metric       string     `yaml:"metric,omitempty" json:"metric,omitempty"`
	EntityType   string     `yaml:"entity_type" json:"entity_type" validate:"required"`
	Action       string     `yaml:"action,omitempty" json:"action,omitempty"`
	Period       string     `yaml:"period,omitempty" json:"period,omitempty"`
	WindowDays   int        `yaml:"window_days,omitempty" json:"window_days,omitempty" validate:"gte=0,lte=3650"`
	Attribute    string     `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	MinRepeat    int        `yaml:"min_repeat,omitempty" json:"min_repeat,omitempty" validate:"gte=0"`
	UnusualHours *HourRange `yaml:"unusual_hours,omitempty" json:"unusual_hours,omitempty"`
	Measure      string     `yaml:"measure,omitempty" json:"measure,omitempty" validate:"omitempty,oneof=count amount"`
}

// DetectionRule is an operator-defined detection rule.
type DetectionRule struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name" validate:"required,max=128"`
	Description string    `yaml:"description" json:"description"`
	Category    Category  `yaml:"category" json:"category" validate:"required,oneof=statistical behavioral temporal pattern"`
	Method      Method    `yaml:"method" json:"method" validate:"required"`
	Threshold   float64   `yaml:"threshold" json:"threshold" validate:"gte=0"`
	Severity    Severity  `yaml:"severity" json:"severity" validate:"required,oneof=low medium high critical"`
	Active      bool      `yaml:"active" json:"active"`
	Params      Params    `yaml:"params" json:"params"`
	CreatedAt   time.Time `yaml:"-" json:"created_at"`
	UpdatedAt   time.Time `yaml:"-" json:"updated_at"`
}

// Default parameter values applied by WithDefaults.
const (
	DefaultZThreshold      = 3.0
	DefaultSigmaThreshold  = 3.0
	DefaultMaxGapSeconds   = 60.0
	DefaultMinRepeat       = 3
	DefaultWindowDays      = 30
	DefaultRecentDays      = 7
	DefaultPeriod          = "daily"
	DefaultSelfDealingHits = 1.0
)

// DefaultUnusualHours is the overnight window used when a rule sets none.
var DefaultUnusualHours = HourRange{Start: 0, End: 6}

// WithDefaults returns a copy of the rule with unset parameters filled in.
func (r DetectionRule) WithDefaults() DetectionRule {
	if r.Params.Period == "" {
		r.Params.Period = DefaultPeriod
	}
	switch r.Method {
	case MethodZScoreIQR:
		if r.Threshold == 0 {
			r.Threshold = DefaultZThreshold
		}
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultRecentDays
		}
	case MethodActionCount, MethodAmountTotal, MethodFirstActionLatency:
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultWindowDays
		}
	case MethodHourlyDeviation:
		if r.Threshold == 0 {
			r.Threshold = DefaultSigmaThreshold
		}
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultRecentDays
		}
		if r.Params.UnusualHours == nil {
			hours := DefaultUnusualHours
			r.Params.UnusualHours = &hours
		}
	case MethodRapidSequence:
		if r.Threshold == 0 {
			r.Threshold = DefaultMaxGapSeconds
		}
		if r.Params.MinRepeat == 0 {
			r.Params.MinRepeat = DefaultMinRepeat
		}
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultRecentDays
		}
	case MethodSelfDealing:
		if r.Threshold == 0 {
			r.Threshold = DefaultSelfDealingHits
		}
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultWindowDays
		}
	case MethodBilateralVolume:
		if r.Params.Measure == "" {
			r.Params.Measure = MeasureCount
		}
		if r.Params.WindowDays == 0 {
			r.Params.WindowDays = DefaultWindowDays
		}
	}
	return r
}

// Window returns the rule's look-back window.
func (r DetectionRule) Window() time.Duration {
	return time.Duration(r.Params.WindowDays) * 24 * time.Hour
}

// UnmarshalYAML decodes a rule, treating an omitted active flag as true.
func (r *DetectionRule) UnmarshalYAML(value *yaml.Node) error {
	type plain DetectionRule
	p := plain{Active: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = DetectionRule(p)
	return nil
}

type rulesFile struct {
	Rules []DetectionRule `yaml:"rules"`
}

// ParseRule parses a single rule from YAML and validates it.
func ParseRule(data []byte) (DetectionRule, error) {
	var rule DetectionRule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return DetectionRule{}, fmt.Errorf("failed to parse rule: %w", err)
	}
	rule = rule.WithDefaults()
	if err := Validate(rule); err != nil {
		return DetectionRule{}, err
	}
	return rule, nil
}

// ParseRules parses a YAML document containing either a "rules" list or a single rule.
func ParseRules(data []byte) ([]DetectionRule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Rules) > 0 {
		out := make([]DetectionRule, 0, len(file.Rules))
		seen := make(map[string]bool, len(file.Rules))
		for i, rule := range file.Rules {
			rule = rule.WithDefaults()
			if err := Validate(rule); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			key := strings.ToLower(rule.Name)
			if seen[key] {
				return nil, newConfigurationError(rule.Name, "name", "duplicate rule name in file")
			}
			seen[key] = true
			out = append(out, rule)
		}
		return out, nil
	}

	rule, err := ParseRule(data)
	if err != nil {
		return nil, err
	}
	return []DetectionRule{rule}, nil
}
