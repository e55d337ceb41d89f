package reporting

import (
	"errors"
	"fmt"
	"strings"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/rules"
)

// Op compares an observed KPI value with a threshold.
type Op string

const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
)

// Compare reports whether observed op threshold holds.
func (o Op) Compare(observed, threshold float64) bool {
	switch o {
	case OpGT:
		return observed > threshold
	case OpGTE:
		return observed >= threshold
	case OpLT:
		return observed < threshold
	case OpLTE:
		return observed <= threshold
	case OpEQ:
		return observed == threshold
	default:
		return false
	}
}

func (o Op) symbol() string {
	switch o {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	default:
		return "=="
	}
}

// KPI scopes. A KPI is either "total" or "<scope>:<value>".
const (
	KPITotal      = "total"
	ScopeSeverity = "severity"
	ScopeStatus   = "status"
	ScopeEntity   = "entity_type"
	ScopeRule     = "rule"
)

// ErrInvalidThreshold is returned for malformed KPI thresholds.
var ErrInvalidThreshold = errors.New("reporting: invalid threshold")

// Threshold raises an alert when a KPI satisfies Op against Value.
type Threshold struct {
	Name     string         `yaml:"name" json:"name"`
	KPI      string         `yaml:"kpi" json:"kpi"`
	Op       Op             `yaml:"op" json:"op"`
	Value    float64        `yaml:"value" json:"value"`
	Severity rules.Severity `yaml:"severity" json:"severity"`
}

// ParseKPI splits a KPI into scope and value. "total" has no value.
func ParseKPI(kpi string) (scope, value string, err error) {
	if kpi == KPITotal {
		return KPITotal, "", nil
	}
	scope, value, ok := strings.Cut(kpi, ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("%w: kpi %q must be total or scope:value", ErrInvalidThreshold, kpi)
	}
	switch scope {
	case ScopeSeverity:
		if rules.Severity(value).Rank() == 0 {
			return "", "", fmt.Errorf("%w: unknown severity %q", ErrInvalidThreshold, value)
		}
	case ScopeStatus:
		if !anomaly.Status(value).Valid() {
			return "", "", fmt.Errorf("%w: unknown status %q", ErrInvalidThreshold, value)
		}
	case ScopeEntity, ScopeRule:
	default:
		return "", "", fmt.Errorf("%w: unknown kpi scope %q", ErrInvalidThreshold, scope)
	}
	return scope, value, nil
}

// Validate checks the threshold.
func (t Threshold) Validate() error {
	if _, _, err := ParseKPI(t.KPI); err != nil {
		return err
	}
	switch t.Op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
	default:
		return fmt.Errorf("%w: unknown op %q for %s", ErrInvalidThreshold, t.Op, t.KPI)
	}
	if t.Severity != "" && t.Severity.Rank() == 0 {
		return fmt.Errorf("%w: unknown severity %q for %s", ErrInvalidThreshold, t.Severity, t.KPI)
	}
	return nil
}

// label returns the threshold name, falling back to the KPI.
func (t Threshold) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.KPI
}

// Observe returns the value of kpi in s. Unknown scopes observe zero.
func (s *Summary) Observe(kpi string) float64 {
	scope, value, err := ParseKPI(kpi)
	if err != nil {
		return 0
	}
	switch scope {
	case KPITotal:
		return float64(s.Total)
	case ScopeSeverity:
		return float64(s.BySeverity[value])
	case ScopeStatus:
		return float64(s.ByStatus[value])
	case ScopeEntity:
		return float64(s.ByEntityType[value])
	case ScopeRule:
		return float64(s.ByRule[value])
	}
	return 0
}
