package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration indicates an invalid rule definition.
var ErrConfiguration = errors.New("rules: invalid configuration")

// ErrRuleNotFound indicates the requested rule does not exist.
var ErrRuleNotFound = errors.New("rules: rule not found")

// ConfigurationError describes why a rule was rejected.
type ConfigurationError struct {
	Rule   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rules: rule %q: %s: %s", e.Rule, e.Field, e.Reason)
	}
	return fmt.Sprintf("rules: rule %q: %s", e.Rule, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func newConfigurationError(rule, field, reason string) *ConfigurationError {
	return &ConfigurationError{Rule: rule, Field: field, Reason: reason}
}

var validate = validator.New()

// Validate checks a rule's enums, threshold and method parameters.
func Validate(rule DetectionRule) error {
	if err := validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return newConfigurationError(rule.Name, strings.ToLower(fe.Field()),
				fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()))
		}
		return newConfigurationError(rule.Name, "", err.Error())
	}

	valid := false
	for _, m := range methodsByCategory[rule.Category] {
		if m == rule.Method {
			valid = true
			break
		}
	}
	if !valid {
		return newConfigurationError(rule.Name, "method",
			fmt.Sprintf("method %q is not valid for category %q", rule.Method, rule.Category))
	}

	switch rule.Method {
	case MethodZScoreIQR:
		if rule.Params.Metric == "" {
			return newConfigurationError(rule.Name, "params.metric", "required for zscore_iqr")
		}
	case MethodSharedAttribute, MethodSharedContact:
		if rule.Params.Attribute == "" {
			return newConfigurationError(rule.Name, "params.attribute", "required for "+string(rule.Method))
		}
	case MethodRapidSequence:
		if rule.Threshold <= 0 {
			return newConfigurationError(rule.Name, "threshold", "max gap must be positive")
		}
	}

	return nil
}
