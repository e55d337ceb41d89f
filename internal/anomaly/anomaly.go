// Package anomaly persists detected anomalies and drives their
// investigation lifecycle.
package anomaly

import (
	"errors"
	"fmt"
	"time"

	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// Status is the investigation state of an anomaly.
type Status string

const (
	StatusPending       Status = "pending"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
	StatusResolved      Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusFalsePositive, StatusResolved}

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFalsePositive},
	StatusConfirmed: {StatusResolved},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Anomaly is a persisted detection for one entity.
type Anomaly struct {
	ID             string            `json:"id" db:"id"`
	RuleID         string            `json:"rule_id" db:"rule_id"`
	RuleName       string            `json:"rule_name" db:"rule_name"`
	EntityType     string            `json:"entity_type" db:"entity_type"`
	EntityID       string            `json:"entity_id" db:"entity_id"`
	Score          float64           `json:"score" db:"score"`
	Evidence       evidence.Envelope `json:"evidence" db:"-"`
	DetectedAt     time.Time         `json:"detected_at" db:"detected_at"`
	InvestigatedAt *time.Time        `json:"investigated_at,omitempty" db:"investigated_at"`
	Status         Status            `json:"status" db:"status"`
	Notes          string            `json:"notes,omitempty" db:"notes"`
	ScanID         string            `json:"scan_id,omitempty" db:"scan_id"`

	// Severity is resolved from the rule at read time and never stored.
	Severity rules.Severity `json:"severity,omitempty" db:"-"`
}

// Key returns the (rule, entity) key that identifies an open anomaly.
func (a Anomaly) Key() string {
	return a.RuleID + "/" + a.EntityType + "/" + a.EntityID
}

// Filter selects anomalies. Zero fields match everything.
type Filter struct {
	EntityType string
	Severity   rules.Severity
	Status     Status
	RuleID     string
	// RuleIDs restricts results to any of these rules. A non-nil empty slice
	// matches nothing.
	RuleIDs []string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Matches reports whether a satisfies every field of f except paging.
func (f Filter) Matches(a Anomaly) bool {
	if f.EntityType != "" && a.EntityType != f.EntityType {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.RuleIDs != nil {
		found := false
		for _, id := range f.RuleIDs {
			if id == a.RuleID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && a.DetectedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.DetectedAt.Before(f.To) {
		return false
	}
	return true
}

// StatusUpdate is applied by Store.UpdateStatus.
type StatusUpdate struct {
	Status         Status
	Notes          string
	InvestigatedAt time.Time
}

// Errors returned by stores and the service.
var (
	ErrNotFound          = errors.New("anomaly: not found")
	ErrConflict          = errors.New("anomaly: status changed concurrently")
	ErrInvalidTransition = errors.New("anomaly: invalid status transition")
	ErrPersistence       = errors.New("anomaly: persistence failed")
)

// InvalidTransitionError reports a lifecycle violation.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("anomaly %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("anomaly.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// WrapPersistence wraps err unless it is nil or already a lifecycle error.
func WrapPersistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
