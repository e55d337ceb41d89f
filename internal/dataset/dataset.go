// Package dataset defines the read-only view of the business dataset that
// baselines and detectors consume.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDataAccess indicates the dataset could not be read.
var ErrDataAccess = errors.New("dataset: access failed")

// DataAccessError wraps a failed dataset read.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("dataset.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DataAccessError) Unwrap() error {
	return e.Err
}

// Is matches ErrDataAccess.
func (e *DataAccessError) Is(target error) bool {
	return target == ErrDataAccess
}

// WrapAccessError wraps err as a DataAccessError, passing nil through.
func WrapAccessError(op string, err error) error {
	if err == nil {
		return nil
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}

// Observation is one measured value of a metric for an entity.
type Observation struct {
	EntityType string    `json:"entity_type" yaml:"entity_type"`
	EntityID   string    `json:"entity_id" yaml:"entity_id"`
	Metric     string    `json:"metric" yaml:"metric"`
	Value      float64   `json:"value" yaml:"value"`
	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`
}

// Event is one action taken by an entity, optionally against a counterparty.
type Event struct {
	ID                   string    `json:"id" yaml:"id"`
	EntityType           string    `json:"entity_type" yaml:"entity_type"`
	EntityID             string    `json:"entity_id" yaml:"entity_id"`
	CounterpartyID       string    `json:"counterparty_id,omitempty" yaml:"counterparty_id,omitempty"`
	Identity             string    `json:"identity,omitempty" yaml:"identity,omitempty"`
	CounterpartyIdentity string    `json:"counterparty_identity,omitempty" yaml:"counterparty_identity,omitempty"`
	Action               string    `json:"action" yaml:"action"`
	Amount               float64   `json:"amount,omitempty" yaml:"amount,omitempty"`
	OccurredAt           time.Time `json:"occurred_at" yaml:"occurred_at"`
	EntityCreatedAt      time.Time `json:"entity_created_at,omitempty" yaml:"entity_created_at,omitempty"`
}

// Member is one entity of an attribute group.
type Member struct {
	EntityID  string `json:"entity_id" yaml:"entity_id"`
	ContactID string `json:"contact_id,omitempty" yaml:"contact_id,omitempty"`
}

// AttributeGroup is a set of entities sharing one attribute value.
type AttributeGroup struct {
	EntityType string   `json:"entity_type" yaml:"entity_type"`
	Attribute  string   `json:"attribute" yaml:"attribute"`
	Value      string   `json:"value" yaml:"value"`
	Members    []Member `json:"members" yaml:"members"`
}

// DistinctMembers returns the group's members deduplicated by entity ID, in first-seen order.
func (g AttributeGroup) DistinctMembers() []Member {
	seen := make(map[string]bool, len(g.Members))
	out := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.EntityID == "" || seen[m.EntityID] {
			continue
		}
		seen[m.EntityID] = true
		out = append(out, m)
	}
	return out
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies in the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// MetricQuery selects metric observations.
type MetricQuery struct {
	Metric     string
	EntityType string
	Range      TimeRange
}

// EventQuery selects events. Empty fields match everything.
type EventQuery struct {
	EntityType     string
	Action         string
	EntityID       string
	CounterpartyID string
	Range          TimeRange
}

// GroupQuery selects attribute groups.
type GroupQuery struct {
	EntityType string
	Attribute  string
	// MinMembers drops groups with fewer distinct members.
	MinMembers int
}

// Source is the read-only dataset interface consumed by the engine.
// Implementations must be safe for concurrent use.
type Source interface {
	// MetricValues returns observations of a metric for an entity type within a range.
	MetricValues(ctx context.Context, q MetricQuery) ([]Observation, error)
	// Events returns events ordered by OccurredAt ascending.
	Events(ctx context.Context, q EventQuery) ([]Event, error)
	// AttributeGroups returns entities grouped by a shared attribute value.
	AttributeGroups(ctx context.Context, q GroupQuery) ([]AttributeGroup, error)
}
