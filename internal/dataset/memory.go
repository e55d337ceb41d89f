package dataset

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemorySource is an in-memory Source backed by fixture data.
type MemorySource struct {
	mu           sync.RWMutex
	observations []Observation
	events       []Event
	groups       []AttributeGroup
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// AddObservations appends metric observations.
func (m *MemorySource) AddObservations(obs ...Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, obs...)
}

// AddEvents appends events.
func (m *MemorySource) AddEvents(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// AddGroups appends attribute groups.
func (m *MemorySource) AddGroups(groups ...AttributeGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, groups...)
}

func (m *MemorySource) MetricValues(ctx context.Context, q MetricQuery) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapAccessError("MetricValues", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Observation
	for _, o := range m.observations {
		if o.Metric != q.Metric || o.EntityType != q.EntityType {
			continue
		}
		if !q.Range.Contains(o.ObservedAt) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *MemorySource) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapAccessError("Events", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.events {
		if q.EntityType != "" && e.EntityType != q.EntityType {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if q.CounterpartyID != "" && e.CounterpartyID != q.CounterpartyID {
			continue
		}
		if !q.Range.Contains(e.OccurredAt) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (m *MemorySource) AttributeGroups(ctx context.Context, q GroupQuery) ([]AttributeGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapAccessError("AttributeGroups", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AttributeGroup
	for _, g := range m.groups {
		if g.EntityType != q.EntityType || g.Attribute != q.Attribute {
			continue
		}
		if len(g.DistinctMembers()) < q.MinMembers {
			continue
		}
		cp := g
		cp.Members = append([]Member(nil), g.Members...)
		out = append(out, cp)
	}
	return out, nil
}

// Fixture is the on-disk form of a MemorySource.
type Fixture struct {
	Observations []Observation    `yaml:"observations"`
	Events       []Event          `yaml:"events"`
	Groups       []AttributeGroup `yaml:"groups"`
}

// LoadFixture reads a YAML fixture file into a new MemorySource.
func LoadFixture(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapAccessError("LoadFixture", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, WrapAccessError("LoadFixture", fmt.Errorf("failed to parse %s: %w", path, err))
	}

	src := NewMemorySource()
	src.AddObservations(f.Observations...)
	src.AddEvents(f.Events...)
	src.AddGroups(f.Groups...)
	return src, nil
}
