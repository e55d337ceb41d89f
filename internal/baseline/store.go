package baseline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Key identifies a baseline.
type Key struct {
	Metric     string `json:"metric"`
	EntityType string `json:"entity_type"`
	Period     string `json:"period"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.EntityType, k.Metric, k.Period)
}

// Baseline is the stored statistical profile of one metric.
type Baseline struct {
	Key
	Stats
	CalculatedAt time.Time `json:"calculated_at"`
}

// Usable reports whether detectors may consume the baseline.
func (b Baseline) Usable() bool {
	return b.SampleSize > 0
}

// Store persists baselines, replacing any existing row for the same key.
type Store interface {
	UpsertBaseline(ctx context.Context, b Baseline) error
	GetBaseline(ctx context.Context, key Key) (Baseline, bool, error)
	ListBaselines(ctx context.Context) ([]Baseline, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[Key]Baseline
}

// NewMemoryStore creates an empty in-memory baseline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[Key]Baseline)}
}

func (m *MemoryStore) UpsertBaseline(ctx context.Context, b Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[b.Key] = b
	return nil
}

func (m *MemoryStore) GetBaseline(ctx context.Context, key Key) (Baseline, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[key]
	return b, ok, nil
}

func (m *MemoryStore) ListBaselines(ctx context.Context) ([]Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Baseline, 0, len(m.baselines))
	for _, b := range m.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}
