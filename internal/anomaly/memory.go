package anomaly

import (
	"context"
	"sort"
	"sync"
)

// Store persists anomalies.
type Store interface {
	// InsertPending stores a as pending unless a pending anomaly already
	// exists for the same rule and entity. created is false for duplicates.
	InsertPending(ctx context.Context, a Anomaly) (created bool, err error)
	Get(ctx context.Context, id string) (Anomaly, error)
	// UpdateStatus applies u only if the stored status is still from,
	// returning ErrConflict otherwise.
	UpdateStatus(ctx context.Context, id string, from Status, u StatusUpdate) error
	// Query returns matches newest first.
	Query(ctx context.Context, f Filter) ([]Anomaly, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Anomaly
	pending map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Anomaly),
		pending: make(map[string]string),
	}
}

func (m *MemoryStore) InsertPending(ctx context.Context, a Anomaly) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, WrapPersistence("InsertPending", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[a.Key()]; ok {
		return false, nil
	}
	a.Status = StatusPending
	m.byID[a.ID] = a
	m.pending[a.Key()] = a.ID
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return Anomaly{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from Status, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrConflict
	}
	if a.Status == StatusPending {
		delete(m.pending, a.Key())
	}
	at := u.InvestigatedAt
	a.Status = u.Status
	a.Notes = u.Notes
	a.InvestigatedAt = &at
	m.byID[id] = a
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Anomaly, error) {
	m.mu.RLock()
	var out []Anomaly
	for _, a := range m.byID {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	return Page(out, f.Limit, f.Offset), nil
}

// SortNewestFirst orders by detection time descending, then by ID.
func SortNewestFirst(list []Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].DetectedAt.Equal(list[j].DetectedAt) {
			return list[i].DetectedAt.After(list[j].DetectedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Page applies limit and offset to an ordered result.
func Page(list []Anomaly, limit, offset int) []Anomaly {
	if offset > 0 {
		if offset >= len(list) {
			return nil
		}
		list = list[offset:]
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
