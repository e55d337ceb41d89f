package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAnomaly(id, rule, entity string) anomaly.Anomaly {
	return anomaly.Anomaly{
		ID: id, RuleID: rule, RuleName: rule, EntityType: "vendor", EntityID: entity,
		Score: 15, DetectedAt: t0, ScanID: "scan-1",
		Evidence: evidence.Envelope{Evidence: evidence.Outlier{Metric: "amount", Value: 200}},
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), path, nil)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
		var count int
		if err := s.db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("schema_migrations has %d rows, want 1", count)
		}
		s.Close()
	}
}

func TestStore_Rules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := rules.NewRegistry(s)
	if err := reg.CreateAll(ctx, rules.Builtin()); err != nil {
		t.Fatalf("CreateAll() error = %v", err)
	}
	if _, err := reg.SetActive(ctx, rules.Builtin()[0].Name, false); err != nil {
		t.Fatal(err)
	}

	stored, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(rules.Builtin()) {
		t.Fatalf("stored %d rules, want %d", len(stored), len(rules.Builtin()))
	}

	reloaded := rules.NewRegistry(s)
	n, err := reloaded.Load(ctx)
	if err != nil || n != len(stored) {
		t.Fatalf("Load() = %d, %v", n, err)
	}
	first, err := reloaded.Get(rules.Builtin()[0].Name)
	if err != nil {
		t.Fatal(err)
	}
	if first.Active {
		t.Error("deactivation was not persisted")
	}
	if first.Params.EntityType == "" {
		t.Error("params were not round-tripped")
	}
}

func TestStore_Baselines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := baseline.Key{Metric: "amount", EntityType: "vendor", Period: "daily"}

	if _, ok, err := s.GetBaseline(ctx, key); ok || err != nil {
		t.Fatalf("GetBaseline() on empty store = %v, %v", ok, err)
	}

	for _, mean := range []float64{10, 50} {
		err := s.UpsertBaseline(ctx, baseline.Baseline{
			Key:          key,
			Stats:        baseline.Stats{Mean: mean, StdDev: 10, Q1: 40, Q3: 60, SampleSize: 100},
			CalculatedAt: t0,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	b, ok, err := s.GetBaseline(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetBaseline() = %v, %v", ok, err)
	}
	if b.Mean != 50 || b.SampleSize != 100 || !b.CalculatedAt.Equal(t0) {
		t.Errorf("baseline = %+v", b)
	}
	all, _ := s.ListBaselines(ctx)
	if len(all) != 1 {
		t.Errorf("ListBaselines() returned %d rows, want 1", len(all))
	}
}

func TestStore_InsertPendingUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.InsertPending(ctx, testAnomaly("a1", "r1", "v1"))
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v", created, err)
	}
	created, err = s.InsertPending(ctx, testAnomaly("a2", "r1", "v1"))
	if err != nil || created {
		t.Fatalf("duplicate insert = %v, %v, want ignored", created, err)
	}
	if created, _ := s.InsertPending(ctx, testAnomaly("a3", "r1", "v2")); !created {
		t.Error("different entity should be created")
	}

	// closing the first frees the key
	if err := s.UpdateStatus(ctx, "a1", anomaly.StatusPending, anomaly.StatusUpdate{Status: anomaly.StatusFalsePositive, InvestigatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if created, _ := s.InsertPending(ctx, testAnomaly("a4", "r1", "v1")); !created {
		t.Error("closed anomaly should not block a new pending one")
	}
}

func TestStore_GetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertPending(ctx, testAnomaly("a1", "r1", "v1"))

	a, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := a.Evidence.Evidence.(evidence.Outlier)
	if !ok || ev.Value != 200 {
		t.Errorf("evidence = %#v", a.Evidence.Evidence)
	}
	if !a.DetectedAt.Equal(t0) || a.Status != anomaly.StatusPending || a.InvestigatedAt != nil {
		t.Errorf("anomaly = %+v", a)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, anomaly.ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestStore_UpdateStatusCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertPending(ctx, testAnomaly("a1", "r1", "v1"))

	u := anomaly.StatusUpdate{Status: anomaly.StatusConfirmed, Notes: "checked", InvestigatedAt: t0}
	if err := s.UpdateStatus(ctx, "a1", anomaly.StatusPending, u); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "a1", anomaly.StatusPending, u); !errors.Is(err, anomaly.ErrConflict) {
		t.Errorf("stale update error = %v, want ErrConflict", err)
	}
	if err := s.UpdateStatus(ctx, "nope", anomaly.StatusPending, u); !errors.Is(err, anomaly.ErrNotFound) {
		t.Errorf("missing update error = %v, want ErrNotFound", err)
	}

	a, _ := s.Get(ctx, "a1")
	if a.Notes != "checked" || a.InvestigatedAt == nil || !a.InvestigatedAt.Equal(t0) {
		t.Errorf("anomaly = %+v", a)
	}
}

func TestStore_Query(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a := testAnomaly(fmt.Sprintf("a%d", i), "r1", fmt.Sprintf("v%d", i))
		a.DetectedAt = t0.Add(time.Duration(i) * time.Hour)
		s.InsertPending(ctx, a)
	}
	other := testAnomaly("b1", "r2", "e1")
	other.EntityType = "employee"
	s.InsertPending(ctx, other)

	tests := []struct {
		name   string
		filter anomaly.Filter
		want   []string
	}{
		{"newest first with limit", anomaly.Filter{Limit: 2}, []string{"a4", "a3"}},
		{"offset only", anomaly.Filter{RuleID: "r1", Offset: 3}, []string{"a1", "a0"}},
		{"entity type", anomaly.Filter{EntityType: "employee"}, []string{"b1"}},
		{"rule set", anomaly.Filter{RuleIDs: []string{"r2"}}, []string{"b1"}},
		{"empty rule set", anomaly.Filter{RuleIDs: []string{}}, nil},
		{"date range", anomaly.Filter{From: t0.Add(time.Hour), To: t0.Add(3 * time.Hour)}, []string{"a2", "a1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d anomalies, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("result[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStore_WithService(t *testing.T) {
	s := openTestStore(t)
	svc := anomaly.NewService(s, nil, nil, nil)
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := svc.Upsert(ctx, anomaly.Candidate{
				RuleID: "r1", RuleName: "r1", EntityType: "vendor", EntityID: "v1",
				Score: 2, DetectedAt: t0, Evidence: evidence.Outlier{Value: 1},
			})
			if err != nil {
				t.Errorf("Upsert() error = %v", err)
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Errorf("created %d anomalies, want 1", created.Load())
	}
}
