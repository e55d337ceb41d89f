package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*ScanMetrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := NewScanMetrics(registry)
	if err != nil {
		t.Fatalf("NewScanMetrics() error = %v", err)
	}
	return m, registry
}

func TestNewScanMetricsRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewScanMetrics(registry); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewScanMetrics(registry); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRecordCategory(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCategory(CategoryResult{Category: "statistical", Duration: time.Second, Findings: 4, Created: 3, Duplicates: 1, Errors: 0, Skipped: 2})
	m.RecordCategory(CategoryResult{Category: "statistical", Duration: time.Second, Findings: 4, Created: 0, Duplicates: 4})

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"findings", m.findingsTotal.WithLabelValues("statistical"), 8},
		{"created", m.anomaliesCreated.WithLabelValues("statistical"), 3},
		{"duplicates", m.duplicatesTotal.WithLabelValues("statistical"), 5},
		{"errors", m.categoryErrors.WithLabelValues("statistical"), 0},
		{"skipped", m.skippedEntities.WithLabelValues("statistical"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordScanAndBaselines(t *testing.T) {
	m, registry := newTestMetrics(t)
	finished := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m.RecordScan("completed", 12*time.Second, finished)
	m.RecordScan("partial", 3*time.Second, finished)
	m.RecordBaselines(5, 1, 2)
	m.RecordAlert("total")
	m.RecordHookFailure("archive")

	if got := testutil.ToFloat64(m.scansTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed scans = %v", got)
	}
	if got := testutil.ToFloat64(m.lastScanTimestamp); got != float64(finished.Unix()) {
		t.Errorf("last scan timestamp = %v", got)
	}
	if got := testutil.ToFloat64(m.baselinesTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed baselines = %v", got)
	}
	if got := testutil.ToFloat64(m.alertsRaised.WithLabelValues("total")); got != 1 {
		t.Errorf("alerts = %v", got)
	}

	count, err := testutil.GatherAndCount(registry, "anomaly_engine_scan_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestPusher(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, registry := newTestMetrics(t)
	m.RecordScan("completed", time.Second, time.Now())

	p, err := NewPusher(PushConfig{URL: srv.URL, Grouping: map[string]string{"env": "test"}}, registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPusher() error = %v", err)
	}
	if err := p.Push(context.Background()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/metrics/job/anomaly_engine/env/test" {
		t.Errorf("path = %s", path)
	}
	if !strings.Contains(body, "anomaly_engine_scan_runs_total") {
		t.Error("pushed body missing scan counter")
	}
}

func TestPusherErrors(t *testing.T) {
	if _, err := NewPusher(PushConfig{}, prometheus.NewRegistry(), nil); err == nil {
		t.Error("expected error for empty url")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, registry := newTestMetrics(t)
	m.RecordAlert("total")
	p, err := NewPusher(PushConfig{URL: srv.URL}, registry, nil)
	if err != nil {
		t.Fatalf("NewPusher() error = %v", err)
	}
	if err := p.Push(context.Background()); err == nil {
		t.Error("expected push error on 500")
	}
}
