package startup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anomaly-engine/internal/config"
	"anomaly-engine/internal/reporting"
)

// ---------- helpers ----------

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// okDialer pretends every host accepts connections.
func okDialer(network, address string, timeout time.Duration) (net.Conn, error) {
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func failDialer(network, address string, timeout time.Duration) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

// newTestDiagnostics returns diagnostics over a valid default config whose
// fixture and rule file exist in a temp dir.
func newTestDiagnostics(t *testing.T) (*Diagnostics, *config.Config, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	fixture := filepath.Join(dir, "dataset.yaml")
	if err := os.WriteFile(fixture, []byte("observations: []\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Dataset.FixturePath = fixture

	var buf bytes.Buffer
	d := NewDiagnostics(cfg, filepath.Join(dir, "config.yaml"), newTestLogger(&buf)).WithDialer(okDialer)
	return d, cfg, &buf
}

func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func findResultsPrefix(results []DiagnosticResult, prefix string) []DiagnosticResult {
	var out []DiagnosticResult
	for _, r := range results {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func requireStatus(t *testing.T, results []DiagnosticResult, name string, want Status) {
	t.Helper()
	r := findResult(results, name)
	if r == nil {
		t.Fatalf("no %q result in %+v", name, results)
	}
	if r.Status != want {
		t.Errorf("%s status = %s (%s), want %s", name, r.Status, r.Message, want)
	}
}

// ---------- Status ----------

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.status.String(); got != tt.expected {
				t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.expected)
			}
		})
	}
}

// ---------- addResult / HasErrors / HasWarnings ----------

func TestAddResult(t *testing.T) {
	tests := []struct {
		status  Status
		logWord string
	}{
		{StatusOK, "diagnostic check passed"},
		{StatusWarning, "diagnostic check warning"},
		{StatusError, "diagnostic check failed"},
		{StatusSkipped, "diagnostic check skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			var buf bytes.Buffer
			d := NewDiagnostics(config.DefaultConfig(), "", newTestLogger(&buf))
			d.addResult(DiagnosticResult{Name: "probe", Status: tt.status, Details: map[string]string{"k": "v"}})

			if len(d.Results()) != 1 {
				t.Fatalf("results = %d, want 1", len(d.Results()))
			}
			if !strings.Contains(buf.String(), tt.logWord) || !strings.Contains(buf.String(), "k=v") {
				t.Errorf("log = %q, want %q with details", buf.String(), tt.logWord)
			}
		})
	}
}

func TestHasErrorsAndWarnings(t *testing.T) {
	d := NewDiagnostics(config.DefaultConfig(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if d.HasErrors() || d.HasWarnings() {
		t.Fatal("empty diagnostics reported problems")
	}

	d.addResult(DiagnosticResult{Name: "a", Status: StatusWarning})
	if d.HasErrors() || !d.HasWarnings() {
		t.Errorf("after warning: errors=%v warnings=%v", d.HasErrors(), d.HasWarnings())
	}

	d.addResult(DiagnosticResult{Name: "b", Status: StatusError})
	if !d.HasErrors() {
		t.Error("HasErrors() = false after an error result")
	}
}

// ---------- RunAll ----------

func TestRunAll_Defaults(t *testing.T) {
	d, _, buf := newTestDiagnostics(t)
	results := d.RunAll(context.Background())

	requireStatus(t, results, "runtime", StatusOK)
	requireStatus(t, results, "config_file", StatusWarning)
	requireStatus(t, results, "config_validation", StatusOK)
	requireStatus(t, results, "rules_builtin", StatusOK)
	requireStatus(t, results, "dataset", StatusOK)
	requireStatus(t, results, "storage", StatusWarning)
	requireStatus(t, results, "sanitize_errors", StatusWarning)

	if got := findResultsPrefix(results, "integration_"); len(got) != 4 {
		t.Errorf("integration results = %d, want 4", len(got))
	}
	if d.HasErrors() {
		t.Errorf("defaults reported errors: %+v", results)
	}
	if !strings.Contains(buf.String(), "diagnostics summary") {
		t.Error("summary was not logged")
	}
}

func TestCheckConfiguration(t *testing.T) {
	t.Run("config file present", func(t *testing.T) {
		d, _, _ := newTestDiagnostics(t)
		if err := os.WriteFile(d.configPath, []byte("engine: {}\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		d.checkConfiguration()
		requireStatus(t, d.Results(), "config_file", StatusOK)
	})

	t.Run("invalid config", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Engine.Concurrency = 0
		d.checkConfiguration()
		requireStatus(t, d.Results(), "config_validation", StatusError)
		if r := findResult(d.Results(), "config_validation"); !strings.Contains(r.Message, "engine.concurrency") {
			t.Errorf("message = %q", r.Message)
		}
	})
}

func TestCheckRules(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	empty := filepath.Join(dir, "empty")
	os.WriteFile(good, []byte(`rules:
  - name: weekend logins
    category: temporal
    method: hourly_deviation
    threshold: 1
    severity: low
    params:
      entity_type: user
      action: login
`), 0o600)
	os.WriteFile(bad, []byte("rules:\n  - name: broken\n    category: nonsense\n"), 0o600)
	os.Mkdir(empty, 0o750)

	tests := []struct {
		name    string
		paths   []string
		builtin bool
		check   string
		want    Status
	}{
		{"valid file", []string{good}, false, "rules_" + good, StatusOK},
		{"invalid file", []string{bad}, true, "rules_" + bad, StatusError},
		{"missing path", []string{filepath.Join(dir, "none.yaml")}, true, "rules_" + filepath.Join(dir, "none.yaml"), StatusError},
		{"empty directory", []string{empty}, true, "rules_" + empty, StatusWarning},
		{"no rules at all", nil, false, "rules_builtin", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg, _ := newTestDiagnostics(t)
			cfg.Rules.Paths = tt.paths
			cfg.Rules.Builtin = tt.builtin
			d.checkRules()
			requireStatus(t, d.Results(), tt.check, tt.want)
		})
	}
}

func TestCheckRules_StoredRulesOnly(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Rules.Builtin = false
	cfg.Storage.Backend = config.BackendSQLite
	d.checkRules()
	requireStatus(t, d.Results(), "rules_builtin", StatusWarning)
}

func TestCheckDataset(t *testing.T) {
	t.Run("missing fixture", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Dataset.FixturePath = filepath.Join(t.TempDir(), "none.yaml")
		d.checkDataset(context.Background())
		requireStatus(t, d.Results(), "dataset", StatusError)
	})

	t.Run("memory", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Dataset.Backend = config.BackendMemory
		d.checkDataset(context.Background())
		requireStatus(t, d.Results(), "dataset", StatusWarning)
	})

	t.Run("clickhouse unreachable", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Dataset.Backend = config.BackendClickHouse
		cfg.Dataset.ClickHouse.Hosts = []string{"ch:9000"}
		d.WithDialer(failDialer).checkDataset(context.Background())
		requireStatus(t, d.Results(), "dataset_clickhouse", StatusError)
	})

	t.Run("clickhouse without hosts", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Dataset.Backend = config.BackendClickHouse
		cfg.Dataset.ClickHouse.Hosts = nil
		d.checkDataset(context.Background())
		requireStatus(t, d.Results(), "dataset_clickhouse", StatusError)
	})
}

func TestCheckStorage(t *testing.T) {
	t.Run("sqlite directory created", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		dir := filepath.Join(t.TempDir(), "nested", "state")
		cfg.Storage.Backend = config.BackendSQLite
		cfg.Storage.SQLitePath = filepath.Join(dir, "anomaly.db")
		d.checkStorage(context.Background())

		requireStatus(t, d.Results(), "storage", StatusOK)
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("probe file left behind: %v", entries)
		}
	})

	t.Run("sqlite path under a file", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		file := filepath.Join(t.TempDir(), "file")
		os.WriteFile(file, nil, 0o600)
		cfg.Storage.Backend = config.BackendSQLite
		cfg.Storage.SQLitePath = filepath.Join(file, "anomaly.db")
		d.checkStorage(context.Background())
		requireStatus(t, d.Results(), "storage", StatusError)
	})

	t.Run("clickhouse and redis reachable", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Storage.Backend = config.BackendClickHouse
		cfg.Locking.Backend = config.BackendRedis
		d.checkStorage(context.Background())
		requireStatus(t, d.Results(), "storage_clickhouse", StatusOK)
		requireStatus(t, d.Results(), "locking_redis", StatusOK)
	})

	t.Run("cancelled context", func(t *testing.T) {
		d, cfg, _ := newTestDiagnostics(t)
		cfg.Storage.Backend = config.BackendClickHouse
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d.checkStorage(ctx)
		requireStatus(t, d.Results(), "storage_clickhouse", StatusSkipped)
	})
}

func TestCheckIntegrations(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Alerting.Thresholds = []reporting.Threshold{{Name: "backlog", KPI: "total", Op: reporting.OpGT, Value: 10}}
	cfg.Archive.Enabled = true
	d.checkIntegrations()

	requireStatus(t, d.Results(), "integration_archive", StatusOK)
	requireStatus(t, d.Results(), "integration_webhook", StatusSkipped)
	requireStatus(t, d.Results(), "alert_delivery", StatusWarning)
}

func TestCheckSecurityConfiguration(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Engine.SanitizeErrors = true
	cfg.Storage.Backend = config.BackendClickHouse
	cfg.Locking.Backend = config.BackendRedis
	cfg.Alerting.Webhook.Enabled = true
	cfg.Alerting.Webhook.URL = "http://hooks.internal/alerts"
	cfg.Alerting.Kafka.Enabled = true
	cfg.Alerting.Kafka.TLSEnabled = true
	cfg.Alerting.Kafka.TLSCertFile = "/nonexistent/client.crt"
	d.checkSecurityConfiguration()

	results := d.Results()
	requireStatus(t, results, "sanitize_errors", StatusOK)
	requireStatus(t, results, "clickhouse_tls", StatusWarning)
	requireStatus(t, results, "redis_tls", StatusWarning)
	requireStatus(t, results, "kafka_tls", StatusError)
	requireStatus(t, results, "webhook_tls", StatusWarning)
}

func TestCheckSecurityConfiguration_PlaintextCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("locking:\n  redis:\n    password: hunter2\n"), 0o600)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	d := NewDiagnostics(cfg, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.checkSecurityConfiguration()
	requireStatus(t, d.Results(), "plaintext_credentials", StatusWarning)
	if r := findResult(d.Results(), "plaintext_credentials"); r.Details["fields"] != "locking.redis.password" {
		t.Errorf("details = %v", r.Details)
	}
}

// ---------- helpers under test ----------

func TestFileExists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "exists")
	os.WriteFile(file, nil, 0o600)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"empty path", "", false},
		{"existing file", file, true},
		{"missing file", file + ".missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fileExists(tt.path); got != tt.want {
				t.Errorf("fileExists(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPrintBanner(t *testing.T) {
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	PrintBanner("1.2.3")
	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	if !strings.Contains(buf.String(), "Version: 1.2.3") || !strings.Contains(buf.String(), "A N O M A L Y") {
		t.Errorf("banner = %q", buf.String())
	}
}
