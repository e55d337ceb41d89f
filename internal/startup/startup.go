// Package startup provides pre-flight diagnostics for the engine.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"anomaly-engine/internal/config"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/rules"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a connection; tests replace it to avoid the network.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Diagnostics runs the pre-flight checks.
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	dial        DialFunc
	dialTimeout time.Duration
	results     []DiagnosticResult
	logger      *slog.Logger
}

// NewDiagnostics creates a diagnostics runner for cfg loaded from configPath.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		dial:        net.DialTimeout,
		dialTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// WithDialer replaces the function used for connectivity checks.
func (d *Diagnostics) WithDialer(dial DialFunc) *Diagnostics {
	d.dial = dial
	return d
}

// RunAll runs every check and returns the results in order.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkRules()
	d.checkDataset(ctx)
	d.checkStorage(ctx)
	d.checkIntegrations()
	d.checkSecurityConfiguration()

	d.printSummary()
	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if d.configPath != "" {
		if fileExists(d.configPath) {
			d.addResult(DiagnosticResult{
				Name:    "config_file",
				Status:  StatusOK,
				Message: "Config file found",
				Details: map[string]string{"path": d.configPath},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "config_file",
				Status:  StatusWarning,
				Message: "Config file not found, using defaults",
				Details: map[string]string{"path": d.configPath},
			})
		}
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

// checkRules parses every configured rule path separately so one broken
// file does not hide the state of the others.
func (d *Diagnostics) checkRules() {
	total := 0
	for _, path := range d.cfg.Rules.Paths {
		name := fmt.Sprintf("rules_%s", path)
		parsed, err := rules.LoadFiles([]string{path})
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Rule files invalid: %s", err),
				Details: map[string]string{"path": path},
			})
			continue
		}
		total += len(parsed)
		status, message := StatusOK, fmt.Sprintf("%d rule(s) parsed", len(parsed))
		if len(parsed) == 0 {
			status, message = StatusWarning, "No rules found"
		}
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  status,
			Message: message,
			Details: map[string]string{"path": path},
		})
	}

	switch {
	case total > 0:
	case d.cfg.Rules.Builtin:
		d.addResult(DiagnosticResult{
			Name:    "rules_builtin",
			Status:  StatusOK,
			Message: fmt.Sprintf("Built-in pack of %d rules will be used", len(rules.Builtin())),
		})
	case d.cfg.Storage.Backend == config.BackendMemory:
		d.addResult(DiagnosticResult{
			Name:    "rules_builtin",
			Status:  StatusError,
			Message: "No rule files and the built-in pack is disabled",
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "rules_builtin",
			Status:  StatusWarning,
			Message: "No rule files; only rules already in storage will run",
		})
	}
}

func (d *Diagnostics) checkDataset(ctx context.Context) {
	switch d.cfg.Dataset.Backend {
	case config.BackendFixture:
		path := d.cfg.Dataset.FixturePath
		if _, err := dataset.LoadFixture(path); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "dataset",
				Status:  StatusError,
				Message: fmt.Sprintf("Fixture cannot be loaded: %s", err),
				Details: map[string]string{"path": path},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "dataset",
			Status:  StatusOK,
			Message: "Fixture loaded",
			Details: map[string]string{"path": path},
		})
	case config.BackendClickHouse:
		d.checkReachable(ctx, "dataset_clickhouse", "ClickHouse", d.cfg.Dataset.ClickHouse.Hosts)
	default:
		d.addResult(DiagnosticResult{
			Name:    "dataset",
			Status:  StatusWarning,
			Message: "In-memory dataset is empty; scans will find nothing",
		})
	}
}

func (d *Diagnostics) checkStorage(ctx context.Context) {
	switch d.cfg.Storage.Backend {
	case config.BackendSQLite:
		dir := filepath.Dir(d.cfg.Storage.SQLitePath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "storage",
				Status:  StatusError,
				Message: fmt.Sprintf("Failed to create directory: %s", err),
				Details: map[string]string{"path": dir},
			})
			return
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    "storage",
				Status:  StatusError,
				Message: fmt.Sprintf("Directory is not writable: %s", err),
				Details: map[string]string{"path": dir},
			})
			return
		}
		probe.Close()
		os.Remove(probe.Name())
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusOK,
			Message: "SQLite directory is writable",
			Details: map[string]string{"path": d.cfg.Storage.SQLitePath},
		})
	case config.BackendClickHouse:
		d.checkReachable(ctx, "storage_clickhouse", "ClickHouse", d.cfg.Storage.ClickHouse.Hosts)
	default:
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusWarning,
			Message: "Storage is in memory - anomalies will not survive a restart",
			Details: map[string]string{"recommendation": "Use the sqlite or clickhouse backend"},
		})
	}

	if d.cfg.Locking.Backend == config.BackendRedis {
		d.checkReachable(ctx, "locking_redis", "Redis", []string{d.cfg.Locking.Redis.Addr})
	}
}

func (d *Diagnostics) checkReachable(ctx context.Context, name, service string, hosts []string) {
	if len(hosts) == 0 {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("No %s hosts configured", service),
		})
		return
	}
	if ctx.Err() != nil {
		d.addResult(DiagnosticResult{Name: name, Status: StatusSkipped, Message: "Cancelled"})
		return
	}

	host := hosts[0]
	conn, err := d.dial("tcp", host, d.dialTimeout)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", service, err),
			Details: map[string]string{"host": host},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s is reachable", service),
		Details: map[string]string{"host": host},
	})
}

func (d *Diagnostics) checkIntegrations() {
	integrations := []struct {
		name    string
		enabled bool
	}{
		{"webhook", d.cfg.Alerting.Webhook.Enabled},
		{"kafka", d.cfg.Alerting.Kafka.Enabled},
		{"archive", d.cfg.Archive.Enabled},
		{"pushgateway", d.cfg.Metrics.Enabled},
	}

	enabled := 0
	for _, m := range integrations {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabled++
		}
		d.addResult(DiagnosticResult{
			Name:    fmt.Sprintf("integration_%s", m.name),
			Status:  status,
			Message: message,
		})
	}

	if len(d.cfg.Alerting.Thresholds) > 0 && !d.cfg.Alerting.Webhook.Enabled && !d.cfg.Alerting.Kafka.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "alert_delivery",
			Status:  StatusWarning,
			Message: "KPI thresholds are configured but no notifier is enabled",
			Details: map[string]string{"thresholds": fmt.Sprintf("%d", len(d.cfg.Alerting.Thresholds))},
		})
	}

	d.logger.Info("integrations summary", "enabled", enabled, "total", len(integrations))
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if !d.cfg.Engine.SanitizeErrors {
		d.addResult(DiagnosticResult{
			Name:    "sanitize_errors",
			Status:  StatusWarning,
			Message: "Error sanitization is DISABLED - archived reports may contain entity data",
			Details: map[string]string{"recommendation": "Set engine.sanitize_errors=true"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "sanitize_errors",
			Status:  StatusOK,
			Message: "Error sanitization is enabled",
		})
	}

	if d.cfg.Storage.Backend == config.BackendClickHouse && !d.cfg.Storage.ClickHouse.TLSEnabled {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse_tls",
			Status:  StatusWarning,
			Message: "ClickHouse connection is running WITHOUT TLS",
			Details: map[string]string{"recommendation": "Set storage.clickhouse.tls_enabled=true"},
		})
	}

	if d.cfg.Locking.Backend == config.BackendRedis && !d.cfg.Locking.Redis.TLSEnabled {
		d.addResult(DiagnosticResult{
			Name:    "redis_tls",
			Status:  StatusWarning,
			Message: "Redis connection is running WITHOUT TLS",
		})
	}

	if k := d.cfg.Alerting.Kafka; k.Enabled && k.TLSEnabled {
		if (k.TLSCertFile != "" && !fileExists(k.TLSCertFile)) || (k.TLSKeyFile != "" && !fileExists(k.TLSKeyFile)) {
			d.addResult(DiagnosticResult{
				Name:    "kafka_tls",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{
					"cert_file": k.TLSCertFile,
					"key_file":  k.TLSKeyFile,
				},
			})
		}
	}

	if w := d.cfg.Alerting.Webhook; w.Enabled {
		if u, err := url.Parse(w.URL); err == nil && u.Scheme == "http" {
			d.addResult(DiagnosticResult{
				Name:    "webhook_tls",
				Status:  StatusWarning,
				Message: "Webhook alerts are sent over plain HTTP",
				Details: map[string]string{"host": u.Host},
			})
		}
	}

	if fields := d.cfg.PlaintextSecrets(); len(fields) > 0 {
		d.addResult(DiagnosticResult{
			Name:    "plaintext_credentials",
			Status:  StatusWarning,
			Message: "Credentials are written in plain text in the config file",
			Details: map[string]string{
				"fields":         strings.Join(fields, ","),
				"recommendation": "Use env:NAME or file:path references",
			},
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("diagnostics found critical errors - scans may fail")
	} else if warnings > 0 {
		d.logger.Warn("diagnostics found warnings - review for production readiness")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// PrintBanner prints the startup banner
func PrintBanner(version string) {
	banner := `
╔══════════════════════════════════════════════╗
║                                              ║
║        A N O M A L Y   E N G I N E           ║
║                                              ║
║   Business data anomaly detection            ║
║                                              ║
╚══════════════════════════════════════════════╝
`
	fmt.Println(banner)
	fmt.Printf("  Version: %s\n\n", version)
}
