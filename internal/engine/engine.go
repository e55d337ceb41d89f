// Package engine wires configuration to backends and exposes the four
// engine operations: full scan, anomaly listing, investigation updates and
// summary reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/config"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/kafka"
	"anomaly-engine/internal/locks"
	"anomaly-engine/internal/metrics"
	"anomaly-engine/internal/reporting"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/scan"
	"anomaly-engine/internal/storage"
	"anomaly-engine/internal/storage/s3"
	"anomaly-engine/internal/storage/sqlite"
)

// Engine is the assembled anomaly detection engine.
type Engine struct {
	cfg          *config.Config
	registry     *rules.Registry
	source       dataset.Source
	baselines    baseline.Store
	anomalies    *anomaly.Service
	orchestrator *scan.Orchestrator
	reporter     *reporting.Reporter
	metrics      *metrics.ScanMetrics
	gatherer     prometheus.Gatherer
	logger       *slog.Logger

	closers []func() error
}

// stores groups the persistence backends selected by storage.backend.
type stores struct {
	rules     rules.Store
	baselines baseline.Store
	anomalies anomaly.Store
}

// New builds an Engine from cfg. Resources opened before a failure are closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Engine, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	st, err := e.openStores(ctx)
	if err != nil {
		return nil, err
	}
	e.baselines = st.baselines

	e.registry = rules.NewRegistry(st.rules)
	if err := e.loadRules(ctx); err != nil {
		return nil, err
	}

	if e.source, err = e.openDataset(); err != nil {
		return nil, err
	}

	locker, err := e.openLocker()
	if err != nil {
		return nil, err
	}
	e.anomalies = anomaly.NewService(st.anomalies, locker, e.registry, logger)

	promRegistry := prometheus.NewRegistry()
	e.gatherer = promRegistry
	if e.metrics, err = metrics.NewScanMetrics(promRegistry); err != nil {
		return nil, err
	}

	hooks, notifiers, err := e.openIntegrations(ctx, promRegistry)
	if err != nil {
		return nil, err
	}

	calc := baseline.NewCalculator(e.source, st.baselines, e.registry, baseline.CalculatorConfig{
		MetricTimeout: cfg.Engine.MetricTimeout,
		Concurrency:   cfg.Engine.Concurrency,
	}, logger)

	e.orchestrator, err = scan.NewOrchestrator(scan.Config{
		ScanTimeout:     cfg.Engine.ScanTimeout,
		CategoryTimeout: cfg.Engine.CategoryTimeout,
		Window:          cfg.Engine.Window(),
	}, scan.Dependencies{
		Rules:        e.registry,
		Source:       e.source,
		Refresher:    calc,
		Baselines:    st.baselines,
		Anomalies:    e.anomalies,
		Locker:       locker,
		Hooks:        hooks,
		HookFailures: e.metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := reporting.NewDispatcher(cfg.Alerting.Delivery, notifiers, logger)
	dispatcher.OnRaised(func(a reporting.Alert) { e.metrics.RecordAlert(a.KPI) })
	e.reporter = reporting.NewReporter(e.anomalies, cfg.Alerting.Config, dispatcher, logger)

	logger.Info("engine initialized",
		"storage", cfg.Storage.Backend,
		"dataset", cfg.Dataset.Backend,
		"locking", cfg.Locking.Backend,
		"rules", len(e.registry.List(rules.ListOptions{})),
		"hooks", len(hooks),
		"notifiers", len(notifiers),
	)
	return e, nil
}

func (e *Engine) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

func (e *Engine) openStores(ctx context.Context) (stores, error) {
	switch e.cfg.Storage.Backend {
	case config.BackendSQLite:
		path := e.cfg.Storage.SQLitePath
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return stores{}, fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		db, err := sqlite.Open(ctx, path, e.logger)
		if err != nil {
			return stores{}, err
		}
		e.onClose(db.Close)
		e.logger.Info("sqlite storage opened", "path", path)
		return stores{rules: db, baselines: db, anomalies: db}, nil

	case config.BackendClickHouse:
		client, err := storage.NewClickHouseClient(e.cfg.Storage.ClickHouse)
		if err != nil {
			return stores{}, err
		}
		e.onClose(client.Close)

		applied, err := storage.NewMigrator(client, e.logger).Run(ctx)
		if err != nil {
			return stores{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		if err := storage.NewRetentionManager(client, e.cfg.Storage.Retention, e.logger).ApplyTTLs(ctx); err != nil {
			e.logger.Warn("failed to apply retention policies", "error", err)
		}
		e.logger.Info("clickhouse storage opened",
			"hosts", e.cfg.Storage.ClickHouse.Hosts,
			"database", e.cfg.Storage.ClickHouse.Database,
			"migrations_applied", applied,
		)
		return stores{
			rules:     storage.NewRuleRepository(client),
			baselines: storage.NewBaselineRepository(client),
			anomalies: storage.NewAnomalyRepository(client),
		}, nil

	default:
		return stores{
			baselines: baseline.NewMemoryStore(),
			anomalies: anomaly.NewMemoryStore(),
		}, nil
	}
}

// loadRules hydrates stored rules, then registers file rules that are not
// yet known by name. The built-in pack is registered only into an empty registry.
func (e *Engine) loadRules(ctx context.Context) error {
	stored, err := e.registry.Load(ctx)
	if err != nil {
		return err
	}

	fileRules, err := rules.LoadFiles(e.cfg.Rules.Paths)
	if err != nil {
		return fmt.Errorf("failed to load rule files: %w", err)
	}
	added := 0
	for _, r := range fileRules {
		if _, err := e.registry.Get(r.Name); err == nil {
			continue
		}
		if _, err := e.registry.Create(ctx, r); err != nil {
			return err
		}
		added++
	}

	builtin := 0
	if e.cfg.Rules.Builtin && len(e.registry.List(rules.ListOptions{})) == 0 {
		pack := rules.Builtin()
		if err := e.registry.CreateAll(ctx, pack); err != nil {
			return fmt.Errorf("failed to register built-in rules: %w", err)
		}
		builtin = len(pack)
	}

	e.logger.Info("rules loaded", "stored", stored, "files", added, "builtin", builtin)
	return nil
}

func (e *Engine) openDataset() (dataset.Source, error) {
	switch e.cfg.Dataset.Backend {
	case config.BackendClickHouse:
		client, err := storage.NewClickHouseClient(e.cfg.Dataset.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to dataset: %w", err)
		}
		e.onClose(client.Close)
		return storage.NewDatasetSource(client, e.cfg.Dataset.Tables), nil
	case config.BackendMemory:
		return dataset.NewMemorySource(), nil
	default:
		src, err := dataset.LoadFixture(e.cfg.Dataset.FixturePath)
		if err != nil {
			return nil, err
		}
		e.logger.Info("dataset fixture loaded", "path", e.cfg.Dataset.FixturePath)
		return src, nil
	}
}

func (e *Engine) openLocker() (locks.Locker, error) {
	if e.cfg.Locking.Backend != config.BackendRedis {
		return locks.NewKeyedMutex(), nil
	}
	locker, err := locks.NewRedisLocker(e.cfg.Locking.Redis, e.logger)
	if err != nil {
		return nil, err
	}
	e.onClose(locker.Close)
	return locker, nil
}

// openIntegrations builds the post-scan hooks and alert notifiers enabled
// in the configuration. The metrics hook always runs; pushing is optional.
func (e *Engine) openIntegrations(ctx context.Context, gatherer prometheus.Gatherer) ([]scan.Hook, []reporting.Notifier, error) {
	var hooks []scan.Hook
	var notifiers []reporting.Notifier

	if e.cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, &e.cfg.Archive.S3, e.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		hooks = append(hooks, scan.NewArchiveHook(s3.NewReportArchiver(client, e.cfg.Archive.Compress)))
	}

	if e.cfg.Alerting.Kafka.Enabled {
		publisher, err := kafka.NewPublisher(ctx, &e.cfg.Alerting.Kafka.Config, e.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		e.onClose(publisher.Close)
		hooks = append(hooks, scan.NewPublishHook(publisher))
		notifiers = append(notifiers, reporting.NewKafkaNotifier(publisher))
	}

	var pusher scan.Pusher
	if e.cfg.Metrics.Enabled {
		p, err := metrics.NewPusher(e.cfg.Metrics.PushConfig, gatherer, e.logger)
		if err != nil {
			return nil, nil, err
		}
		pusher = p
	}
	hooks = append(hooks, scan.NewMetricsHook(e.metrics, pusher))

	if e.cfg.Alerting.Webhook.Enabled {
		notifiers = append(notifiers, reporting.NewWebhookNotifier(e.cfg.Alerting.Webhook.WebhookConfig))
	}
	return hooks, notifiers, nil
}

// RunFullScan runs one full detection pass.
func (e *Engine) RunFullScan(ctx context.Context) (*scan.Report, error) {
	return e.orchestrator.RunFullScan(ctx)
}

// ListAnomalies returns anomalies matching f, newest first.
func (e *Engine) ListAnomalies(ctx context.Context, f anomaly.Filter) ([]anomaly.Anomaly, error) {
	return e.anomalies.Query(ctx, f)
}

// GetAnomaly returns one anomaly.
func (e *Engine) GetAnomaly(ctx context.Context, id string) (anomaly.Anomaly, error) {
	return e.anomalies.Get(ctx, id)
}

// UpdateInvestigation moves an anomaly to status and appends notes.
func (e *Engine) UpdateInvestigation(ctx context.Context, id string, status anomaly.Status, notes string) (anomaly.Anomaly, error) {
	return e.anomalies.Transition(ctx, id, status, notes)
}

// GenerateReport summarises the last windowDays days and dispatches raised alerts.
func (e *Engine) GenerateReport(ctx context.Context, windowDays int) (*reporting.Summary, error) {
	return e.reporter.Generate(ctx, windowDays)
}

// Rules returns the rule registry.
func (e *Engine) Rules() *rules.Registry {
	return e.registry
}

// Gatherer exposes the engine's metrics registry.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.gatherer
}

// Close releases every backend in reverse order of opening.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
