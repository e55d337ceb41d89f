// Package sqlite implements the engine's rule, baseline and anomaly stores on
// an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store persists rules, baselines and anomalies in one SQLite file.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the database at path and applies pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, storage.WrapConnectionError("Open", err)
	}
	// one writer; concurrent callers queue on the pool
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, storage.WrapConnectionError("Open", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := storage.LoadMigrations(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.Statements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Rules

type ruleRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Description string  `db:"description"`
	Category    string  `db:"category"`
	Method      string  `db:"method"`
	Threshold   float64 `db:"threshold"`
	Severity    string  `db:"severity"`
	Active      bool    `db:"active"`
	Params      string  `db:"params"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

// SaveRule inserts or replaces a rule by ID.
func (s *Store) SaveRule(ctx context.Context, rule rules.DetectionRule) error {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return storage.WrapDecodeError("SaveRule", "detection_rules", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO detection_rules
			(id, name, description, category, method, threshold, severity, active, params, created_at, updated_at)
		VALUES
			(:id, :name, :description, :category, :method, :threshold, :severity, :active, :params, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			method = excluded.method,
			threshold = excluded.threshold,
			severity = excluded.severity,
			active = excluded.active,
			params = excluded.params,
			updated_at = excluded.updated_at`,
		ruleRow{
			ID: rule.ID, Name: rule.Name, Description: rule.Description,
			Category: string(rule.Category), Method: string(rule.Method),
			Threshold: rule.Threshold, Severity: string(rule.Severity), Active: rule.Active,
			Params: string(params), CreatedAt: toNanos(rule.CreatedAt), UpdatedAt: toNanos(rule.UpdatedAt),
		})
	if err != nil {
		return storage.WrapQueryError("SaveRule", "detection_rules", err)
	}
	return nil
}

// ListRules returns every stored rule ordered by name.
func (s *Store) ListRules(ctx context.Context) ([]rules.DetectionRule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM detection_rules ORDER BY name"); err != nil {
		return nil, storage.WrapQueryError("ListRules", "detection_rules", err)
	}
	out := make([]rules.DetectionRule, 0, len(rows))
	for _, r := range rows {
		rule := rules.DetectionRule{
			ID: r.ID, Name: r.Name, Description: r.Description,
			Category: rules.Category(r.Category), Method: rules.Method(r.Method),
			Threshold: r.Threshold, Severity: rules.Severity(r.Severity), Active: r.Active,
			CreatedAt: fromNanos(r.CreatedAt), UpdatedAt: fromNanos(r.UpdatedAt),
		}
		if err := json.Unmarshal([]byte(r.Params), &rule.Params); err != nil {
			return nil, storage.WrapDecodeError("ListRules", "detection_rules", fmt.Errorf("rule %s params: %w", r.ID, err))
		}
		out = append(out, rule)
	}
	return out, nil
}

// Baselines

type baselineRow struct {
	Metric       string  `db:"metric"`
	EntityType   string  `db:"entity_type"`
	Period       string  `db:"period"`
	Mean         float64 `db:"mean"`
	StdDev       float64 `db:"std_dev"`
	Median       float64 `db:"median"`
	Q1           float64 `db:"q1"`
	Q3           float64 `db:"q3"`
	Min          float64 `db:"min"`
	Max          float64 `db:"max"`
	SampleSize   int     `db:"sample_size"`
	CalculatedAt int64   `db:"calculated_at"`
}

func (r baselineRow) baseline() baseline.Baseline {
	return baseline.Baseline{
		Key: baseline.Key{Metric: r.Metric, EntityType: r.EntityType, Period: r.Period},
		Stats: baseline.Stats{
			Mean: r.Mean, StdDev: r.StdDev, Median: r.Median, Q1: r.Q1, Q3: r.Q3,
			Min: r.Min, Max: r.Max, SampleSize: r.SampleSize,
		},
		CalculatedAt: fromNanos(r.CalculatedAt),
	}
}

// UpsertBaseline replaces the baseline stored for b.Key.
func (s *Store) UpsertBaseline(ctx context.Context, b baseline.Baseline) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO statistical_baselines
			(metric, entity_type, period, mean, std_dev, median, q1, q3, min, max, sample_size, calculated_at)
		VALUES
			(:metric, :entity_type, :period, :mean, :std_dev, :median, :q1, :q3, :min, :max, :sample_size, :calculated_at)`,
		baselineRow{
			Metric: b.Metric, EntityType: b.EntityType, Period: b.Period,
			Mean: b.Mean, StdDev: b.StdDev, Median: b.Median, Q1: b.Q1, Q3: b.Q3,
			Min: b.Min, Max: b.Max, SampleSize: b.SampleSize, CalculatedAt: toNanos(b.CalculatedAt),
		})
	if err != nil {
		return storage.WrapQueryError("UpsertBaseline", "statistical_baselines", err)
	}
	return nil
}

// GetBaseline returns the baseline for key, if any.
func (s *Store) GetBaseline(ctx context.Context, key baseline.Key) (baseline.Baseline, bool, error) {
	var row baselineRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM statistical_baselines WHERE metric = ? AND entity_type = ? AND period = ?",
		key.Metric, key.EntityType, key.Period)
	if errors.Is(err, sql.ErrNoRows) {
		return baseline.Baseline{}, false, nil
	}
	if err != nil {
		return baseline.Baseline{}, false, storage.WrapQueryError("GetBaseline", "statistical_baselines", err)
	}
	return row.baseline(), true, nil
}

// ListBaselines returns every stored baseline.
func (s *Store) ListBaselines(ctx context.Context) ([]baseline.Baseline, error) {
	var rows []baselineRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM statistical_baselines ORDER BY entity_type, metric, period"); err != nil {
		return nil, storage.WrapQueryError("ListBaselines", "statistical_baselines", err)
	}
	out := make([]baseline.Baseline, len(rows))
	for i, r := range rows {
		out[i] = r.baseline()
	}
	return out, nil
}

// Anomalies

type anomalyRow struct {
	ID             string        `db:"id"`
	RuleID         string        `db:"rule_id"`
	RuleName       string        `db:"rule_name"`
	EntityType     string        `db:"entity_type"`
	EntityID       string        `db:"entity_id"`
	Score          float64       `db:"score"`
	Evidence       string        `db:"evidence"`
	DetectedAt     int64         `db:"detected_at"`
	InvestigatedAt sql.NullInt64 `db:"investigated_at"`
	Status         string        `db:"status"`
	Notes          string        `db:"notes"`
	ScanID         string        `db:"scan_id"`
}

func (r anomalyRow) anomaly() (anomaly.Anomaly, error) {
	a := anomaly.Anomaly{
		ID: r.ID, RuleID: r.RuleID, RuleName: r.RuleName, EntityType: r.EntityType,
		EntityID: r.EntityID, Score: r.Score, DetectedAt: fromNanos(r.DetectedAt),
		Status: anomaly.Status(r.Status), Notes: r.Notes, ScanID: r.ScanID,
	}
	if r.InvestigatedAt.Valid {
		t := fromNanos(r.InvestigatedAt.Int64)
		a.InvestigatedAt = &t
	}
	ev, err := evidence.Unmarshal([]byte(r.Evidence))
	if err != nil {
		return a, storage.WrapDecodeError("Scan", "anomalies", fmt.Errorf("anomaly %s evidence: %w", r.ID, err))
	}
	a.Evidence = evidence.Envelope{Evidence: ev}
	return a, nil
}

// InsertPending relies on the partial unique index: a second pending row
// for the same key is ignored.
func (s *Store) InsertPending(ctx context.Context, a anomaly.Anomaly) (bool, error) {
	ev, err := json.Marshal(a.Evidence)
	if err != nil {
		return false, storage.WrapDecodeError("InsertPending", "anomalies", err)
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO anomalies
			(id, rule_id, rule_name, entity_type, entity_id, score, evidence, detected_at, status, notes, scan_id)
		VALUES
			(:id, :rule_id, :rule_name, :entity_type, :entity_id, :score, :evidence, :detected_at, :status, :notes, :scan_id)`,
		anomalyRow{
			ID: a.ID, RuleID: a.RuleID, RuleName: a.RuleName, EntityType: a.EntityType,
			EntityID: a.EntityID, Score: a.Score, Evidence: string(ev), DetectedAt: toNanos(a.DetectedAt),
			Status: string(anomaly.StatusPending), Notes: a.Notes, ScanID: a.ScanID,
		})
	if err != nil {
		return false, storage.WrapQueryError("InsertPending", "anomalies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WrapQueryError("InsertPending", "anomalies", err)
	}
	return n == 1, nil
}

// Get returns one anomaly.
func (s *Store) Get(ctx context.Context, id string) (anomaly.Anomaly, error) {
	var row anomalyRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM anomalies WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return anomaly.Anomaly{}, anomaly.ErrNotFound
	}
	if err != nil {
		return anomaly.Anomaly{}, storage.WrapQueryError("Get", "anomalies", err)
	}
	return row.anomaly()
}

// UpdateStatus is a compare-and-set on the current status.
func (s *Store) UpdateStatus(ctx context.Context, id string, from anomaly.Status, u anomaly.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE anomalies SET status = ?, notes = ?, investigated_at = ? WHERE id = ? AND status = ?",
		string(u.Status), u.Notes, toNanos(u.InvestigatedAt), id, string(from))
	if err != nil {
		return storage.WrapQueryError("UpdateStatus", "anomalies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.WrapQueryError("UpdateStatus", "anomalies", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return anomaly.ErrConflict
}

// Query returns anomalies matching f, newest first.
func (s *Store) Query(ctx context.Context, f anomaly.Filter) ([]anomaly.Anomaly, error) {
	query, args, err := buildQuery(f)
	if err != nil {
		return nil, storage.WrapQueryError("Query", "anomalies", err)
	}
	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, storage.WrapQueryError("Query", "anomalies", err)
	}
	out := make([]anomaly.Anomaly, 0, len(rows))
	for _, r := range rows {
		a, err := r.anomaly()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func buildQuery(f anomaly.Filter) (string, []any, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}

	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.RuleID != "" {
		add("rule_id = ?", f.RuleID)
	}
	if f.RuleIDs != nil {
		if len(f.RuleIDs) == 0 {
			where = append(where, "0 = 1")
		} else {
			add("rule_id IN (?)", f.RuleIDs)
		}
	}
	if !f.From.IsZero() {
		add("detected_at >= ?", f.From.UnixNano())
	}
	if !f.To.IsZero() {
		add("detected_at < ?", f.To.UnixNano())
	}

	query := "SELECT * FROM anomalies"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id ASC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)
	}
	return sqlx.In(query, args...)
}
