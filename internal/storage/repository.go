package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

const (
	tableRules     = "detection_rules"
	tableBaselines = "statistical_baselines"
	tableAnomalies = "anomalies"
)

// Conn is the subset of the ClickHouse client used by repositories.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

func nextVersion() uint64 {
	return uint64(time.Now().UnixNano())
}

// RuleRepository persists detection rules. It implements rules.Store.
type RuleRepository struct {
	conn Conn
}

// NewRuleRepository creates a RuleRepository.
func NewRuleRepository(conn Conn) *RuleRepository {
	return &RuleRepository{conn: conn}
}

func (r *RuleRepository) SaveRule(ctx context.Context, rule rules.DetectionRule) error {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return WrapDecodeError("SaveRule", tableRules, err)
	}
	err = r.conn.Exec(ctx, `
		INSERT INTO detection_rules
			(id, name, description, category, method, threshold, severity, active, params, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, string(rule.Category), string(rule.Method),
		rule.Threshold, string(rule.Severity), rule.Active, string(params),
		rule.CreatedAt, rule.UpdatedAt, nextVersion(),
	)
	if err != nil {
		return WrapQueryError("SaveRule", tableRules, err)
	}
	return nil
}

func (r *RuleRepository) ListRules(ctx context.Context) ([]rules.DetectionRule, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, name, description, category, method, threshold, severity, active, params, created_at, updated_at
		FROM detection_rules FINAL
		ORDER BY name`)
	if err != nil {
		return nil, WrapQueryError("ListRules", tableRules, err)
	}
	defer rows.Close()

	var out []rules.DetectionRule
	for rows.Next() {
		var (
			rule                             rules.DetectionRule
			category, method, severity, args string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Description, &category, &method,
			&rule.Threshold, &severity, &rule.Active, &args, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, WrapQueryError("ListRules", tableRules, err)
		}
		rule.Category = rules.Category(category)
		rule.Method = rules.Method(method)
		rule.Severity = rules.Severity(severity)
		if err := json.Unmarshal([]byte(args), &rule.Params); err != nil {
			return nil, WrapDecodeError("ListRules", tableRules, fmt.Errorf("rule %s params: %w", rule.ID, err))
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ListRules", tableRules, err)
	}
	return out, nil
}

// BaselineRepository persists statistical baselines. It implements baseline.Store.
type BaselineRepository struct {
	conn Conn
}

// NewBaselineRepository creates a BaselineRepository.
func NewBaselineRepository(conn Conn) *BaselineRepository {
	return &BaselineRepository{conn: conn}
}

const baselineColumns = `metric, entity_type, period, mean, std_dev, median, q1, q3, min, max, sample_size, calculated_at`

func (r *BaselineRepository) UpsertBaseline(ctx context.Context, b baseline.Baseline) error {
	err := r.conn.Exec(ctx, `INSERT INTO statistical_baselines (`+baselineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Metric, b.EntityType, b.Period, b.Mean, b.StdDev, b.Median, b.Q1, b.Q3,
		b.Min, b.Max, uint64(b.SampleSize), b.CalculatedAt,
	)
	if err != nil {
		return WrapQueryError("UpsertBaseline", tableBaselines, err)
	}
	return nil
}

func scanBaseline(rows driver.Rows) (baseline.Baseline, error) {
	var b baseline.Baseline
	var n uint64
	err := rows.Scan(&b.Metric, &b.EntityType, &b.Period, &b.Mean, &b.StdDev, &b.Median,
		&b.Q1, &b.Q3, &b.Min, &b.Max, &n, &b.CalculatedAt)
	b.SampleSize = int(n)
	return b, err
}

func (r *BaselineRepository) GetBaseline(ctx context.Context, key baseline.Key) (baseline.Baseline, bool, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+baselineColumns+`
		FROM statistical_baselines FINAL
		WHERE metric = ? AND entity_type = ? AND period = ?
		LIMIT 1`, key.Metric, key.EntityType, key.Period)
	if err != nil {
		return baseline.Baseline{}, false, WrapQueryError("GetBaseline", tableBaselines, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return baseline.Baseline{}, false, rows.Err()
	}
	b, err := scanBaseline(rows)
	if err != nil {
		return baseline.Baseline{}, false, WrapQueryError("GetBaseline", tableBaselines, err)
	}
	return b, true, nil
}

func (r *BaselineRepository) ListBaselines(ctx context.Context) ([]baseline.Baseline, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+baselineColumns+`
		FROM statistical_baselines FINAL
		ORDER BY entity_type, metric, period`)
	if err != nil {
		return nil, WrapQueryError("ListBaselines", tableBaselines, err)
	}
	defer rows.Close()

	var out []baseline.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, WrapQueryError("ListBaselines", tableBaselines, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AnomalyRepository persists anomalies as versioned rows. It implements
// anomaly.Store. The open-anomaly uniqueness check and the status
// compare-and-set rely on the caller holding the per-key lock.
type AnomalyRepository struct {
	conn Conn
}

// NewAnomalyRepository creates an AnomalyRepository.
func NewAnomalyRepository(conn Conn) *AnomalyRepository {
	return &AnomalyRepository{conn: conn}
}

const anomalyColumns = `id, rule_id, rule_name, entity_type, entity_id, score, evidence, detected_at, investigated_at, status, notes, scan_id`

func (r *AnomalyRepository) write(ctx context.Context, op string, a anomaly.Anomaly) error {
	ev, err := json.Marshal(a.Evidence)
	if err != nil {
		return WrapDecodeError(op, tableAnomalies, err)
	}
	err = r.conn.Exec(ctx, `INSERT INTO anomalies (`+anomalyColumns+`, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.RuleName, a.EntityType, a.EntityID, a.Score, string(ev),
		a.DetectedAt, a.InvestigatedAt, string(a.Status), a.Notes, a.ScanID,
		time.Now().UTC(), nextVersion(),
	)
	if err != nil {
		return WrapQueryError(op, tableAnomalies, err)
	}
	return nil
}

func (r *AnomalyRepository) InsertPending(ctx context.Context, a anomaly.Anomaly) (bool, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT count()
		FROM anomalies FINAL
		WHERE rule_id = ? AND entity_type = ? AND entity_id = ? AND status = 'pending'`,
		a.RuleID, a.EntityType, a.EntityID)
	if err != nil {
		return false, WrapQueryError("InsertPending", tableAnomalies, err)
	}
	var open uint64
	if rows.Next() {
		err = rows.Scan(&open)
	}
	rows.Close()
	if err != nil {
		return false, WrapQueryError("InsertPending", tableAnomalies, err)
	}
	if open > 0 {
		return false, nil
	}

	a.Status = anomaly.StatusPending
	if err := r.write(ctx, "InsertPending", a); err != nil {
		return false, err
	}
	return true, nil
}

func scanAnomaly(rows driver.Rows) (anomaly.Anomaly, error) {
	var (
		a      anomaly.Anomaly
		ev     string
		status string
	)
	if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.EntityType, &a.EntityID, &a.Score, &ev,
		&a.DetectedAt, &a.InvestigatedAt, &status, &a.Notes, &a.ScanID); err != nil {
		return a, err
	}
	a.Status = anomaly.Status(status)
	decoded, err := evidence.Unmarshal([]byte(ev))
	if err != nil {
		return a, WrapDecodeError("Scan", tableAnomalies, fmt.Errorf("anomaly %s evidence: %w", a.ID, err))
	}
	a.Evidence = evidence.Envelope{Evidence: decoded}
	return a, nil
}

func (r *AnomalyRepository) Get(ctx context.Context, id string) (anomaly.Anomaly, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+anomalyColumns+` FROM anomalies FINAL WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return anomaly.Anomaly{}, WrapQueryError("Get", tableAnomalies, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return anomaly.Anomaly{}, WrapQueryError("Get", tableAnomalies, err)
		}
		return anomaly.Anomaly{}, anomaly.ErrNotFound
	}
	a, err := scanAnomaly(rows)
	if err != nil {
		return anomaly.Anomaly{}, WrapQueryError("Get", tableAnomalies, err)
	}
	return a, nil
}

func (r *AnomalyRepository) UpdateStatus(ctx context.Context, id string, from anomaly.Status, u anomaly.StatusUpdate) error {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return anomaly.ErrConflict
	}
	at := u.InvestigatedAt
	cur.Status = u.Status
	cur.Notes = u.Notes
	cur.InvestigatedAt = &at
	return r.write(ctx, "UpdateStatus", cur)
}

func (r *AnomalyRepository) Query(ctx context.Context, f anomaly.Filter) ([]anomaly.Anomaly, error) {
	query, args := buildAnomalyQuery(f)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", tableAnomalies, err)
	}
	defer rows.Close()

	var out []anomaly.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, WrapQueryError("Query", tableAnomalies, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// buildAnomalyQuery renders f as a parameterized SELECT, newest first.
func buildAnomalyQuery(f anomaly.Filter) (string, []any) {
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
		add("detected_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("detected_at < ?", f.To)
	}

	var b strings.Builder
	b.WriteString("SELECT " + anomalyColumns + " FROM anomalies FINAL")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY detected_at DESC, id ASC")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", f.Offset)
	}
	return b.String(), args
}
