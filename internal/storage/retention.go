package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for engine tables.
type RetentionConfig struct {
	// ClosedAnomalyTTL removes resolved and false-positive anomalies this
	// long after their last status change.
	ClosedAnomalyTTL time.Duration `yaml:"closed_anomaly_ttl"`
	// BaselineTTL removes baselines that have not been recalculated.
	BaselineTTL time.Duration `yaml:"baseline_ttl"`
}

// RetentionPolicy is one TTL clause applied to a table.
type RetentionPolicy struct {
	Table string
	Days  int
	SQL   string
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	conn   Conn
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(conn Conn, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{conn: conn, config: config, logger: logger}
}

func ttlDays(d time.Duration) int {
	days := int(d.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// Policies returns the ALTER statements for every configured TTL.
// Open anomalies are never expired.
func (r *RetentionManager) Policies() []RetentionPolicy {
	var out []RetentionPolicy
	if r.config.ClosedAnomalyTTL > 0 {
		days := ttlDays(r.config.ClosedAnomalyTTL)
		out = append(out, RetentionPolicy{
			Table: tableAnomalies,
			Days:  days,
			SQL: fmt.Sprintf(
				"ALTER TABLE %s MODIFY TTL toDateTime(updated_at) + INTERVAL %d DAY DELETE WHERE status IN ('resolved', 'false_positive')",
				tableAnomalies, days),
		})
	}
	if r.config.BaselineTTL > 0 {
		days := ttlDays(r.config.BaselineTTL)
		out = append(out, RetentionPolicy{
			Table: tableBaselines,
			Days:  days,
			SQL: fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(calculated_at) + INTERVAL %d DAY DELETE",
				tableBaselines, days),
		})
	}
	return out
}

// ApplyTTLs updates table TTLs to match the configured retention. Failures
// are logged per table and do not stop the others.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	applied := 0
	for _, p := range r.Policies() {
		if err := r.conn.Exec(ctx, p.SQL); err != nil {
			r.logger.Warn("failed to apply TTL policy",
				"table", p.Table,
				"ttl_days", p.Days,
				"error", err,
			)
			continue
		}
		applied++
		r.logger.Info("applied retention policy",
			"table", p.Table,
			"ttl_days", p.Days,
		)
	}
	if policies := r.Policies(); len(policies) > 0 && applied == 0 {
		return WrapQueryError("ApplyTTLs", "", fmt.Errorf("no retention policy could be applied"))
	}
	return nil
}
