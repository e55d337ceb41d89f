package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anomaly-engine/internal/dataset"
)

// DatasetTables names the ClickHouse tables the dataset source reads.
type DatasetTables struct {
	Observations string `yaml:"observations"`
	Events       string `yaml:"events"`
	Attributes   string `yaml:"attributes"`
}

// DefaultDatasetTables returns the default table names.
func DefaultDatasetTables() DatasetTables {
	return DatasetTables{
		Observations: "metric_observations",
		Events:       "entity_events",
		Attributes:   "entity_attributes",
	}
}

// DatasetSource reads observations, events and attribute groups from
// ClickHouse. It never writes.
//
// Expected columns:
//
//	observations: entity_type, entity_id, metric, value, observed_at
//	events:       id, entity_type, entity_id, counterparty_id, identity,
//	              counterparty_identity, action, amount, occurred_at,
//	              entity_created_at (Nullable)
//	attributes:   entity_type, entity_id, attribute, value, contact_id
type DatasetSource struct {
	conn   Conn
	tables DatasetTables
}

// NewDatasetSource creates a DatasetSource. Empty table names fall back to
// the defaults.
func NewDatasetSource(conn Conn, tables DatasetTables) *DatasetSource {
	def := DefaultDatasetTables()
	if tables.Observations == "" {
		tables.Observations = def.Observations
	}
	if tables.Events == "" {
		tables.Events = def.Events
	}
	if tables.Attributes == "" {
		tables.Attributes = def.Attributes
	}
	tables.Observations = sanitizeTableName(tables.Observations)
	tables.Events = sanitizeTableName(tables.Events)
	tables.Attributes = sanitizeTableName(tables.Attributes)
	return &DatasetSource{conn: conn, tables: tables}
}

func (s *DatasetSource) MetricValues(ctx context.Context, q dataset.MetricQuery) ([]dataset.Observation, error) {
	query := fmt.Sprintf(`
		SELECT entity_id, value, observed_at
		FROM %s
		WHERE metric = ? AND entity_type = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at`, s.tables.Observations)

	rows, err := s.conn.Query(ctx, query, q.Metric, q.EntityType, q.Range.From, q.Range.To)
	if err != nil {
		return nil, WrapQueryError("MetricValues", s.tables.Observations, err)
	}
	defer rows.Close()

	var out []dataset.Observation
	for rows.Next() {
		o := dataset.Observation{EntityType: q.EntityType, Metric: q.Metric}
		if err := rows.Scan(&o.EntityID, &o.Value, &o.ObservedAt); err != nil {
			return nil, WrapQueryError("MetricValues", s.tables.Observations, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("MetricValues", s.tables.Observations, err)
	}
	return out, nil
}

// buildEventQuery renders q against table, oldest first.
func buildEventQuery(table string, q dataset.EventQuery) (string, []any) {
	where := []string{"occurred_at >= ?", "occurred_at < ?"}
	args := []any{q.Range.From, q.Range.To}
	for _, f := range []struct {
		col, val string
	}{
		{"entity_type", q.EntityType},
		{"action", q.Action},
		{"entity_id", q.EntityID},
		{"counterparty_id", q.CounterpartyID},
	} {
		if f.val != "" {
			where = append(where, f.col+" = ?")
			args = append(args, f.val)
		}
	}

	query := fmt.Sprintf(`SELECT id, entity_type, entity_id, counterparty_id, identity, counterparty_identity,
		action, amount, occurred_at, entity_created_at
		FROM %s
		WHERE %s
		ORDER BY occurred_at, id`, table, strings.Join(where, " AND "))
	return query, args
}

func (s *DatasetSource) Events(ctx context.Context, q dataset.EventQuery) ([]dataset.Event, error) {
	query, args := buildEventQuery(s.tables.Events, q)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Events", s.tables.Events, err)
	}
	defer rows.Close()

	var out []dataset.Event
	for rows.Next() {
		var e dataset.Event
		var created *time.Time
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.CounterpartyID, &e.Identity,
			&e.CounterpartyIdentity, &e.Action, &e.Amount, &e.OccurredAt, &created); err != nil {
			return nil, WrapQueryError("Events", s.tables.Events, err)
		}
		if created != nil {
			e.EntityCreatedAt = *created
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Events", s.tables.Events, err)
	}
	return out, nil
}

func (s *DatasetSource) AttributeGroups(ctx context.Context, q dataset.GroupQuery) ([]dataset.AttributeGroup, error) {
	query := fmt.Sprintf(`
		SELECT value, groupArray(entity_id), groupArray(contact_id)
		FROM %s
		WHERE entity_type = ? AND attribute = ? AND value != ''
		GROUP BY value
		HAVING uniqExact(entity_id) >= ?
		ORDER BY value`, s.tables.Attributes)

	rows, err := s.conn.Query(ctx, query, q.EntityType, q.Attribute, uint64(max(q.MinMembers, 1)))
	if err != nil {
		return nil, WrapQueryError("AttributeGroups", s.tables.Attributes, err)
	}
	defer rows.Close()

	var out []dataset.AttributeGroup
	for rows.Next() {
		var value string
		var ids, contacts []string
		if err := rows.Scan(&value, &ids, &contacts); err != nil {
			return nil, WrapQueryError("AttributeGroups", s.tables.Attributes, err)
		}
		g := dataset.AttributeGroup{EntityType: q.EntityType, Attribute: q.Attribute, Value: value}
		for i, id := range ids {
			m := dataset.Member{EntityID: id}
			if i < len(contacts) {
				m.ContactID = contacts[i]
			}
			g.Members = append(g.Members, m)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("AttributeGroups", s.tables.Attributes, err)
	}
	return out, nil
}

// sanitizeTableName keeps only characters valid in a (database.)table name.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' || b == '.' {
			result = append(result, b)
		}
	}
	return string(result)
}
