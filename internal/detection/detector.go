// Package detection implements the detector strategies, one per rule category.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"anomaly-engine/internal/baseline"
	"anomaly-engine/internal/dataset"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/rules"
)

// ErrDetection indicates a detector could not evaluate one entity.
var ErrDetection = errors.New("detection: entity evaluation failed")

var (
	errNonFinite       = errors.New("value is not finite")
	errNegativeLatency = errors.New("first action precedes entity creation")
)

// DetectionError describes a skipped entity.
type DetectionError struct {
	Rule     string
	EntityID string
	Err      error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection: rule %q entity %q: %v", e.Rule, e.EntityID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DetectionError) Unwrap() error {
	return e.Err
}

// Is matches ErrDetection.
func (e *DetectionError) Is(target error) bool {
	return target == ErrDetection
}

// Finding is a detector result before it is persisted. Group findings list
// every implicated entity.
type Finding struct {
	RuleID     string            `json:"rule_id"`
	RuleName   string            `json:"rule_name"`
	Severity   rules.Severity    `json:"severity"`
	EntityType string            `json:"entity_type"`
	EntityIDs  []string          `json:"entity_ids"`
	Score      float64           `json:"score"`
	Evidence   evidence.Evidence `json:"-"`
	DetectedAt time.Time         `json:"detected_at"`
}

func newFinding(rule rules.DetectionRule, now time.Time, score float64, ev evidence.Evidence, entityIDs ...string) Finding {
	if score < 0 {
		score = 0
	}
	return Finding{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Severity:   rule.Severity,
		EntityType: rule.Params.EntityType,
		EntityIDs:  entityIDs,
		Score:      score,
		Evidence:   ev,
		DetectedAt: now,
	}
}

// Skip records an entity a detector could not evaluate.
type Skip struct {
	Rule     string `json:"rule"`
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

// BaselineReader looks up stored baselines.
type BaselineReader interface {
	GetBaseline(ctx context.Context, key baseline.Key) (baseline.Baseline, bool, error)
}

// ScanContext carries everything a detector needs for one scan. Rules are
// copies owned by the scan; detectors must treat the dataset as read-only.
type ScanContext struct {
	ScanID    string
	Now       time.Time
	Rules     []rules.DetectionRule
	Source    dataset.Source
	Baselines BaselineReader
	Logger    *slog.Logger

	mu       sync.Mutex
	skipped  []Skip
	warnings []string
}

func (sc *ScanContext) logger() *slog.Logger {
	if sc.Logger != nil {
		return sc.Logger
	}
	return slog.Default()
}

// SkipEntity records a skipped entity.
func (sc *ScanContext) SkipEntity(rule rules.DetectionRule, entityID string, err error) {
	derr := &DetectionError{Rule: rule.Name, EntityID: entityID, Err: err}
	sc.logger().Warn("entity skipped", "scan_id", sc.ScanID, "rule", rule.Name, "entity_id", entityID, "error", err)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.skipped = append(sc.skipped, Skip{Rule: rule.Name, EntityID: entityID, Reason: derr.Err.Error()})
}

// Warn records a non-fatal condition.
func (sc *ScanContext) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	sc.logger().Warn(msg, "scan_id", sc.ScanID)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.warnings = append(sc.warnings, msg)
}

// Skipped returns the skipped entities recorded so far.
func (sc *ScanContext) Skipped() []Skip {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Skip(nil), sc.skipped...)
}

// Warnings returns the warnings recorded so far.
func (sc *ScanContext) Warnings() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.warnings...)
}

// recentRange returns [now-window, now].
func (sc *ScanContext) recentRange(rule rules.DetectionRule) dataset.TimeRange {
	return dataset.TimeRange{From: sc.Now.Add(-rule.Window()), To: sc.Now.Add(time.Nanosecond)}
}

// Detector evaluates every active rule of one category. A non-nil error
// alongside findings reports rules that failed; findings from the other
// rules remain valid.
type Detector interface {
	Category() rules.Category
	Detect(ctx context.Context, sc *ScanContext) ([]Finding, error)
}

// Defaults returns one detector per category.
func Defaults() []Detector {
	return []Detector{
		NewOutlierDetector(),
		NewBehavioralDetector(),
		NewTemporalDetector(),
		NewNetworkDetector(),
	}
}

type ruleFunc func(ctx context.Context, sc *ScanContext, rule rules.DetectionRule) ([]Finding, error)

// runRules applies fn to each rule, isolating failures per rule.
func runRules(ctx context.Context, sc *ScanContext, category rules.Category, methods map[rules.Method]ruleFunc) ([]Finding, error) {
	var findings []Finding
	var errs []error
	for _, rule := range sc.Rules {
		if rule.Category != category || !rule.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q not evaluated: %w", rule.Name, err))
			continue
		}
		fn, ok := methods[rule.Method]
		if !ok {
			sc.Warn("rule %q uses method %q not supported by the %s detector", rule.Name, rule.Method, category)
			continue
		}
		found, err := fn(ctx, sc, rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
			continue
		}
		findings = append(findings, found...)
	}
	return findings, errors.Join(errs...)
}

type pairKey struct {
	entity       string
	counterparty string
}

func groupByEntity(events []dataset.Event) map[string][]dataset.Event {
	out := make(map[string][]dataset.Event)
	for _, e := range events {
		out[e.EntityID] = append(out[e.EntityID], e)
	}
	return out
}

func groupByPair(events []dataset.Event) map[pairKey][]dataset.Event {
	out := make(map[pairKey][]dataset.Event)
	for _, e := range events {
		k := pairKey{entity: e.EntityID, counterparty: e.CounterpartyID}
		out[k] = append(out[k], e)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPairs[V any](m map[pairKey]V) []pairKey {
	keys := make([]pairKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entity != keys[j].entity {
			return keys[i].entity < keys[j].entity
		}
		return keys[i].counterparty < keys[j].counterparty
	})
	return keys
}

func ratio(observed, threshold float64) float64 {
	if threshold <= 0 {
		return observed
	}
	return observed / threshold
}

func eventQuery(sc *ScanContext, rule rules.DetectionRule) dataset.EventQuery {
	return dataset.EventQuery{
		EntityType: rule.Params.EntityType,
		Action:     rule.Params.Action,
		Range:      sc.recentRange(rule),
	}
}
