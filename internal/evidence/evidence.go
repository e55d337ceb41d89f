// Package evidence defines the typed evidence payloads attached to findings.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags an evidence variant.
type Kind string

const (
	KindOutlier     Kind = "outlier"
	KindBehavioral  Kind = "behavioral"
	KindHourly      Kind = "hourly"
	KindSequence    Kind = "sequence"
	KindCluster     Kind = "cluster"
	KindSelfDealing Kind = "self_dealing"
	KindBilateral   Kind = "bilateral"
)

// Evidence is implemented by every variant.
type Evidence interface {
	Kind() Kind
}

// BaselineSnapshot is the baseline an outlier was judged against.
type BaselineSnapshot struct {
	Mean         float64   `json:"mean"`
	StdDev       float64   `json:"stddev"`
	Median       float64   `json:"median"`
	Q1           float64   `json:"q1"`
	Q3           float64   `json:"q3"`
	SampleSize   int       `json:"sample_size"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Outlier is produced by the statistical detector.
type Outlier struct {
	Metric     string           `json:"metric"`
	Value      float64          `json:"value"`
	ObservedAt time.Time        `json:"observed_at"`
	Baseline   BaselineSnapshot `json:"baseline"`
	// ZScore is nil when the baseline has zero spread.
	ZScore     *float64 `json:"zscore,omitempty"`
	Threshold  float64  `json:"threshold"`
	LowerBound float64  `json:"lower_bound"`
	UpperBound float64  `json:"upper_bound"`
	Methods    []string `json:"methods"`
	Degenerate bool     `json:"degenerate_iqr,omitempty"`
}

// Behavioral is produced by the behavioral detector.
type Behavioral struct {
	Method          string     `json:"method"`
	Action          string     `json:"action,omitempty"`
	Observed        float64    `json:"observed"`
	Threshold       float64    `json:"threshold"`
	WindowDays      int        `json:"window_days"`
	EventCount      int        `json:"event_count"`
	EntityCreatedAt *time.Time `json:"entity_created_at,omitempty"`
	FirstActionAt   *time.Time `json:"first_action_at,omitempty"`
}

// HourDeviation is one flagged hour of day.
type HourDeviation struct {
	Hour      int     `json:"hour"`
	Count     float64 `json:"count"`
	Deviation float64 `json:"deviation_sigma"`
}

// Hourly is produced by the hourly deviation heuristic.
type Hourly struct {
	Hours        []HourDeviation `json:"hours"`
	Mean         float64         `json:"mean"`
	StdDev       float64         `json:"stddev"`
	Threshold    float64         `json:"threshold_sigma"`
	UnusualHours string          `json:"unusual_hours"`
	TotalEvents  int             `json:"total_events"`
}

// Sequence is produced by the rapid sequence heuristic.
type Sequence struct {
	CounterpartyID string    `json:"counterparty_id"`
	Count          int       `json:"count"`
	MinGapSeconds  float64   `json:"min_gap_seconds"`
	AvgGapSeconds  float64   `json:"avg_gap_seconds"`
	MaxGapSeconds  float64   `json:"max_gap_seconds"`
	MinRepeat      int       `json:"min_repeat"`
	FirstAt        time.Time `json:"first_at"`
	LastAt         time.Time `json:"last_at"`
}

// Cluster is produced by the shared attribute and shared contact heuristics.
type Cluster struct {
	Attribute   string   `json:"attribute"`
	Value       string   `json:"value"`
	ContactID   string   `json:"contact_id,omitempty"`
	MemberCount int      `json:"member_count"`
	Members     []string `json:"members"`
	Threshold   float64  `json:"threshold"`
}

// SelfDealing is produced when one identity sits on both sides of transactions.
type SelfDealing struct {
	Identity         string   `json:"identity"`
	CounterpartyID   string   `json:"counterparty_id"`
	TransactionCount int      `json:"transaction_count"`
	TotalAmount      float64  `json:"total_amount"`
	EventIDs         []string `json:"event_ids,omitempty"`
}

// Bilateral is produced by the bilateral volume heuristic.
type Bilateral struct {
	CounterpartyID string  `json:"counterparty_id"`
	Measure        string  `json:"measure"`
	Count          int     `json:"count"`
	TotalAmount    float64 `json:"total_amount"`
	Observed       float64 `json:"observed"`
	Threshold      float64 `json:"threshold"`
	WindowDays     int     `json:"window_days"`
}

func (Outlier) Kind() Kind     { return KindOutlier }
func (Behavioral) Kind() Kind  { return KindBehavioral }
func (Hourly) Kind() Kind      { return KindHourly }
func (Sequence) Kind() Kind    { return KindSequence }
func (Cluster) Kind() Kind     { return KindCluster }
func (SelfDealing) Kind() Kind { return KindSelfDealing }
func (Bilateral) Kind() Kind   { return KindBilateral }

// ErrUnknownKind is returned when decoding an unrecognised variant.
var ErrUnknownKind = errors.New("evidence: unknown kind")

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes evidence as {"kind": ..., "data": ...}.
func Marshal(e Evidence) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// Unmarshal decodes an envelope produced by Marshal into its concrete variant.
func Unmarshal(b []byte) (Evidence, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("evidence: invalid envelope: %w", err)
	}

	var target Evidence
	switch env.Kind {
	case KindOutlier:
		target = &Outlier{}
	case KindBehavioral:
		target = &Behavioral{}
	case KindHourly:
		target = &Hourly{}
	case KindSequence:
		target = &Sequence{}
	case KindCluster:
		target = &Cluster{}
	case KindSelfDealing:
		target = &SelfDealing{}
	case KindBilateral:
		target = &Bilateral{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode %s: %w", env.Kind, err)
	}
	return deref(target), nil
}

func deref(e Evidence) Evidence {
	switch v := e.(type) {
	case *Outlier:
		return *v
	case *Behavioral:
		return *v
	case *Hourly:
		return *v
	case *Sequence:
		return *v
	case *Cluster:
		return *v
	case *SelfDealing:
		return *v
	case *Bilateral:
		return *v
	}
	return e
}

// Envelope holds evidence and implements json.Marshaler/Unmarshaler so
// structs embedding it serialise the tagged form.
type Envelope struct {
	Evidence
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return Marshal(e.Evidence)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	ev, err := Unmarshal(b)
	if err != nil {
		return err
	}
	e.Evidence = ev
	return nil
}
