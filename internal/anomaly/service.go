package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"anomaly-engine/internal/detection"
	"anomaly-engine/internal/evidence"
	"anomaly-engine/internal/locks"
	"anomaly-engine/internal/rules"
)

// maxTransitionAttempts bounds re-reads when a concurrent update wins.
const maxTransitionAttempts = 3

// RuleResolver resolves rules for severity lookups.
type RuleResolver interface {
	GetByID(id string) (rules.DetectionRule, error)
	List(opts rules.ListOptions) []rules.DetectionRule
}

// Candidate is one entity's share of a detector finding.
type Candidate struct {
	RuleID     string
	RuleName   string
	EntityType string
	EntityID   string
	Score      float64
	Evidence   evidence.Evidence
	DetectedAt time.Time
	ScanID     string
}

// UpsertResult counts the outcome of fanning out one finding.
type UpsertResult struct {
	Created    int
	Duplicates int
	Anomalies  []Anomaly
}

// Service owns anomaly writes and the investigation lifecycle.
type Service struct {
	store  Store
	locker locks.Locker
	rules  RuleResolver
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. A nil locker falls back to an in-process
// keyed mutex.
func NewService(store Store, locker locks.Locker, resolver RuleResolver, logger *slog.Logger) *Service {
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		locker: locker,
		rules:  resolver,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock used for investigation timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Upsert inserts a pending anomaly for c unless one is already open.
func (s *Service) Upsert(ctx context.Context, c Candidate) (Anomaly, bool, error) {
	a := Anomaly{
		ID:         uuid.NewString(),
		RuleID:     c.RuleID,
		RuleName:   c.RuleName,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Score:      c.Score,
		Evidence:   evidence.Envelope{Evidence: c.Evidence},
		DetectedAt: c.DetectedAt,
		Status:     StatusPending,
		ScanID:     c.ScanID,
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = s.now()
	}

	unlock, err := s.locker.Lock(ctx, "anomaly/"+a.Key())
	if err != nil {
		return Anomaly{}, false, WrapPersistence("Lock", err)
	}
	defer unlock()

	created, err := s.store.InsertPending(ctx, a)
	if err != nil {
		return Anomaly{}, false, WrapPersistence("InsertPending", err)
	}
	return a, created, nil
}

// UpsertFinding fans a finding out into one anomaly per implicated entity.
// Failures for one entity do not stop the others.
func (s *Service) UpsertFinding(ctx context.Context, scanID string, f detection.Finding) (UpsertResult, error) {
	var res UpsertResult
	var errs []error
	for _, id := range f.EntityIDs {
		a, created, err := s.Upsert(ctx, Candidate{
			RuleID:     f.RuleID,
			RuleName:   f.RuleName,
			EntityType: f.EntityType,
			EntityID:   id,
			Score:      f.Score,
			Evidence:   f.Evidence,
			DetectedAt: f.DetectedAt,
			ScanID:     scanID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %q: %w", id, err))
			continue
		}
		if created {
			res.Created++
			res.Anomalies = append(res.Anomalies, a)
		} else {
			res.Duplicates++
		}
	}
	return res, errors.Join(errs...)
}

// Get returns one anomaly with its severity resolved.
func (s *Service) Get(ctx context.Context, id string) (Anomaly, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Anomaly{}, WrapPersistence("Get", err)
	}
	s.resolveSeverity(&a)
	return a, nil
}

// Transition moves an anomaly to status, appending notes. Only one of two
// concurrent investigators can win a given transition: attempts hold the
// same per-key lock as Upsert, and the store's compare-and-set covers
// writers outside that lock.
func (s *Service) Transition(ctx context.Context, id string, status Status, notes string) (Anomaly, error) {
	if !status.Valid() {
		return Anomaly{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	first, err := s.store.Get(ctx, id)
	if err != nil {
		return Anomaly{}, WrapPersistence("Get", err)
	}
	unlock, err := s.locker.Lock(ctx, "anomaly/"+first.Key())
	if err != nil {
		return Anomaly{}, WrapPersistence("Lock", err)
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Anomaly{}, WrapPersistence("Get", err)
		}
		if !CanTransition(cur.Status, status) {
			return Anomaly{}, &InvalidTransitionError{ID: id, From: cur.Status, To: status}
		}

		u := StatusUpdate{
			Status:         status,
			Notes:          appendNotes(cur.Notes, notes),
			InvestigatedAt: s.now().UTC(),
		}
		err = s.store.UpdateStatus(ctx, id, cur.Status, u)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Anomaly{}, WrapPersistence("UpdateStatus", err)
		}

		s.logger.Info("anomaly status changed",
			"anomaly_id", id,
			"from", cur.Status,
			"to", status,
		)
		cur.Status = u.Status
		cur.Notes = u.Notes
		cur.InvestigatedAt = &u.InvestigatedAt
		s.resolveSeverity(&cur)
		return cur, nil
	}
	return Anomaly{}, fmt.Errorf("anomaly %s: %w", id, ErrConflict)
}

// Query lists anomalies. A severity filter is resolved to the rules carrying
// that severity.
func (s *Service) Query(ctx context.Context, f Filter) ([]Anomaly, error) {
	if f.Severity != "" && s.rules != nil {
		ids := []string{}
		for _, r := range s.rules.List(rules.ListOptions{}) {
			if r.Severity == f.Severity {
				ids = append(ids, r.ID)
			}
		}
		f.RuleIDs = ids
	}
	list, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, WrapPersistence("Query", err)
	}
	for i := range list {
		s.resolveSeverity(&list[i])
	}
	return list, nil
}

func (s *Service) resolveSeverity(a *Anomaly) {
	if s.rules == nil {
		return
	}
	if r, err := s.rules.GetByID(a.RuleID); err == nil {
		a.Severity = r.Severity
	}
}

func appendNotes(existing, notes string) string {
	notes = strings.TrimSpace(notes)
	switch {
	case notes == "":
		return existing
	case existing == "":
		return notes
	default:
		return existing + "\n" + notes
	}
}
