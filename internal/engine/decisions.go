package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/events"
	"adrkeeper/internal/repo"
)

var (
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adrkeeper_status_transitions_total",
		Help: "Decision status history entries appended after creation, by target status.",
	}, []string{"to"})
	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adrkeeper_version_conflicts_total",
		Help: "Decision updates rejected with a version conflict.",
	})
)

// DecisionCreateOptions are parameters for creating a decision record.
// An empty Status defaults to proposed.
type DecisionCreateOptions struct {
	Title          string
	Status         string
	Problem        string
	Context        string
	Decision       string
	Outcome        string
	Options        []domain.Option
	Tags           []string
	RelatedADRs    []string
	CodeReferences []domain.CodeReference
	ProjectID      string
}

// DecisionPatch replaces every non-nil field wholesale. A non-nil empty
// ProjectID detaches the record from its project.
type DecisionPatch struct {
	ID              string
	Title           *string
	Status          *string
	Problem         *string
	Context         *string
	Decision        *string
	Outcome         *string
	Options         *[]domain.Option
	Tags            *[]string
	RelatedADRs     *[]string
	CodeReferences  *[]domain.CodeReference
	ProjectID       *string
	ExpectedVersion *int64
}

func (e Engine) buildDecision(opts DecisionCreateOptions, now time.Time) (domain.DecisionRecord, error) {
	if err := requireText("title", opts.Title); err != nil {
		return domain.DecisionRecord{}, err
	}
	status := domain.StatusProposed
	if opts.Status != "" {
		st, err := parseStatus("status", opts.Status)
		if err != nil {
			return domain.DecisionRecord{}, err
		}
		status = st
	}
	return domain.DecisionRecord{
		ID:             newID(),
		Title:          opts.Title,
		Status:         status,
		Problem:        opts.Problem,
		Context:        opts.Context,
		Decision:       opts.Decision,
		Outcome:        opts.Outcome,
		Options:        fillOptionIDs(opts.Options),
		Tags:           nonNil(opts.Tags),
		RelatedADRs:    nonNil(opts.RelatedADRs),
		CodeReferences: fillCodeRefIDs(opts.CodeReferences),
		ProjectID:      optionalString(opts.ProjectID),
		StatusHistory: []domain.StatusChange{{
			ID:     newID(),
			To:     status,
			Date:   now,
			Reason: domain.InitialReason,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (e Engine) insertDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionRecord, payload events.EventPayload) error {
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["title"] = d.Title
	payload["status"] = d.Status
	return e.appendEvent(ctx, tx, events.DecisionCreated, events.KindDecision, d.ID, payload)
}

// CreateDecision validates opts and stores a new record with its initial
// status history entry.
func (e Engine) CreateDecision(ctx context.Context, opts DecisionCreateOptions) (domain.DecisionRecord, error) {
	d, err := e.buildDecision(opts, e.now())
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		return e.insertDecision(ctx, tx, d, nil)
	})
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	return d, nil
}

// decisionMutation applies changes to d and returns the history entry to
// append (nil for none), the event to record and its payload.
type decisionMutation func(d *domain.DecisionRecord, now time.Time) (*domain.StatusChange, string, events.EventPayload, error)

// mutateDecision reads, mutates and conditionally writes a record. Lost
// compare-and-swap races are retried unless the caller pinned a version.
func (e Engine) mutateDecision(ctx context.Context, id string, expected *int64, mutate decisionMutation) (domain.DecisionRecord, error) {
	for attempt := 1; ; attempt++ {
		var out domain.DecisionRecord
		var appended *domain.StatusChange
		err := e.inTx(ctx, func(tx *sql.Tx) error {
			d, err := e.Repo.GetDecisionTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if expected != nil && d.Version != *expected {
				return ErrConflict
			}
			prev := d.Version
			now := e.now()
			sc, evtType, payload, err := mutate(&d, now)
			if err != nil {
				return err
			}
			if sc != nil {
				d.StatusHistory = append(d.StatusHistory, *sc)
			}
			d.Version = prev + 1
			d.UpdatedAt = now
			if err := e.Repo.UpdateDecision(ctx, tx, d, prev); err != nil {
				return err
			}
			if sc != nil {
				if err := e.Repo.InsertStatusChange(ctx, tx, d.ID, len(d.StatusHistory), *sc); err != nil {
					return err
				}
			}
			if payload == nil {
				payload = events.EventPayload{}
			}
			payload["version"] = d.Version
			if err := e.appendEvent(ctx, tx, evtType, events.KindDecision, d.ID, payload); err != nil {
				return err
			}
			out = d
			appended = sc
			return nil
		})
		switch {
		case err == nil:
			if appended != nil {
				statusTransitions.WithLabelValues(string(appended.To)).Inc()
			}
			return out, nil
		case errors.Is(err, repo.ErrStaleVersion):
			if expected == nil && attempt < casAttempts {
				e.logger().DebugContext(ctx, "decision update lost race, retrying", "id", id, "attempt", attempt)
				continue
			}
			versionConflicts.Inc()
			return domain.DecisionRecord{}, ErrConflict
		case errors.Is(err, ErrConflict):
			versionConflicts.Inc()
			return domain.DecisionRecord{}, err
		default:
			return domain.DecisionRecord{}, err
		}
	}
}

// PatchDecision replaces the provided fields. A status change through a patch
// is recorded in the history with a generic reason.
func (e Engine) PatchDecision(ctx context.Context, p DecisionPatch) (domain.DecisionRecord, error) {
	if p.Title != nil {
		if err := requireText("title", *p.Title); err != nil {
			return domain.DecisionRecord{}, err
		}
	}
	var newStatus domain.Status
	if p.Status != nil {
		st, err := parseStatus("status", *p.Status)
		if err != nil {
			return domain.DecisionRecord{}, err
		}
		newStatus = st
	}
	return e.mutateDecision(ctx, p.ID, p.ExpectedVersion, func(d *domain.DecisionRecord, now time.Time) (*domain.StatusChange, string, events.EventPayload, error) {
		var fields []string
		set := func(name string) { fields = append(fields, name) }
		if p.Title != nil {
			d.Title = *p.Title
			set("title")
		}
		if p.Problem != nil {
			d.Problem = *p.Problem
			set("problem")
		}
		if p.Context != nil {
			d.Context = *p.Context
			set("context")
		}
		if p.Decision != nil {
			d.Decision = *p.Decision
			set("decision")
		}
		if p.Outcome != nil {
			d.Outcome = *p.Outcome
			set("outcome")
		}
		if p.Options != nil {
			d.Options = fillOptionIDs(*p.Options)
			set("options")
		}
		if p.Tags != nil {
			d.Tags = nonNil(*p.Tags)
			set("tags")
		}
		if p.RelatedADRs != nil {
			d.RelatedADRs = nonNil(*p.RelatedADRs)
			set("related_adrs")
		}
		if p.CodeReferences != nil {
			d.CodeReferences = fillCodeRefIDs(*p.CodeReferences)
			set("code_references")
		}
		if p.ProjectID != nil {
			d.ProjectID = optionalString(*p.ProjectID)
			set("project_id")
		}
		payload := events.EventPayload{"fields": fields}
		var sc *domain.StatusChange
		if p.Status != nil && newStatus != d.Status {
			sc = &domain.StatusChange{ID: newID(), From: d.Status, To: newStatus, Date: now, Reason: domain.PatchReason}
			payload["from"] = d.Status
			payload["to"] = newStatus
			d.Status = newStatus
		}
		return sc, events.DecisionUpdated, payload, nil
	})
}

// TransitionStatus moves a record to newStatus and always appends a history
// entry, even when the status is unchanged.
func (e Engine) TransitionStatus(ctx context.Context, id, newStatus, reason string, expectedVersion *int64) (domain.DecisionRecord, error) {
	st, err := parseStatus("status", newStatus)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if err := requireText("reason", reason); err != nil {
		return domain.DecisionRecord{}, err
	}
	return e.mutateDecision(ctx, id, expectedVersion, func(d *domain.DecisionRecord, now time.Time) (*domain.StatusChange, string, events.EventPayload, error) {
		sc := &domain.StatusChange{ID: newID(), From: d.Status, To: st, Date: now, Reason: reason}
		payload := events.EventPayload{"from": d.Status, "to": st, "reason": reason}
		d.Status = st
		return sc, events.DecisionStatusChanged, payload, nil
	})
}

// DeleteDecision removes a record and its history. Deleting a missing id is
// not an error.
func (e Engine) DeleteDecision(ctx context.Context, id string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		removed, err := e.Repo.DeleteDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		return e.appendEvent(ctx, tx, events.DecisionDeleted, events.KindDecision, id, nil)
	})
}

// GetDecision returns nil without error when id does not resolve.
func (e Engine) GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	d, err := e.Repo.GetDecision(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (e Engine) ListDecisions(ctx context.Context, f repo.DecisionFilters) ([]domain.DecisionRecord, error) {
	if f.Status != "" {
		st, err := parseStatus("status", f.Status)
		if err != nil {
			return nil, err
		}
		f.Status = string(st)
	}
	return e.Repo.ListDecisions(ctx, f)
}

// DecisionHistory returns the status audit trail, oldest first.
func (e Engine) DecisionHistory(ctx context.Context, id string) ([]domain.StatusChange, error) {
	return e.Repo.ListStatusChanges(ctx, id)
}

// ResolveRelated loads the records referenced by related_adrs and reports ids
// that no longer resolve.
func (e Engine) ResolveRelated(ctx context.Context, id string) (domain.RelatedDecisions, error) {
	d, err := e.Repo.GetDecision(ctx, id)
	if err != nil {
		return domain.RelatedDecisions{}, err
	}
	found, err := e.Repo.GetDecisionsByIDs(ctx, d.RelatedADRs)
	if err != nil {
		return domain.RelatedDecisions{}, err
	}
	byID := make(map[string]domain.DecisionRecord, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	res := domain.RelatedDecisions{Found: []domain.DecisionRecord{}, Missing: []string{}}
	seen := map[string]bool{}
	for _, rid := range d.RelatedADRs {
		if seen[rid] {
			continue
		}
		seen[rid] = true
		if r, ok := byID[rid]; ok {
			res.Found = append(res.Found, r)
		} else {
			res.Missing = append(res.Missing, rid)
		}
	}
	return res, nil
}
