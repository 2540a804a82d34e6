package engine

import (
	"context"
	"database/sql"
	"errors"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/events"
	"adrkeeper/internal/repo"
)

type InsightCreateOptions struct {
	Title          string
	Content        string
	Tags           []string
	CodeReferences []domain.CodeReference
	ADRID          string
}

// InsightPatch replaces every non-nil field. The linked decision is only set
// through ConvertToADR or PromoteInsight.
type InsightPatch struct {
	ID             string
	Title          *string
	Content        *string
	Tags           *[]string
	CodeReferences *[]domain.CodeReference
}

func (e Engine) CreateInsight(ctx context.Context, opts InsightCreateOptions) (domain.Insight, error) {
	if err := requireText("title", opts.Title); err != nil {
		return domain.Insight{}, err
	}
	in := domain.Insight{
		ID:             newID(),
		Title:          opts.Title,
		Content:        opts.Content,
		Tags:           nonNil(opts.Tags),
		CodeReferences: fillCodeRefIDs(opts.CodeReferences),
		ADRID:          optionalString(opts.ADRID),
		CreatedAt:      e.now(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertInsight(ctx, tx, in); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.InsightCreated, events.KindInsight, in.ID, events.EventPayload{"title": in.Title})
	})
	if err != nil {
		return domain.Insight{}, err
	}
	return in, nil
}

func (e Engine) PatchInsight(ctx context.Context, p InsightPatch) (domain.Insight, error) {
	if p.Title != nil {
		if err := requireText("title", *p.Title); err != nil {
			return domain.Insight{}, err
		}
	}
	var out domain.Insight
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		in, err := e.Repo.GetInsightTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var fields []string
		if p.Title != nil {
			in.Title = *p.Title
			fields = append(fields, "title")
		}
		if p.Content != nil {
			in.Content = *p.Content
			fields = append(fields, "content")
		}
		if p.Tags != nil {
			in.Tags = nonNil(*p.Tags)
			fields = append(fields, "tags")
		}
		if p.CodeReferences != nil {
			in.CodeReferences = fillCodeRefIDs(*p.CodeReferences)
			fields = append(fields, "code_references")
		}
		if err := e.Repo.UpdateInsight(ctx, tx, in); err != nil {
			return err
		}
		out = in
		return e.appendEvent(ctx, tx, events.InsightUpdated, events.KindInsight, in.ID, events.EventPayload{"fields": fields})
	})
	return out, err
}

// ConvertToADR links an insight to a decision record. adrID is not checked
// for existence and a later call replaces an earlier link.
func (e Engine) ConvertToADR(ctx context.Context, insightID, adrID string) (domain.Insight, error) {
	if err := requireText("adr_id", adrID); err != nil {
		return domain.Insight{}, err
	}
	var out domain.Insight
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		in, err := e.linkInsight(ctx, tx, insightID, adrID)
		out = in
		return err
	})
	return out, err
}

func (e Engine) linkInsight(ctx context.Context, tx *sql.Tx, insightID, adrID string) (domain.Insight, error) {
	in, err := e.Repo.GetInsightTx(ctx, tx, insightID)
	if err != nil {
		return domain.Insight{}, err
	}
	payload := events.EventPayload{"adr_id": adrID}
	if in.ADRID != nil {
		payload["previous_adr_id"] = *in.ADRID
	}
	if err := e.Repo.SetInsightADR(ctx, tx, insightID, adrID); err != nil {
		return domain.Insight{}, err
	}
	in.ADRID = &adrID
	if err := e.appendEvent(ctx, tx, events.InsightConverted, events.KindInsight, insightID, payload); err != nil {
		return domain.Insight{}, err
	}
	return in, nil
}

// DraftFromInsight prefills decision fields from an insight.
func DraftFromInsight(in domain.Insight) DecisionCreateOptions {
	return DecisionCreateOptions{
		Title:          in.Title,
		Status:         string(domain.StatusProposed),
		Problem:        in.Content,
		Tags:           append([]string{}, in.Tags...),
		CodeReferences: append([]domain.CodeReference{}, in.CodeReferences...),
	}
}

func overlay(draft, o DecisionCreateOptions) DecisionCreateOptions {
	if o.Title != "" {
		draft.Title = o.Title
	}
	if o.Status != "" {
		draft.Status = o.Status
	}
	if o.Problem != "" {
		draft.Problem = o.Problem
	}
	if o.Context != "" {
		draft.Context = o.Context
	}
	if o.Decision != "" {
		draft.Decision = o.Decision
	}
	if o.Outcome != "" {
		draft.Outcome = o.Outcome
	}
	if len(o.Options) > 0 {
		draft.Options = o.Options
	}
	if len(o.Tags) > 0 {
		draft.Tags = o.Tags
	}
	if len(o.RelatedADRs) > 0 {
		draft.RelatedADRs = o.RelatedADRs
	}
	if len(o.CodeReferences) > 0 {
		draft.CodeReferences = o.CodeReferences
	}
	if o.ProjectID != "" {
		draft.ProjectID = o.ProjectID
	}
	return draft
}

// PromoteInsight creates a decision drafted from the insight, with non-empty
// overrides applied, and links the insight to it in a single transaction.
func (e Engine) PromoteInsight(ctx context.Context, insightID string, overrides DecisionCreateOptions) (domain.DecisionRecord, domain.Insight, error) {
	var rec domain.DecisionRecord
	var linked domain.Insight
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		in, err := e.Repo.GetInsightTx(ctx, tx, insightID)
		if err != nil {
			return err
		}
		d, err := e.buildDecision(overlay(DraftFromInsight(in), overrides), e.now())
		if err != nil {
			return err
		}
		if err := e.insertDecision(ctx, tx, d, events.EventPayload{"insight_id": in.ID}); err != nil {
			return err
		}
		if linked, err = e.linkInsight(ctx, tx, in.ID, d.ID); err != nil {
			return err
		}
		rec = d
		return nil
	})
	if err != nil {
		return domain.DecisionRecord{}, domain.Insight{}, err
	}
	return rec, linked, nil
}

func (e Engine) DeleteInsight(ctx context.Context, id string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		removed, err := e.Repo.DeleteInsight(ctx, tx, id)
		if err != nil || !removed {
			return err
		}
		return e.appendEvent(ctx, tx, events.InsightDeleted, events.KindInsight, id, nil)
	})
}

// GetInsight returns nil without error when id does not resolve.
func (e Engine) GetInsight(ctx context.Context, id string) (*domain.Insight, error) {
	in, err := e.Repo.GetInsight(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (e Engine) ListInsights(ctx context.Context) ([]domain.Insight, error) {
	return e.Repo.ListInsights(ctx, repo.InsightFilters{})
}

// InsightsByADR returns insights converted into adrID.
func (e Engine) InsightsByADR(ctx context.Context, adrID string) ([]domain.Insight, error) {
	if adrID == "" {
		return []domain.Insight{}, nil
	}
	return e.Repo.ListInsights(ctx, repo.InsightFilters{ADRID: adrID})
}
