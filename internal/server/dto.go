package server

import (
	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
)

// Request payloads

type OptionInput struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
}

type CodeReferenceInput struct {
	ID          string `json:"id,omitempty"`
	Path        string `json:"path"`
	Snippet     string `json:"snippet,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateDecisionRequest struct {
	Title          string               `json:"title"`
	Status         string               `json:"status,omitempty" example:"proposed"`
	Problem        string               `json:"problem,omitempty"`
	Context        string               `json:"context,omitempty"`
	Decision       string               `json:"decision,omitempty"`
	Outcome        string               `json:"outcome,omitempty"`
	Options        []OptionInput        `json:"options,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	RelatedADRs    []string             `json:"related_adrs,omitempty"`
	CodeReferences []CodeReferenceInput `json:"code_references,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
}

// PromoteInsightRequest overrides fields of the draft built from an insight.
type PromoteInsightRequest struct {
	Title          string               `json:"title,omitempty"`
	Status         string               `json:"status,omitempty"`
	Problem        string               `json:"problem,omitempty"`
	Context        string               `json:"context,omitempty"`
	Decision       string               `json:"decision,omitempty"`
	Outcome        string               `json:"outcome,omitempty"`
	Options        []OptionInput        `json:"options,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	RelatedADRs    []string             `json:"related_adrs,omitempty"`
	CodeReferences []CodeReferenceInput `json:"code_references,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
}

type PatchDecisionRequest struct {
	Title           *string               `json:"title,omitempty"`
	Status          *string               `json:"status,omitempty"`
	Problem         *string               `json:"problem,omitempty"`
	Context         *string               `json:"context,omitempty"`
	Decision        *string               `json:"decision,omitempty"`
	Outcome         *string               `json:"outcome,omitempty"`
	Options         *[]OptionInput        `json:"options,omitempty"`
	Tags            *[]string             `json:"tags,omitempty"`
	RelatedADRs     *[]string             `json:"related_adrs,omitempty"`
	CodeReferences  *[]CodeReferenceInput `json:"code_references,omitempty"`
	ProjectID       *string               `json:"project_id,omitempty"`
	ExpectedVersion *int64                `json:"expected_version,omitempty"`
}

type TransitionStatusRequest struct {
	Status          string `json:"status" example:"accepted"`
	Reason          string `json:"reason" example:"team agreed"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type CreateInsightRequest struct {
	Title          string               `json:"title"`
	Content        string               `json:"content,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	CodeReferences []CodeReferenceInput `json:"code_references,omitempty"`
	ADRID          string               `json:"adr_id,omitempty"`
}

type PatchInsightRequest struct {
	Title          *string               `json:"title,omitempty"`
	Content        *string               `json:"content,omitempty"`
	Tags           *[]string             `json:"tags,omitempty"`
	CodeReferences *[]CodeReferenceInput `json:"code_references,omitempty"`
}

type ConvertInsightRequest struct {
	ADRID string `json:"adr_id"`
}

type CreateProjectRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	RepositoryURL string `json:"repository_url,omitempty"`
}

type PatchProjectRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	RepositoryURL *string `json:"repository_url,omitempty"`
}

// Responses

type PromoteInsightResponse struct {
	Decision domain.DecisionRecord `json:"decision"`
	Insight  domain.Insight        `json:"insight"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Mapping helpers

func toOptions(in []OptionInput) []domain.Option {
	if in == nil {
		return nil
	}
	out := make([]domain.Option, 0, len(in))
	for _, o := range in {
		out = append(out, domain.Option{ID: o.ID, Title: o.Title, Description: o.Description, Pros: nonNilSlice(o.Pros), Cons: nonNilSlice(o.Cons)})
	}
	return out
}

func toCodeRefs(in []CodeReferenceInput) []domain.CodeReference {
	if in == nil {
		return nil
	}
	out := make([]domain.CodeReference, 0, len(in))
	for _, r := range in {
		out = append(out, domain.CodeReference{ID: r.ID, Path: r.Path, Snippet: r.Snippet, Description: r.Description})
	}
	return out
}

func (r CreateDecisionRequest) options() engine.DecisionCreateOptions {
	return engine.DecisionCreateOptions{
		Title:          r.Title,
		Status:         r.Status,
		Problem:        r.Problem,
		Context:        r.Context,
		Decision:       r.Decision,
		Outcome:        r.Outcome,
		Options:        toOptions(r.Options),
		Tags:           r.Tags,
		RelatedADRs:    r.RelatedADRs,
		CodeReferences: toCodeRefs(r.CodeReferences),
		ProjectID:      r.ProjectID,
	}
}

func (r *PromoteInsightRequest) overrides() engine.DecisionCreateOptions {
	if r == nil {
		return engine.DecisionCreateOptions{}
	}
	return CreateDecisionRequest(*r).options()
}

func (r PatchDecisionRequest) patch(id string) engine.DecisionPatch {
	p := engine.DecisionPatch{
		ID:              id,
		Title:           r.Title,
		Status:          r.Status,
		Problem:         r.Problem,
		Context:         r.Context,
		Decision:        r.Decision,
		Outcome:         r.Outcome,
		Tags:            r.Tags,
		RelatedADRs:     r.RelatedADRs,
		ProjectID:       r.ProjectID,
		ExpectedVersion: r.ExpectedVersion,
	}
	if r.Options != nil {
		opts := toOptions(*r.Options)
		p.Options = &opts
	}
	if r.CodeReferences != nil {
		refs := toCodeRefs(*r.CodeReferences)
		p.CodeReferences = &refs
	}
	return p
}

func (r PatchInsightRequest) patch(id string) engine.InsightPatch {
	p := engine.InsightPatch{ID: id, Title: r.Title, Content: r.Content, Tags: r.Tags}
	if r.CodeReferences != nil {
		refs := toCodeRefs(*r.CodeReferences)
		p.CodeReferences = &refs
	}
	return p
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
