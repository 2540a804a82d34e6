package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/repo"
)

type decisionPath struct {
	ID string `path:"id"`
}

type decisionBody struct {
	Body domain.DecisionRecord `json:"body"`
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Create decision record",
		Tags:          []string{"decisions"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateDecisionRequest `json:"body"`
	}) (*decisionBody, error) {
		d, err := e.CreateDecision(ctx, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List decision records",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		ProjectID string `query:"project_id"`
		Tag       string `query:"tag"`
	}) (*struct {
		Body []domain.DecisionRecord `json:"body"`
	}, error) {
		items, err := e.ListDecisions(ctx, repo.DecisionFilters{Status: input.Status, ProjectID: input.ProjectID, Tag: input.Tag})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DecisionRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{id}",
		Summary:     "Get decision record",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *decisionPath) (*decisionBody, error) {
		d, err := e.GetDecision(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d == nil {
			return nil, notFound("decision", input.ID)
		}
		return &decisionBody{Body: *d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-decision",
		Method:      http.MethodPatch,
		Path:        "/decisions/{id}",
		Summary:     "Patch decision record",
		Description: "Replaces every provided field. A changed status is recorded in the history with a generic reason.",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body PatchDecisionRequest `json:"body"`
	}) (*decisionBody, error) {
		d, err := e.PatchDecision(ctx, input.Body.patch(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-decision-status",
		Method:      http.MethodPost,
		Path:        "/decisions/{id}/status",
		Summary:     "Transition decision status",
		Description: "Always appends a status history entry, even when the status is unchanged.",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body TransitionStatusRequest `json:"body"`
	}) (*decisionBody, error) {
		d, err := e.TransitionStatus(ctx, input.ID, input.Body.Status, input.Body.Reason, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-history",
		Method:      http.MethodGet,
		Path:        "/decisions/{id}/history",
		Summary:     "Decision status history",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body []domain.StatusChange `json:"body"`
	}, error) {
		history, err := e.DecisionHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusChange `json:"body"`
		}{Body: history}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-related",
		Method:      http.MethodGet,
		Path:        "/decisions/{id}/related",
		Summary:     "Resolve related decision records",
		Tags:        []string{"decisions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body domain.RelatedDecisions `json:"body"`
	}, error) {
		rel, err := e.ResolveRelated(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RelatedDecisions `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-decision",
		Method:        http.MethodDelete,
		Path:          "/decisions/{id}",
		Summary:       "Delete decision record",
		Tags:          []string{"decisions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *decisionPath) (*struct{}, error) {
		if err := e.DeleteDecision(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-insights",
		Method:      http.MethodGet,
		Path:        "/decisions/{id}/insights",
		Summary:     "Insights converted into a decision record",
		Tags:        []string{"decisions", "insights"},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body []domain.Insight `json:"body"`
	}, error) {
		items, err := e.InsightsByADR(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Insight `json:"body"`
		}{Body: items}, nil
	})
}
