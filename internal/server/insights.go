package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
)

type insightPath struct {
	ID string `path:"id"`
}

type insightBody struct {
	Body domain.Insight `json:"body"`
}

func registerInsights(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-insight",
		Method:        http.MethodPost,
		Path:          "/insights",
		Summary:       "Create insight",
		Tags:          []string{"insights"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateInsightRequest `json:"body"`
	}) (*insightBody, error) {
		in, err := e.CreateInsight(ctx, engine.InsightCreateOptions{
			Title:          input.Body.Title,
			Content:        input.Body.Content,
			Tags:           input.Body.Tags,
			CodeReferences: toCodeRefs(input.Body.CodeReferences),
			ADRID:          input.Body.ADRID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &insightBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-insights",
		Method:      http.MethodGet,
		Path:        "/insights",
		Summary:     "List insights",
		Description: "With adr_id, returns only insights converted into that decision record.",
		Tags:        []string{"insights"},
	}, func(ctx context.Context, input *struct {
		ADRID string `query:"adr_id"`
	}) (*struct {
		Body []domain.Insight `json:"body"`
	}, error) {
		var items []domain.Insight
		var err error
		if input.ADRID != "" {
			items, err = e.InsightsByADR(ctx, input.ADRID)
		} else {
			items, err = e.ListInsights(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Insight `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-insight",
		Method:      http.MethodGet,
		Path:        "/insights/{id}",
		Summary:     "Get insight",
		Tags:        []string{"insights"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *insightPath) (*insightBody, error) {
		in, err := e.GetInsight(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if in == nil {
			return nil, notFound("insight", input.ID)
		}
		return &insightBody{Body: *in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-insight",
		Method:      http.MethodPatch,
		Path:        "/insights/{id}",
		Summary:     "Patch insight",
		Tags:        []string{"insights"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PatchInsightRequest `json:"body"`
	}) (*insightBody, error) {
		in, err := e.PatchInsight(ctx, input.Body.patch(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &insightBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "convert-insight",
		Method:      http.MethodPost,
		Path:        "/insights/{id}/convert",
		Summary:     "Link insight to a decision record",
		Description: "The decision id is not checked. Converting again replaces the link.",
		Tags:        []string{"insights"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ConvertInsightRequest `json:"body"`
	}) (*insightBody, error) {
		in, err := e.ConvertToADR(ctx, input.ID, input.Body.ADRID)
		if err != nil {
			return nil, handleError(err)
		}
		return &insightBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "promote-insight",
		Method:        http.MethodPost,
		Path:          "/insights/{id}/promote",
		Summary:       "Create a decision record from an insight",
		Description:   "Creates the decision and links the insight in one transaction.",
		Tags:          []string{"insights"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *PromoteInsightRequest `json:"body" required:"false"`
	}) (*struct {
		Body PromoteInsightResponse `json:"body"`
	}, error) {
		d, in, err := e.PromoteInsight(ctx, input.ID, input.Body.overrides())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PromoteInsightResponse `json:"body"`
		}{Body: PromoteInsightResponse{Decision: d, Insight: in}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-insight",
		Method:        http.MethodDelete,
		Path:          "/insights/{id}",
		Summary:       "Delete insight",
		Tags:          []string{"insights"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *insightPath) (*struct{}, error) {
		if err := e.DeleteInsight(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
