package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
)

func registerViews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "knowledge-map",
		Method:      http.MethodGet,
		Path:        "/map",
		Summary:     "Knowledge map of decisions, tags and code references",
		Tags:        []string{"views"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body domain.KnowledgeMap `json:"body"`
	}, error) {
		m, err := e.KnowledgeMap(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KnowledgeMap `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Dashboard statistics",
		Tags:        []string{"views"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		s, err := e.Stats(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: s}, nil
	})
}
