package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
)

type projectBody struct {
	Body domain.Project `json:"body"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectBody, error) {
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			RepositoryURL: input.Body.RepositoryURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*projectBody, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p == nil {
			return nil, notFound("project", input.ID)
		}
		return &projectBody{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Patch project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PatchProjectRequest `json:"body"`
	}) (*projectBody, error) {
		p, err := e.PatchProject(ctx, engine.ProjectPatch{
			ID:            input.ID,
			Name:          input.Body.Name,
			Description:   input.Body.Description,
			RepositoryURL: input.Body.RepositoryURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}",
		Summary:       "Delete project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
