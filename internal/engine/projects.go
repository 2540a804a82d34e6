package engine

import (
	"context"
	"database/sql"
	"errors"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/events"
	"adrkeeper/internal/repo"
)

type ProjectCreateOptions struct {
	Name          string
	Description   string
	RepositoryURL string
}

// ProjectPatch replaces every non-nil field. An empty RepositoryURL clears it.
type ProjectPatch struct {
	ID            string
	Name          *string
	Description   *string
	RepositoryURL *string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if err := requireText("name", opts.Name); err != nil {
		return domain.Project{}, err
	}
	now := e.now()
	p := domain.Project{
		ID:            newID(),
		Name:          opts.Name,
		Description:   opts.Description,
		RepositoryURL: optionalString(opts.RepositoryURL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.ProjectCreated, events.KindProject, p.ID, events.EventPayload{"name": p.Name})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) PatchProject(ctx context.Context, p ProjectPatch) (domain.Project, error) {
	if p.Name != nil {
		if err := requireText("name", *p.Name); err != nil {
			return domain.Project{}, err
		}
	}
	var out domain.Project
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if p.Name != nil {
			cur.Name = *p.Name
		}
		if p.Description != nil {
			cur.Description = *p.Description
		}
		if p.RepositoryURL != nil {
			cur.RepositoryURL = optionalString(*p.RepositoryURL)
		}
		cur.UpdatedAt = e.now()
		if err := e.Repo.UpdateProject(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return e.appendEvent(ctx, tx, events.ProjectUpdated, events.KindProject, cur.ID, events.EventPayload{"name": cur.Name})
	})
	return out, err
}

// DeleteProject removes the project. Decisions keep their project_id.
func (e Engine) DeleteProject(ctx context.Context, id string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		removed, err := e.Repo.DeleteProject(ctx, tx, id)
		if err != nil || !removed {
			return err
		}
		return e.appendEvent(ctx, tx, events.ProjectDeleted, events.KindProject, id, nil)
	})
}

func (e Engine) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}
