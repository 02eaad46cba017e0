package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type projectRepository struct {
	inner interfaces.ProjectRepository
	guard
}

// NewProjectRepository wraps inner with tenant isolation.
func NewProjectRepository(inner interfaces.ProjectRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.ProjectRepository {
	return &projectRepository{
		inner: inner,
		guard: newGuard("projects", logger, metrics),
	}
}

func (r *projectRepository) WithTx(tx types.Transaction) interfaces.ProjectRepository {
	return &projectRepository{inner: r.inner.WithTx(tx), guard: r.guard}
}

func (r *projectRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	return r.inner.BeginTx(ctx, opts)
}

func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(project, uid); err != nil {
		return err
	}
	return r.inner.Create(ctx, project)
}

func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	project, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return project, nil
}

func (r *projectRepository) Update(ctx context.Context, project *models.Project) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, project.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(project, uid); err != nil {
		return err
	}
	return r.inner.Update(ctx, project)
}

func (r *projectRepository) UpdateWithVersion(ctx context.Context, project *models.Project, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, project.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(project, uid); err != nil {
		return err
	}
	return r.inner.UpdateWithVersion(ctx, project, expectedVersion)
}

func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

func (r *projectRepository) List(ctx context.Context, filters interfaces.ProjectFilters) ([]*models.Project, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.List(ctx, filters)
}
