package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type branchRepository struct {
	inner interfaces.BranchRepository
	guard
}

// NewBranchRepository wraps inner with tenant isolation.
func NewBranchRepository(inner interfaces.BranchRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.BranchRepository {
	return &branchRepository{
		inner: inner,
		guard: newGuard("branches", logger, metrics),
	}
}

func (r *branchRepository) WithTx(tx types.Transaction) interfaces.BranchRepository {
	return &branchRepository{inner: r.inner.WithTx(tx), guard: r.guard}
}

func (r *branchRepository) Create(ctx context.Context, branch *models.Branch) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(branch, uid); err != nil {
		return err
	}
	return r.inner.Create(ctx, branch)
}

func (r *branchRepository) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	branch, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if branch.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return branch, nil
}

func (r *branchRepository) Update(ctx context.Context, branch *models.Branch) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, branch.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(branch, uid); err != nil {
		return err
	}
	return r.inner.Update(ctx, branch)
}

func (r *branchRepository) UpdateWithVersion(ctx context.Context, branch *models.Branch, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, branch.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(branch, uid); err != nil {
		return err
	}
	return r.inner.UpdateWithVersion(ctx, branch, expectedVersion)
}

func (r *branchRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

func (r *branchRepository) List(ctx context.Context, filters interfaces.BranchFilters) ([]*models.Branch, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.List(ctx, filters)
}

func (r *branchRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := r.inner.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return filterOwned(branches, uid), nil
}

func (r *branchRepository) RecalculateTaskCounts(ctx context.Context, branchID uuid.UUID) error {
	if _, err := r.Get(ctx, branchID); err != nil {
		return err
	}
	return r.inner.RecalculateTaskCounts(ctx, branchID)
}

func (r *branchRepository) AssignAgent(ctx context.Context, branchID uuid.UUID, agentID *uuid.UUID) error {
	if _, err := r.Get(ctx, branchID); err != nil {
		return err
	}
	return r.inner.AssignAgent(ctx, branchID, agentID)
}
