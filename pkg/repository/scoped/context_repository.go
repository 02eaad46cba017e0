package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type contextRepository struct {
	inner interfaces.ContextRepository
	guard
}

// NewContextRepository wraps inner with tenant isolation. Global contexts
// are user-scoped like every other row, with one read-side exception:
// shared template rows (stored without an owner) are visible to all users.
// They are never writable through this layer, and the interface deliberately
// offers no way to delete a global context.
func NewContextRepository(inner interfaces.ContextRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.ContextRepository {
	return &contextRepository{
		inner: inner,
		guard: newGuard("contexts", logger, metrics),
	}
}

func (r *contextRepository) WithTx(tx types.Transaction) interfaces.ContextRepository {
	return &contextRepository{inner: r.inner.WithTx(tx), guard: r.guard}
}

func (r *contextRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	return r.inner.BeginTx(ctx, opts)
}

// Global level

func (r *contextRepository) CreateGlobal(ctx context.Context, gc *models.GlobalContext) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(gc, uid); err != nil {
		return err
	}
	return r.inner.CreateGlobal(ctx, gc)
}

func (r *contextRepository) GetGlobal(ctx context.Context, id uuid.UUID) (*models.GlobalContext, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	gc, err := r.inner.GetGlobal(ctx, id)
	if err != nil {
		return nil, err
	}
	if gc.UserID != uid && !gc.IsSharedTemplate() {
		return nil, interfaces.ErrNotFound
	}
	return gc, nil
}

func (r *contextRepository) GetGlobalForUser(ctx context.Context, userID string) (*models.GlobalContext, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	if userID != uid {
		return nil, interfaces.ErrNotFound
	}
	return r.inner.GetGlobalForUser(ctx, uid)
}

func (r *contextRepository) UpdateGlobal(ctx context.Context, gc *models.GlobalContext, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.GetGlobal(ctx, gc.ID)
	if err != nil {
		return err
	}
	// Shared templates have no owner, so own rejects them too.
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(gc, uid); err != nil {
		return err
	}
	return r.inner.UpdateGlobal(ctx, gc, expectedVersion)
}

// Project level

func (r *contextRepository) CreateProject(ctx context.Context, pc *models.ProjectContext) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(pc, uid); err != nil {
		return err
	}
	return r.inner.CreateProject(ctx, pc)
}

func (r *contextRepository) GetProject(ctx context.Context, projectID uuid.UUID) (*models.ProjectContext, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	pc, err := r.inner.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if pc.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return pc, nil
}

func (r *contextRepository) UpdateProject(ctx context.Context, pc *models.ProjectContext, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.GetProject(ctx, pc.ProjectID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(pc, uid); err != nil {
		return err
	}
	return r.inner.UpdateProject(ctx, pc, expectedVersion)
}

func (r *contextRepository) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}
	return r.inner.DeleteProject(ctx, projectID)
}

// Branch level

func (r *contextRepository) CreateBranch(ctx context.Context, bc *models.BranchContext) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(bc, uid); err != nil {
		return err
	}
	return r.inner.CreateBranch(ctx, bc)
}

func (r *contextRepository) GetBranch(ctx context.Context, branchID uuid.UUID) (*models.BranchContext, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	bc, err := r.inner.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if bc.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return bc, nil
}

func (r *contextRepository) UpdateBranch(ctx context.Context, bc *models.BranchContext, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.GetBranch(ctx, bc.BranchID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(bc, uid); err != nil {
		return err
	}
	return r.inner.UpdateBranch(ctx, bc, expectedVersion)
}

func (r *contextRepository) DeleteBranch(ctx context.Context, branchID uuid.UUID) error {
	if _, err := r.GetBranch(ctx, branchID); err != nil {
		return err
	}
	return r.inner.DeleteBranch(ctx, branchID)
}

// Task level

func (r *contextRepository) CreateTask(ctx context.Context, tc *models.TaskContext) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(tc, uid); err != nil {
		return err
	}
	return r.inner.CreateTask(ctx, tc)
}

func (r *contextRepository) GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskContext, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	tc, err := r.inner.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if tc.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return tc, nil
}

func (r *contextRepository) UpdateTask(ctx context.Context, tc *models.TaskContext, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.GetTask(ctx, tc.TaskID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(tc, uid); err != nil {
		return err
	}
	return r.inner.UpdateTask(ctx, tc, expectedVersion)
}

func (r *contextRepository) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	if _, err := r.GetTask(ctx, taskID); err != nil {
		return err
	}
	return r.inner.DeleteTask(ctx, taskID)
}

// GetVersions receives refs collected while resolving the user's own
// hierarchy, so the set is already scoped. Version metadata carries no
// payload either way.
func (r *contextRepository) GetVersions(ctx context.Context, refs []interfaces.ContextRef) (map[interfaces.ContextRef]interfaces.ContextVersion, error) {
	if _, err := currentUser(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetVersions(ctx, refs)
}

// Delegations

func (r *contextRepository) CreateDelegation(ctx context.Context, d *models.ContextDelegation) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(d, uid); err != nil {
		return err
	}
	return r.inner.CreateDelegation(ctx, d)
}

func (r *contextRepository) GetDelegation(ctx context.Context, id uuid.UUID) (*models.ContextDelegation, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	d, err := r.inner.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return d, nil
}

func (r *contextRepository) ListDelegations(ctx context.Context, filters interfaces.DelegationFilters) ([]*models.ContextDelegation, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.ListDelegations(ctx, filters)
}

func (r *contextRepository) UpdateDelegation(ctx context.Context, d *models.ContextDelegation) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.GetDelegation(ctx, d.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(d, uid); err != nil {
		return err
	}
	return r.inner.UpdateDelegation(ctx, d)
}
