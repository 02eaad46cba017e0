package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type taskRepository struct {
	inner interfaces.TaskRepository
	guard
}

// NewTaskRepository wraps inner with tenant isolation.
func NewTaskRepository(inner interfaces.TaskRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.TaskRepository {
	return &taskRepository{
		inner: inner,
		guard: newGuard("tasks", logger, metrics),
	}
}

func (r *taskRepository) WithTx(tx types.Transaction) interfaces.TaskRepository {
	return &taskRepository{inner: r.inner.WithTx(tx), guard: r.guard}
}

func (r *taskRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	return r.inner.BeginTx(ctx, opts)
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(task, uid); err != nil {
		return err
	}
	return r.inner.Create(ctx, task)
}

func (r *taskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	task, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.UserID != uid {
		// Foreign rows read as absent so IDs cannot be probed.
		return nil, interfaces.ErrNotFound
	}
	return task, nil
}

func (r *taskRepository) Update(ctx context.Context, task *models.Task) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(task, uid); err != nil {
		return err
	}
	return r.inner.Update(ctx, task)
}

func (r *taskRepository) UpdateWithVersion(ctx context.Context, task *models.Task, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(task, uid); err != nil {
		return err
	}
	return r.inner.UpdateWithVersion(ctx, task, expectedVersion)
}

func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

func (r *taskRepository) List(ctx context.Context, filters interfaces.TaskFilters) ([]*models.Task, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.List(ctx, filters)
}

func (r *taskRepository) ListByBranch(ctx context.Context, branchID uuid.UUID) ([]*models.Task, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := r.inner.ListByBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return filterOwned(tasks, uid), nil
}

// GetStatuses receives IDs taken from the user's own dependency edges.
// Edges never link tasks of different users, so the set is already scoped.
func (r *taskRepository) GetStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Status, error) {
	if _, err := currentUser(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetStatuses(ctx, ids)
}

func (r *taskRepository) AddDependency(ctx context.Context, dep *models.TaskDependency) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	// Both endpoints must be visible to the user before an edge links them.
	if _, err := r.Get(ctx, dep.TaskID); err != nil {
		return err
	}
	if _, err := r.Get(ctx, dep.DependsOnTaskID); err != nil {
		return err
	}
	if err := r.stamp(dep, uid); err != nil {
		return err
	}
	return r.inner.AddDependency(ctx, dep)
}

func (r *taskRepository) RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) error {
	if _, err := r.Get(ctx, taskID); err != nil {
		return err
	}
	return r.inner.RemoveDependency(ctx, taskID, dependsOnID)
}

func (r *taskRepository) GetDependencies(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	deps, err := r.inner.GetDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return filterOwned(deps, uid), nil
}

func (r *taskRepository) GetDependents(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	deps, err := r.inner.GetDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return filterOwned(deps, uid), nil
}

func (r *taskRepository) GetDependenciesForTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]*models.TaskDependency, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	all, err := r.inner.GetDependenciesForTasks(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]*models.TaskDependency, len(all))
	for id, deps := range all {
		if owned := filterOwned(deps, uid); len(owned) > 0 {
			out[id] = owned
		}
	}
	return out, nil
}
