package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type subtaskRepository struct {
	inner interfaces.SubtaskRepository
	tasks interfaces.TaskRepository
	guard
}

// NewSubtaskRepository wraps inner with tenant isolation. Operations keyed
// by parent task are gated through tasks, which must itself be scoped.
func NewSubtaskRepository(inner interfaces.SubtaskRepository, tasks interfaces.TaskRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.SubtaskRepository {
	return &subtaskRepository{
		inner: inner,
		tasks: tasks,
		guard: newGuard("subtasks", logger, metrics),
	}
}

func (r *subtaskRepository) WithTx(tx types.Transaction) interfaces.SubtaskRepository {
	return &subtaskRepository{inner: r.inner.WithTx(tx), tasks: r.tasks.WithTx(tx), guard: r.guard}
}

// gateTask masks parent tasks the user cannot see.
func (r *subtaskRepository) gateTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := r.tasks.Get(ctx, taskID)
	return err
}

func (r *subtaskRepository) Create(ctx context.Context, subtask *models.Subtask) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.gateTask(ctx, subtask.TaskID); err != nil {
		return err
	}
	if err := r.stamp(subtask, uid); err != nil {
		return err
	}
	return r.inner.Create(ctx, subtask)
}

func (r *subtaskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	subtask, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if subtask.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return subtask, nil
}

func (r *subtaskRepository) Update(ctx context.Context, subtask *models.Subtask) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, subtask.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(subtask, uid); err != nil {
		return err
	}
	return r.inner.Update(ctx, subtask)
}

func (r *subtaskRepository) UpdateWithVersion(ctx context.Context, subtask *models.Subtask, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, subtask.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(subtask, uid); err != nil {
		return err
	}
	return r.inner.UpdateWithVersion(ctx, subtask, expectedVersion)
}

func (r *subtaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

func (r *subtaskRepository) List(ctx context.Context, filters interfaces.SubtaskFilters) ([]*models.Subtask, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.List(ctx, filters)
}

func (r *subtaskRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	if err := r.gateTask(ctx, taskID); err != nil {
		return nil, err
	}
	// Subtasks of an owned task share its owner.
	return r.inner.ListByTask(ctx, taskID)
}

func (r *subtaskRepository) CountByTask(ctx context.Context, taskID uuid.UUID) (int, int, error) {
	if err := r.gateTask(ctx, taskID); err != nil {
		return 0, 0, err
	}
	return r.inner.CountByTask(ctx, taskID)
}

func (r *subtaskRepository) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	if err := r.gateTask(ctx, taskID); err != nil {
		return err
	}
	return r.inner.DeleteByTask(ctx, taskID)
}
