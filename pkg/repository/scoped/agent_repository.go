package scoped

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

type agentRepository struct {
	inner interfaces.AgentRepository
	guard
}

// NewAgentRepository wraps inner with tenant isolation.
func NewAgentRepository(inner interfaces.AgentRepository, logger observability.Logger, metrics observability.MetricsClient) interfaces.AgentRepository {
	return &agentRepository{
		inner: inner,
		guard: newGuard("agents", logger, metrics),
	}
}

func (r *agentRepository) WithTx(tx types.Transaction) interfaces.AgentRepository {
	return &agentRepository{inner: r.inner.WithTx(tx), guard: r.guard}
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := r.stamp(agent, uid); err != nil {
		return err
	}
	return r.inner.Create(ctx, agent)
}

func (r *agentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	agent, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.UserID != uid {
		return nil, interfaces.ErrNotFound
	}
	return agent, nil
}

func (r *agentRepository) Update(ctx context.Context, agent *models.Agent) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, agent.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(agent, uid); err != nil {
		return err
	}
	return r.inner.Update(ctx, agent)
}

func (r *agentRepository) UpdateWithVersion(ctx context.Context, agent *models.Agent, expectedVersion int) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return err
	}
	stored, err := r.inner.Get(ctx, agent.ID)
	if err != nil {
		return err
	}
	if err := r.own(uid, stored.UserID); err != nil {
		return err
	}
	if err := r.stamp(agent, uid); err != nil {
		return err
	}
	return r.inner.UpdateWithVersion(ctx, agent, expectedVersion)
}

func (r *agentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

func (r *agentRepository) List(ctx context.Context, filters interfaces.AgentFilters) ([]*models.Agent, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	filters.UserID = &uid
	return r.inner.List(ctx, filters)
}

func (r *agentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	uid, err := currentUser(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := r.inner.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return filterOwned(agents, uid), nil
}
