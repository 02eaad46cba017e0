package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// AgentFilters defines filtering options for agent queries
type AgentFilters struct {
	UserID     *string
	ProjectID  *uuid.UUID
	Name       *string
	Status     []string
	Capability *string

	Limit  int
	Offset int
}

// AgentRepository defines the interface for agent persistence
type AgentRepository interface {
	WithTx(tx types.Transaction) AgentRepository

	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	UpdateWithVersion(ctx context.Context, agent *models.Agent, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filters AgentFilters) ([]*models.Agent, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error)
}
