package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// ProjectFilters defines filtering options for project queries
type ProjectFilters struct {
	UserID *string
	Name   *string
	Status []string

	Limit  int
	Offset int

	SortBy    string
	SortOrder types.SortOrder
}

// ProjectRepository defines the interface for project persistence
type ProjectRepository interface {
	WithTx(tx types.Transaction) ProjectRepository
	BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error)

	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, project *models.Project) error
	UpdateWithVersion(ctx context.Context, project *models.Project, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filters ProjectFilters) ([]*models.Project, error)
}

// BranchFilters defines filtering options for branch queries
type BranchFilters struct {
	UserID    *string
	ProjectID *uuid.UUID
	Name      *string
	Status    []string
	AgentID   *uuid.UUID

	Limit  int
	Offset int
}

// BranchRepository defines the interface for branch persistence
type BranchRepository interface {
	WithTx(tx types.Transaction) BranchRepository

	Create(ctx context.Context, branch *models.Branch) error
	Get(ctx context.Context, id uuid.UUID) (*models.Branch, error)
	Update(ctx context.Context, branch *models.Branch) error
	UpdateWithVersion(ctx context.Context, branch *models.Branch, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filters BranchFilters) ([]*models.Branch, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error)

	// RecalculateTaskCounts refreshes the denormalized task statistics on a
	// branch row from the tasks table.
	RecalculateTaskCounts(ctx context.Context, branchID uuid.UUID) error
	AssignAgent(ctx context.Context, branchID uuid.UUID, agentID *uuid.UUID) error
}
