package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// ContextRef identifies one context row by level and entity ID. Project,
// branch and task contexts are keyed by the ID of the entity they describe.
type ContextRef struct {
	Level models.ContextLevel
	ID    uuid.UUID
}

// Key returns the stable "level:id" form used in cache parent chains.
func (r ContextRef) Key() string {
	return string(r.Level) + ":" + r.ID.String()
}

// ContextVersion carries the fields the resolution cache hashes to detect
// stale parent chains without loading full rows.
type ContextVersion struct {
	Ref                 ContextRef
	Version             int
	InheritanceDisabled bool
}

// DelegationFilters defines filtering options for delegation queries
type DelegationFilters struct {
	UserID      *string
	TargetLevel *models.ContextLevel
	TargetID    *uuid.UUID
	SourceID    *uuid.UUID
	Processed   *bool

	Limit  int
	Offset int
}

// ContextRepository defines the interface for hierarchical context
// persistence. One row per level per entity; global contexts are singletons
// per user.
type ContextRepository interface {
	WithTx(tx types.Transaction) ContextRepository
	BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error)

	// Global level
	CreateGlobal(ctx context.Context, gc *models.GlobalContext) error
	GetGlobal(ctx context.Context, id uuid.UUID) (*models.GlobalContext, error)
	GetGlobalForUser(ctx context.Context, userID string) (*models.GlobalContext, error)
	UpdateGlobal(ctx context.Context, gc *models.GlobalContext, expectedVersion int) error

	// Project level, keyed by project ID
	CreateProject(ctx context.Context, pc *models.ProjectContext) error
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.ProjectContext, error)
	UpdateProject(ctx context.Context, pc *models.ProjectContext, expectedVersion int) error
	DeleteProject(ctx context.Context, projectID uuid.UUID) error

	// Branch level, keyed by branch ID
	CreateBranch(ctx context.Context, bc *models.BranchContext) error
	GetBranch(ctx context.Context, branchID uuid.UUID) (*models.BranchContext, error)
	UpdateBranch(ctx context.Context, bc *models.BranchContext, expectedVersion int) error
	DeleteBranch(ctx context.Context, branchID uuid.UUID) error

	// Task level, keyed by task ID
	CreateTask(ctx context.Context, tc *models.TaskContext) error
	GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskContext, error)
	UpdateTask(ctx context.Context, tc *models.TaskContext, expectedVersion int) error
	DeleteTask(ctx context.Context, taskID uuid.UUID) error

	// GetVersions fetches version metadata for a set of context rows in one
	// round trip. Missing rows are absent from the result.
	GetVersions(ctx context.Context, refs []ContextRef) (map[ContextRef]ContextVersion, error)

	// Delegations
	CreateDelegation(ctx context.Context, d *models.ContextDelegation) error
	GetDelegation(ctx context.Context, id uuid.UUID) (*models.ContextDelegation, error)
	ListDelegations(ctx context.Context, filters DelegationFilters) ([]*models.ContextDelegation, error)
	UpdateDelegation(ctx context.Context, d *models.ContextDelegation) error
}
