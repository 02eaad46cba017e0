package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// TaskFilters defines filtering options for task queries
type TaskFilters struct {
	UserID        *string
	BranchID      *uuid.UUID
	Status        []string
	Priority      []string
	ContextID     *uuid.UUID
	DueBefore     *time.Time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Query matches title, description and details case-insensitively.
	Query *string

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string
	SortOrder types.SortOrder
}

// TaskRepository defines the interface for task persistence
type TaskRepository interface {
	// Transaction support
	WithTx(tx types.Transaction) TaskRepository
	BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error)

	// Basic CRUD operations
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	UpdateWithVersion(ctx context.Context, task *models.Task, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Query operations
	List(ctx context.Context, filters TaskFilters) ([]*models.Task, error)
	ListByBranch(ctx context.Context, branchID uuid.UUID) ([]*models.Task, error)
	GetStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Status, error)

	// Dependency operations
	AddDependency(ctx context.Context, dep *models.TaskDependency) error
	RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) error
	GetDependencies(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error)
	GetDependents(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error)
	GetDependenciesForTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]*models.TaskDependency, error)
}

// SubtaskFilters defines filtering options for subtask queries
type SubtaskFilters struct {
	UserID     *string
	TaskID     *uuid.UUID
	Status     []string
	AssigneeID *string

	Limit  int
	Offset int
}

// SubtaskRepository defines the interface for subtask persistence
type SubtaskRepository interface {
	WithTx(tx types.Transaction) SubtaskRepository

	Create(ctx context.Context, subtask *models.Subtask) error
	Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error)
	Update(ctx context.Context, subtask *models.Subtask) error
	UpdateWithVersion(ctx context.Context, subtask *models.Subtask, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filters SubtaskFilters) ([]*models.Subtask, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error)
	CountByTask(ctx context.Context, taskID uuid.UUID) (total int, completed int, err error)
	DeleteByTask(ctx context.Context, taskID uuid.UUID) error
}
