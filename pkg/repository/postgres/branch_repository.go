package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

const branchColumns = `
	id, project_id, user_id, name, description, status, priority, assigned_agent_id,
	task_count, completed_task_count, metadata, created_at, updated_at, version`

type branchRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewBranchRepository creates a branch repository
func NewBranchRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.BranchRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &branchRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *branchRepository) WithTx(tx types.Transaction) interfaces.BranchRepository {
	return &branchRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

func (r *branchRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *branchRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// Create inserts a new branch
func (r *branchRepository) Create(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Create")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_create", func(ctx context.Context) error {
		if branch.ID == uuid.Nil {
			branch.ID = uuid.New()
		}
		now := time.Now().UTC()
		branch.CreatedAt = now
		branch.UpdatedAt = now
		branch.Version = 1
		if branch.Status == "" {
			branch.Status = models.StatusTodo
		}
		if branch.Priority == "" {
			branch.Priority = models.PriorityMedium
		}
		if branch.Metadata == nil {
			branch.Metadata = models.JSONMap{}
		}

		query := `
			INSERT INTO branches (
				id, project_id, user_id, name, description, status, priority, assigned_agent_id,
				task_count, completed_task_count, metadata, created_at, updated_at, version
			) VALUES (
				:id, :project_id, :user_id, :name, :description, :status, :priority, :assigned_agent_id,
				:task_count, :completed_task_count, :metadata, :created_at, :updated_at, :version
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, branch); err != nil {
			return r.TranslateError(err, "branch")
		}
		return nil
	})
}

// Get retrieves a branch by ID
func (r *branchRepository) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.Get")
	defer span.End()

	var branch models.Branch
	err := r.ExecuteQuery(ctx, "branch_get", func(ctx context.Context) error {
		query := `SELECT ` + branchColumns + ` FROM branches WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &branch, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get branch")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

// Update updates a branch, bumping the version
func (r *branchRepository) Update(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Update")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_update", func(ctx context.Context) error {
		branch.Version++
		branch.UpdatedAt = time.Now().UTC()

		result, err := sqlx.NamedExecContext(ctx, r.writer(), branchUpdateQuery(`WHERE id = :id`), branch)
		if err != nil {
			return r.TranslateError(err, "branch")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// UpdateWithVersion updates a branch with optimistic locking
func (r *branchRepository) UpdateWithVersion(ctx context.Context, branch *models.Branch, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "BranchRepository.UpdateWithVersion")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_update_with_version", func(ctx context.Context) error {
		branch.Version = expectedVersion + 1
		branch.UpdatedAt = time.Now().UTC()

		type branchWithExpectedVersion struct {
			*models.Branch
			ExpectedVersion int `db:"expected_version"`
		}

		result, err := sqlx.NamedExecContext(ctx, r.writer(),
			branchUpdateQuery(`WHERE id = :id AND version = :expected_version`),
			&branchWithExpectedVersion{Branch: branch, ExpectedVersion: expectedVersion})
		if err != nil {
			return r.TranslateError(err, "branch")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			var exists bool
			if err := sqlx.GetContext(ctx, r.reader(), &exists,
				"SELECT EXISTS(SELECT 1 FROM branches WHERE id = $1)", branch.ID); err != nil {
				return errors.Wrap(err, "failed to check branch existence")
			}
			if !exists {
				return interfaces.ErrNotFound
			}
			return interfaces.ErrOptimisticLock
		}
		return nil
	})
}

func branchUpdateQuery(where string) string {
	return `
		UPDATE branches SET
			name = :name,
			description = :description,
			status = :status,
			priority = :priority,
			assigned_agent_id = :assigned_agent_id,
			task_count = :task_count,
			completed_task_count = :completed_task_count,
			metadata = :metadata,
			updated_at = :updated_at,
			version = :version
		` + where
}

// Delete removes a branch
func (r *branchRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_delete", func(ctx context.Context) error {
		result, err := r.writer().ExecContext(ctx, "DELETE FROM branches WHERE id = $1", id)
		if err != nil {
			return r.TranslateError(err, "branch")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// List returns branches matching the filters
func (r *branchRepository) List(ctx context.Context, filters interfaces.BranchFilters) ([]*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.List")
	defer span.End()

	var (
		conditions []string
		args       []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.UserID != nil {
		conditions = append(conditions, "user_id = "+arg(*filters.UserID))
	}
	if filters.ProjectID != nil {
		conditions = append(conditions, "project_id = "+arg(*filters.ProjectID))
	}
	if filters.Name != nil {
		conditions = append(conditions, "name = "+arg(*filters.Name))
	}
	if len(filters.Status) > 0 {
		conditions = append(conditions, "status = ANY("+arg(pq.Array(filters.Status))+")")
	}
	if filters.AgentID != nil {
		conditions = append(conditions, "assigned_agent_id = "+arg(filters.AgentID.String()))
	}

	query := `SELECT ` + branchColumns + ` FROM branches`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}

	var branches []*models.Branch
	err := r.ExecuteQuery(ctx, "branch_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &branches, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "branch")
	}
	return branches, nil
}

// ListByProject returns all branches of a project
func (r *branchRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.ListByProject")
	defer span.End()

	var branches []*models.Branch
	err := r.ExecuteQuery(ctx, "branch_list_by_project", func(ctx context.Context) error {
		query := `SELECT ` + branchColumns + ` FROM branches WHERE project_id = $1 ORDER BY created_at ASC`
		return sqlx.SelectContext(ctx, r.reader(), &branches, query, projectID)
	})
	if err != nil {
		return nil, r.TranslateError(err, "branch")
	}
	return branches, nil
}

// RecalculateTaskCounts refreshes denormalized task statistics from the
// tasks table.
func (r *branchRepository) RecalculateTaskCounts(ctx context.Context, branchID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "BranchRepository.RecalculateTaskCounts")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_recalculate_task_counts", func(ctx context.Context) error {
		query := `
			UPDATE branches SET
				task_count = stats.total,
				completed_task_count = stats.completed,
				updated_at = NOW()
			FROM (
				SELECT
					COUNT(*) AS total,
					COUNT(*) FILTER (WHERE status IN ('done', 'cancelled')) AS completed
				FROM tasks WHERE branch_id = $1
			) AS stats
			WHERE branches.id = $1`

		result, err := r.writer().ExecContext(ctx, query, branchID)
		if err != nil {
			return r.TranslateError(err, "branch")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// AssignAgent sets or clears the agent assigned to a branch
func (r *branchRepository) AssignAgent(ctx context.Context, branchID uuid.UUID, agentID *uuid.UUID) error {
	ctx, span := r.tracer(ctx, "BranchRepository.AssignAgent")
	defer span.End()

	return r.ExecuteQuery(ctx, "branch_assign_agent", func(ctx context.Context) error {
		var agentValue interface{}
		if agentID != nil {
			agentValue = agentID.String()
		}

		result, err := r.writer().ExecContext(ctx,
			"UPDATE branches SET assigned_agent_id = $1, updated_at = NOW() WHERE id = $2",
			agentValue, branchID)
		if err != nil {
			return r.TranslateError(err, "branch")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}
