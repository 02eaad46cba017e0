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

const subtaskColumns = `
	id, task_id, user_id, title, status, priority,
	description, assignees, progress_percentage, progress_notes, blockers,
	completion_summary, impact_on_parent, insights_found,
	created_at, updated_at, completed_at, version`

type subtaskRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewSubtaskRepository creates a subtask repository
func NewSubtaskRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.SubtaskRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &subtaskRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *subtaskRepository) WithTx(tx types.Transaction) interfaces.SubtaskRepository {
	return &subtaskRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

func (r *subtaskRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *subtaskRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// Create inserts a new subtask
func (r *subtaskRepository) Create(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Create")
	defer span.End()

	return r.ExecuteQuery(ctx, "subtask_create", func(ctx context.Context) error {
		if subtask.ID == uuid.Nil {
			subtask.ID = uuid.New()
		}
		now := time.Now().UTC()
		subtask.CreatedAt = now
		subtask.UpdatedAt = now
		subtask.Version = 1
		if subtask.Status == "" {
			subtask.Status = models.StatusTodo
		}
		if subtask.Priority == "" {
			subtask.Priority = models.PriorityMedium
		}
		if subtask.Assignees == nil {
			subtask.Assignees = models.StringArray{}
		}
		if subtask.InsightsFound == nil {
			subtask.InsightsFound = models.StringArray{}
		}

		query := `
			INSERT INTO subtasks (
				id, task_id, user_id, title, status, priority,
				description, assignees, progress_percentage, progress_notes, blockers,
				completion_summary, impact_on_parent, insights_found,
				created_at, updated_at, completed_at, version
			) VALUES (
				:id, :task_id, :user_id, :title, :status, :priority,
				:description, :assignees, :progress_percentage, :progress_notes, :blockers,
				:completion_summary, :impact_on_parent, :insights_found,
				:created_at, :updated_at, :completed_at, :version
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, subtask); err != nil {
			return r.TranslateError(err, "subtask")
		}
		return nil
	})
}

// Get retrieves a subtask by ID
func (r *subtaskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Get")
	defer span.End()

	var subtask models.Subtask
	err := r.ExecuteQuery(ctx, "subtask_get", func(ctx context.Context) error {
		query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &subtask, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get subtask")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &subtask, nil
}

// Update updates a subtask, bumping the version
func (r *subtaskRepository) Update(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Update")
	defer span.End()

	return r.ExecuteQuery(ctx, "subtask_update", func(ctx context.Context) error {
		subtask.Version++
		subtask.UpdatedAt = time.Now().UTC()

		result, err := sqlx.NamedExecContext(ctx, r.writer(), subtaskUpdateQuery(`WHERE id = :id`), subtask)
		if err != nil {
			return r.TranslateError(err, "subtask")
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

// UpdateWithVersion updates a subtask with optimistic locking
func (r *subtaskRepository) UpdateWithVersion(ctx context.Context, subtask *models.Subtask, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.UpdateWithVersion")
	defer span.End()

	return r.ExecuteQuery(ctx, "subtask_update_with_version", func(ctx context.Context) error {
		subtask.Version = expectedVersion + 1
		subtask.UpdatedAt = time.Now().UTC()

		type subtaskWithExpectedVersion struct {
			*models.Subtask
			ExpectedVersion int `db:"expected_version"`
		}

		result, err := sqlx.NamedExecContext(ctx, r.writer(),
			subtaskUpdateQuery(`WHERE id = :id AND version = :expected_version`),
			&subtaskWithExpectedVersion{Subtask: subtask, ExpectedVersion: expectedVersion})
		if err != nil {
			return r.TranslateError(err, "subtask")
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			var exists bool
			if err := sqlx.GetContext(ctx, r.reader(), &exists,
				"SELECT EXISTS(SELECT 1 FROM subtasks WHERE id = $1)", subtask.ID); err != nil {
				return errors.Wrap(err, "failed to check subtask existence")
			}
			if !exists {
				return interfaces.ErrNotFound
			}
			return interfaces.ErrOptimisticLock
		}
		return nil
	})
}

func subtaskUpdateQuery(where string) string {
	return `
		UPDATE subtasks SET
			title = :title,
			status = :status,
			priority = :priority,
			description = :description,
			assignees = :assignees,
			progress_percentage = :progress_percentage,
			progress_notes = :progress_notes,
			blockers = :blockers,
			completion_summary = :completion_summary,
			impact_on_parent = :impact_on_parent,
			insights_found = :insights_found,
			completed_at = :completed_at,
			updated_at = :updated_at,
			version = :version
		` + where
}

// Delete removes a subtask
func (r *subtaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "subtask_delete", func(ctx context.Context) error {
		result, err := r.writer().ExecContext(ctx, "DELETE FROM subtasks WHERE id = $1", id)
		if err != nil {
			return r.TranslateError(err, "subtask")
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

// List returns subtasks matching the filters
func (r *subtaskRepository) List(ctx context.Context, filters interfaces.SubtaskFilters) ([]*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.List")
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
	if filters.TaskID != nil {
		conditions = append(conditions, "task_id = "+arg(*filters.TaskID))
	}
	if len(filters.Status) > 0 {
		conditions = append(conditions, "status = ANY("+arg(pq.Array(filters.Status))+")")
	}
	if filters.AssigneeID != nil {
		// assignees is a jsonb array; ? tests string membership
		conditions = append(conditions, "assignees ? "+arg(*filters.AssigneeID))
	}

	query := `SELECT ` + subtaskColumns + ` FROM subtasks`
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

	var subtasks []*models.Subtask
	err := r.ExecuteQuery(ctx, "subtask_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &subtasks, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "subtask")
	}
	return subtasks, nil
}

// ListByTask returns a task's subtasks in creation order
func (r *subtaskRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.ListByTask")
	defer span.End()

	var subtasks []*models.Subtask
	err := r.ExecuteQuery(ctx, "subtask_list_by_task", func(ctx context.Context) error {
		query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE task_id = $1 ORDER BY created_at ASC`
		return sqlx.SelectContext(ctx, r.reader(), &subtasks, query, taskID)
	})
	if err != nil {
		return nil, r.TranslateError(err, "subtask")
	}
	return subtasks, nil
}

// CountByTask returns total and terminal subtask counts for a task
func (r *subtaskRepository) CountByTask(ctx context.Context, taskID uuid.UUID) (int, int, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.CountByTask")
	defer span.End()

	var counts struct {
		Total     int `db:"total"`
		Completed int `db:"completed"`
	}
	err := r.ExecuteQuery(ctx, "subtask_count_by_task", func(ctx context.Context) error {
		query := `
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status IN ('done', 'cancelled')) AS completed
			FROM subtasks WHERE task_id = $1`
		return sqlx.GetContext(ctx, r.reader(), &counts, query, taskID)
	})
	if err != nil {
		return 0, 0, r.TranslateError(err, "subtask")
	}
	return counts.Total, counts.Completed, nil
}

// DeleteByTask removes all subtasks belonging to a task
func (r *subtaskRepository) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.DeleteByTask")
	defer span.End()

	return r.ExecuteQuery(ctx, "subtask_delete_by_task", func(ctx context.Context) error {
		if _, err := r.writer().ExecContext(ctx, "DELETE FROM subtasks WHERE task_id = $1", taskID); err != nil {
			return r.TranslateError(err, "subtask")
		}
		return nil
	})
}
