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
	"github.com/taskhub/taskhub/pkg/resilience"
)

const taskColumns = `
	id, branch_id, user_id, title, status, priority,
	description, details, estimated_effort, testing_notes, completion_summary,
	progress_percentage, assignees, labels, context_id,
	due_date, created_at, updated_at, completed_at, version`

// taskRepository implements TaskRepository with caching, retry and circuit
// breaker protection.
type taskRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewTaskRepository creates a production-ready task repository
func NewTaskRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.TaskRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}
	config.CircuitBreaker = resilience.NewCircuitBreaker(
		"task_repository",
		resilience.DefaultCircuitBreakerConfig(),
		logger,
		metrics,
	)

	return &taskRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

// WithTx returns a repository instance bound to the provided transaction.
func (r *taskRepository) WithTx(tx types.Transaction) interfaces.TaskRepository {
	return &taskRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

// BeginTx starts a new transaction with options
func (r *taskRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.BeginTx")
	defer span.End()

	tx, err := r.writeDB.BeginTxx(ctx, toSQLTxOptions(opts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	if opts != nil && opts.Timeout > 0 {
		// SET does not accept bind parameters
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, errors.Wrap(err, "failed to set transaction timeout")
		}
	}

	return newPgTransaction(tx, r.logger), nil
}

// execute runs fn through the circuit breaker unless the repository is bound
// to a transaction, in which case fn runs inline.
func (r *taskRepository) execute(ctx context.Context, operation string, fn func() (interface{}, error)) error {
	if r.tx != nil {
		_, err := fn()
		return err
	}
	_, err := r.ExecuteWithCircuitBreaker(ctx, operation, fn)
	return err
}

func (r *taskRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *taskRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// Create inserts a new task with retry logic
func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Create")
	defer span.End()

	return r.execute(ctx, "task_create", func() (interface{}, error) {
		return nil, r.createWithRetry(ctx, task)
	})
}

func (r *taskRepository) createWithRetry(ctx context.Context, task *models.Task) error {
	var err error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err = r.doCreate(ctx, task)
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return r.TranslateError(err, "task")
		}

		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			continue
		}
	}
	return r.TranslateError(err, "task")
}

func (r *taskRepository) doCreate(ctx context.Context, task *models.Task) error {
	timer := r.metrics.StartTimer("repository_query_duration", map[string]string{"operation": "task_create"})
	defer timer()

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1
	if task.Status == "" {
		task.Status = models.StatusTodo
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.Assignees == nil {
		task.Assignees = models.StringArray{}
	}
	if task.Labels == nil {
		task.Labels = models.StringArray{}
	}

	query := `
		INSERT INTO tasks (
			id, branch_id, user_id, title, status, priority,
			description, details, estimated_effort, testing_notes, completion_summary,
			progress_percentage, assignees, labels, context_id,
			due_date, created_at, updated_at, completed_at, version
		) VALUES (
			:id, :branch_id, :user_id, :title, :status, :priority,
			:description, :details, :estimated_effort, :testing_notes, :completion_summary,
			:progress_percentage, :assignees, :labels, :context_id,
			:due_date, :created_at, :updated_at, :completed_at, :version
		)`

	var err error
	if r.tx != nil {
		_, err = sqlx.NamedExecContext(ctx, r.tx, query, task)
	} else {
		var stmt *sqlx.NamedStmt
		stmt, err = r.GetPreparedStatement("task_create", query, r.writeDB)
		if err != nil {
			return errors.Wrap(err, "failed to prepare statement")
		}
		_, err = stmt.ExecContext(ctx, task)
	}
	if err != nil {
		r.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{"operation": "task_create", "error_type": classifyDBError(err)})
		return err
	}

	r.invalidateTaskCache(ctx, task)
	r.metrics.IncrementCounterWithLabels("repository_queries", 1, map[string]string{"operation": "task_create", "result": "success"})
	return nil
}

// Get retrieves a task, serving repeated reads from cache
func (r *taskRepository) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.Get")
	defer span.End()

	cacheKey := taskCacheKey(id)
	var task models.Task
	if r.tx == nil {
		if err := r.CacheGet(ctx, cacheKey, &task); err == nil {
			r.metrics.IncrementCounterWithLabels("repository_cache_hits", 1, map[string]string{"entity": "task"})
			return &task, nil
		}
		r.metrics.IncrementCounterWithLabels("repository_cache_misses", 1, map[string]string{"entity": "task"})
	}

	err := r.execute(ctx, "task_get", func() (interface{}, error) {
		return nil, r.doGet(ctx, id, &task)
	})
	if err != nil {
		return nil, err
	}

	if r.tx == nil {
		if err := r.CacheSet(ctx, cacheKey, &task, r.cacheTimeout); err != nil {
			r.logger.Warn("Failed to cache task", map[string]interface{}{"error": err.Error(), "task_id": id})
		}
	}
	return &task, nil
}

func (r *taskRepository) doGet(ctx context.Context, id uuid.UUID, task *models.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	if err := sqlx.GetContext(ctx, r.reader(), task, query, id); err != nil {
		if err == sql.ErrNoRows {
			return interfaces.ErrNotFound
		}
		r.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{"operation": "task_get", "error_type": classifyDBError(err)})
		return errors.Wrap(err, "failed to get task")
	}
	return nil
}

// Update updates a task, bumping the version unconditionally
func (r *taskRepository) Update(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Update")
	defer span.End()

	return r.execute(ctx, "task_update", func() (interface{}, error) {
		return nil, r.doUpdate(ctx, task)
	})
}

func (r *taskRepository) doUpdate(ctx context.Context, task *models.Task) error {
	timer := r.metrics.StartTimer("repository_query_duration", map[string]string{"operation": "task_update"})
	defer timer()

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	task.Version++
	task.UpdatedAt = time.Now().UTC()

	result, err := sqlx.NamedExecContext(ctx, r.writer(), taskUpdateQuery(`WHERE id = :id`), task)
	if err != nil {
		r.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{"operation": "task_update", "error_type": classifyDBError(err)})
		return r.TranslateError(err, "task")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return interfaces.ErrNotFound
	}

	r.invalidateTaskCache(ctx, task)
	return nil
}

// UpdateWithVersion updates a task with optimistic locking
func (r *taskRepository) UpdateWithVersion(ctx context.Context, task *models.Task, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "TaskRepository.UpdateWithVersion")
	defer span.End()

	return r.execute(ctx, "task_update_with_version", func() (interface{}, error) {
		return nil, r.doUpdateWithVersion(ctx, task, expectedVersion)
	})
}

func (r *taskRepository) doUpdateWithVersion(ctx context.Context, task *models.Task, expectedVersion int) error {
	timer := r.metrics.StartTimer("repository_query_duration", map[string]string{"operation": "task_update_with_version"})
	defer timer()

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()

	type taskWithExpectedVersion struct {
		*models.Task
		ExpectedVersion int `db:"expected_version"`
	}

	result, err := sqlx.NamedExecContext(ctx, r.writer(),
		taskUpdateQuery(`WHERE id = :id AND version = :expected_version`),
		&taskWithExpectedVersion{Task: task, ExpectedVersion: expectedVersion})
	if err != nil {
		r.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{"operation": "task_update_with_version", "error_type": classifyDBError(err)})
		return r.TranslateError(err, "task")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		var exists bool
		if err := sqlx.GetContext(ctx, r.reader(), &exists,
			"SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)", task.ID); err != nil {
			return errors.Wrap(err, "failed to check task existence")
		}
		if !exists {
			return interfaces.ErrNotFound
		}
		return interfaces.ErrOptimisticLock
	}

	r.invalidateTaskCache(ctx, task)
	return nil
}

func taskUpdateQuery(where string) string {
	return `
		UPDATE tasks SET
			title = :title,
			status = :status,
			priority = :priority,
			description = :description,
			details = :details,
			estimated_effort = :estimated_effort,
			testing_notes = :testing_notes,
			completion_summary = :completion_summary,
			progress_percentage = :progress_percentage,
			assignees = :assignees,
			labels = :labels,
			context_id = :context_id,
			due_date = :due_date,
			completed_at = :completed_at,
			updated_at = :updated_at,
			version = :version
		` + where
}

// Delete removes a task together with its subtasks and dependency links
func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "task_delete", func(ctx context.Context) error {
		task, err := r.Get(ctx, id)
		if err != nil {
			return err
		}

		deleteFn := func(ctx context.Context, tx sqlx.ExtContext) error {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM task_dependencies WHERE task_id = $1 OR depends_on_task_id = $1", id); err != nil {
				return errors.Wrap(err, "failed to delete task dependencies")
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM subtasks WHERE task_id = $1", id); err != nil {
				return errors.Wrap(err, "failed to delete subtasks")
			}

			result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
			if err != nil {
				return errors.Wrap(err, "failed to delete task")
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "failed to get rows affected")
			}
			if rowsAffected == 0 {
				return interfaces.ErrNotFound
			}
			return nil
		}

		if r.tx != nil {
			if err := deleteFn(ctx, r.tx); err != nil {
				return err
			}
		} else {
			if err := r.WithTransaction(ctx, func(tx *sqlx.Tx) error {
				return deleteFn(ctx, tx)
			}); err != nil {
				return err
			}
		}

		r.invalidateTaskCache(ctx, task)
		return nil
	})
}

// List returns tasks matching the filters
func (r *taskRepository) List(ctx context.Context, filters interfaces.TaskFilters) ([]*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.List")
	defer span.End()

	query, args := buildTaskListQuery(filters)

	var tasks []*models.Task
	err := r.execute(ctx, "task_list", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		return nil, sqlx.SelectContext(ctx, r.reader(), &tasks, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "task")
	}
	return tasks, nil
}

// ListByBranch returns all tasks in a branch ordered by creation time
func (r *taskRepository) ListByBranch(ctx context.Context, branchID uuid.UUID) ([]*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.ListByBranch")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE branch_id = $1 ORDER BY created_at ASC`

	var tasks []*models.Task
	err := r.execute(ctx, "task_list_by_branch", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		return nil, sqlx.SelectContext(ctx, r.reader(), &tasks, query, branchID)
	})
	if err != nil {
		return nil, r.TranslateError(err, "task")
	}
	return tasks, nil
}

// GetStatuses fetches the status of multiple tasks in one round trip
func (r *taskRepository) GetStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Status, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]models.Status{}, nil
	}

	type row struct {
		ID     uuid.UUID     `db:"id"`
		Status models.Status `db:"status"`
	}

	var rows []row
	err := r.execute(ctx, "task_get_statuses", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		return nil, sqlx.SelectContext(ctx, r.reader(), &rows,
			"SELECT id, status FROM tasks WHERE id = ANY($1::uuid[])", pq.Array(ids))
	})
	if err != nil {
		return nil, r.TranslateError(err, "task")
	}

	statuses := make(map[uuid.UUID]models.Status, len(rows))
	for _, row := range rows {
		statuses[row.ID] = row.Status
	}
	return statuses, nil
}

// AddDependency records that a task is blocked by another. Duplicate links
// are ignored.
func (r *taskRepository) AddDependency(ctx context.Context, dep *models.TaskDependency) error {
	ctx, span := r.tracer(ctx, "TaskRepository.AddDependency")
	defer span.End()

	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	if dep.DependencyType == "" {
		dep.DependencyType = models.DependencyBlocks
	}
	dep.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO task_dependencies (
			id, task_id, depends_on_task_id, dependency_type, cross_branch, user_id, created_at
		) VALUES (
			:id, :task_id, :depends_on_task_id, :dependency_type, :cross_branch, :user_id, :created_at
		)
		ON CONFLICT (task_id, depends_on_task_id) DO NOTHING`

	return r.execute(ctx, "task_add_dependency", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, dep); err != nil {
			return nil, r.TranslateError(err, "task_dependency")
		}
		return nil, nil
	})
}

// RemoveDependency deletes a dependency link
func (r *taskRepository) RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.RemoveDependency")
	defer span.End()

	return r.execute(ctx, "task_remove_dependency", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()

		result, err := r.writer().ExecContext(ctx,
			"DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on_task_id = $2", taskID, dependsOnID)
		if err != nil {
			return nil, r.TranslateError(err, "task_dependency")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return nil, interfaces.ErrNotFound
		}
		return nil, nil
	})
}

// GetDependencies returns the links a task depends on
func (r *taskRepository) GetDependencies(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	return r.queryDependencies(ctx, "task_get_dependencies",
		"SELECT id, task_id, depends_on_task_id, dependency_type, cross_branch, user_id, created_at FROM task_dependencies WHERE task_id = $1 ORDER BY created_at ASC", taskID)
}

// GetDependents returns the links of tasks depending on the given task
func (r *taskRepository) GetDependents(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	return r.queryDependencies(ctx, "task_get_dependents",
		"SELECT id, task_id, depends_on_task_id, dependency_type, cross_branch, user_id, created_at FROM task_dependencies WHERE depends_on_task_id = $1 ORDER BY created_at ASC", taskID)
}

func (r *taskRepository) queryDependencies(ctx context.Context, operation, query string, arg interface{}) ([]*models.TaskDependency, error) {
	var deps []*models.TaskDependency
	err := r.execute(ctx, operation, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		return nil, sqlx.SelectContext(ctx, r.reader(), &deps, query, arg)
	})
	if err != nil {
		return nil, r.TranslateError(err, "task_dependency")
	}
	return deps, nil
}

// GetDependenciesForTasks batch-loads dependency links for many tasks
func (r *taskRepository) GetDependenciesForTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]*models.TaskDependency, error) {
	result := make(map[uuid.UUID][]*models.TaskDependency, len(taskIDs))
	if len(taskIDs) == 0 {
		return result, nil
	}

	var deps []*models.TaskDependency
	err := r.execute(ctx, "task_get_dependencies_batch", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
		return nil, sqlx.SelectContext(ctx, r.reader(), &deps,
			"SELECT id, task_id, depends_on_task_id, dependency_type, cross_branch, user_id, created_at FROM task_dependencies WHERE task_id = ANY($1::uuid[])",
			pq.Array(taskIDs))
	})
	if err != nil {
		return nil, r.TranslateError(err, "task_dependency")
	}

	for _, dep := range deps {
		result[dep.TaskID] = append(result[dep.TaskID], dep)
	}
	return result, nil
}

func buildTaskListQuery(filters interfaces.TaskFilters) (string, []interface{}) {
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
	if filters.BranchID != nil {
		conditions = append(conditions, "branch_id = "+arg(*filters.BranchID))
	}
	if len(filters.Status) > 0 {
		conditions = append(conditions, "status = ANY("+arg(pq.Array(filters.Status))+")")
	}
	if len(filters.Priority) > 0 {
		conditions = append(conditions, "priority = ANY("+arg(pq.Array(filters.Priority))+")")
	}
	if filters.ContextID != nil {
		conditions = append(conditions, "context_id = "+arg(*filters.ContextID))
	}
	if filters.DueBefore != nil {
		conditions = append(conditions, "due_date IS NOT NULL AND due_date < "+arg(*filters.DueBefore))
	}
	if filters.CreatedAfter != nil {
		conditions = append(conditions, "created_at > "+arg(*filters.CreatedAfter))
	}
	if filters.CreatedBefore != nil {
		conditions = append(conditions, "created_at < "+arg(*filters.CreatedBefore))
	}
	if filters.Query != nil && *filters.Query != "" {
		pattern := arg("%" + *filters.Query + "%")
		conditions = append(conditions,
			"(title ILIKE "+pattern+" OR description ILIKE "+pattern+" OR details ILIKE "+pattern+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	sortBy := "created_at"
	switch filters.SortBy {
	case "updated_at", "due_date", "title", "priority", "status":
		sortBy = filters.SortBy
	}
	order := "ASC"
	if filters.SortOrder == types.SortDesc {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, order)

	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}

	return query, args
}

func taskCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("task:%s", id)
}

func (r *taskRepository) invalidateTaskCache(ctx context.Context, task *models.Task) {
	if err := r.CacheDelete(ctx, taskCacheKey(task.ID)); err != nil {
		r.logger.Warn("Failed to invalidate task cache", map[string]interface{}{
			"error":   err.Error(),
			"task_id": task.ID,
		})
	}
}
