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

// Shared template rows carry a NULL user_id; scan it as the empty string.
const globalContextColumns = `
	id, COALESCE(user_id, '') AS user_id, organization_id, data, autonomous_rules, security_policies,
	coding_standards, workflow_templates, delegation_rules, version, created_at, updated_at`

const projectContextColumns = `
	id, project_id, parent_global_id, user_id, data, team_preferences,
	technology_stack, project_workflow, local_standards, global_overrides,
	delegation_rules, inheritance_disabled, version, created_at, updated_at`

const branchContextColumns = `
	id, branch_id, parent_project_id, user_id, data, branch_workflow,
	feature_flags, active_patterns, local_overrides, delegation_rules,
	inheritance_disabled, version, created_at, updated_at`

const taskContextColumns = `
	id, task_id, parent_branch_id, parent_branch_context_id, user_id, data,
	task_data, execution_context, discovered_patterns, local_decisions,
	delegation_queue, local_overrides, implementation_notes, delegation_triggers,
	inheritance_disabled, force_local_only, version, created_at, updated_at`

const delegationColumns = `
	id, user_id, source_level, source_id, target_level, target_id, delegated_data,
	delegation_reason, trigger_type, auto_delegated, confidence_score, processed,
	approved, created_at, processed_at`

type contextRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewContextRepository creates a repository over the four context tier tables
// and the delegation log
func NewContextRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.ContextRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &contextRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *contextRepository) WithTx(tx types.Transaction) interfaces.ContextRepository {
	return &contextRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

// BeginTx starts a new transaction with options
func (r *contextRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	tx, err := r.writeDB.BeginTxx(ctx, toSQLTxOptions(opts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return newPgTransaction(tx, r.logger), nil
}

func (r *contextRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *contextRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// updateVersioned runs an optimistic-lock update and distinguishes a missing
// row from a version conflict when nothing was updated.
func (r *contextRepository) updateVersioned(ctx context.Context, opName, query string, payload interface{}, existsQuery string, existsArg interface{}, entity string) error {
	return r.ExecuteQuery(ctx, opName, func(ctx context.Context) error {
		result, err := sqlx.NamedExecContext(ctx, r.writer(), query, payload)
		if err != nil {
			return r.TranslateError(err, entity)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			var exists bool
			if err := sqlx.GetContext(ctx, r.reader(), &exists, existsQuery, existsArg); err != nil {
				return errors.Wrapf(err, "failed to check %s existence", entity)
			}
			if !exists {
				return interfaces.ErrNotFound
			}
			return interfaces.ErrOptimisticLock
		}
		return nil
	})
}

func (r *contextRepository) deleteOne(ctx context.Context, opName, query string, key interface{}, entity string) error {
	return r.ExecuteQuery(ctx, opName, func(ctx context.Context) error {
		result, err := r.writer().ExecContext(ctx, query, key)
		if err != nil {
			return r.TranslateError(err, entity)
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

// CreateGlobal inserts the per-user root context
func (r *contextRepository) CreateGlobal(ctx context.Context, gc *models.GlobalContext) error {
	ctx, span := r.tracer(ctx, "ContextRepository.CreateGlobal")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_create_global", func(ctx context.Context) error {
		if gc.ID == uuid.Nil {
			gc.ID = uuid.New()
		}
		now := time.Now().UTC()
		gc.CreatedAt = now
		gc.UpdatedAt = now
		gc.Version = 1
		if gc.Data == nil {
			gc.Data = models.JSONMap{}
		}

		query := `
			INSERT INTO global_contexts (
				id, user_id, organization_id, data, autonomous_rules, security_policies,
				coding_standards, workflow_templates, delegation_rules, version, created_at, updated_at
			) VALUES (
				:id, :user_id, :organization_id, :data, :autonomous_rules, :security_policies,
				:coding_standards, :workflow_templates, :delegation_rules, :version, :created_at, :updated_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, gc); err != nil {
			return r.TranslateError(err, "global_context")
		}
		return nil
	})
}

// GetGlobal retrieves a global context by row ID
func (r *contextRepository) GetGlobal(ctx context.Context, id uuid.UUID) (*models.GlobalContext, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetGlobal")
	defer span.End()

	var gc models.GlobalContext
	err := r.ExecuteQuery(ctx, "context_get_global", func(ctx context.Context) error {
		query := `SELECT ` + globalContextColumns + ` FROM global_contexts WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &gc, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get global context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// GetGlobalForUser retrieves the singleton global context of a user
func (r *contextRepository) GetGlobalForUser(ctx context.Context, userID string) (*models.GlobalContext, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetGlobalForUser")
	defer span.End()

	var gc models.GlobalContext
	err := r.ExecuteQuery(ctx, "context_get_global_for_user", func(ctx context.Context) error {
		query := `SELECT ` + globalContextColumns + ` FROM global_contexts WHERE user_id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &gc, query, userID); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get global context for user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// UpdateGlobal updates the root context with optimistic locking
func (r *contextRepository) UpdateGlobal(ctx context.Context, gc *models.GlobalContext, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ContextRepository.UpdateGlobal")
	defer span.End()

	gc.Version = expectedVersion + 1
	gc.UpdatedAt = time.Now().UTC()

	type globalWithExpectedVersion struct {
		*models.GlobalContext
		ExpectedVersion int `db:"expected_version"`
	}

	query := `
		UPDATE global_contexts SET
			organization_id = :organization_id,
			data = :data,
			autonomous_rules = :autonomous_rules,
			security_policies = :security_policies,
			coding_standards = :coding_standards,
			workflow_templates = :workflow_templates,
			delegation_rules = :delegation_rules,
			updated_at = :updated_at,
			version = :version
		WHERE id = :id AND version = :expected_version`

	return r.updateVersioned(ctx, "context_update_global", query,
		&globalWithExpectedVersion{GlobalContext: gc, ExpectedVersion: expectedVersion},
		"SELECT EXISTS(SELECT 1 FROM global_contexts WHERE id = $1)", gc.ID, "global_context")
}

// CreateProject inserts a project-tier context
func (r *contextRepository) CreateProject(ctx context.Context, pc *models.ProjectContext) error {
	ctx, span := r.tracer(ctx, "ContextRepository.CreateProject")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_create_project", func(ctx context.Context) error {
		if pc.ID == uuid.Nil {
			pc.ID = uuid.New()
		}
		now := time.Now().UTC()
		pc.CreatedAt = now
		pc.UpdatedAt = now
		pc.Version = 1
		if pc.Data == nil {
			pc.Data = models.JSONMap{}
		}

		query := `
			INSERT INTO project_contexts (
				id, project_id, parent_global_id, user_id, data, team_preferences,
				technology_stack, project_workflow, local_standards, global_overrides,
				delegation_rules, inheritance_disabled, version, created_at, updated_at
			) VALUES (
				:id, :project_id, :parent_global_id, :user_id, :data, :team_preferences,
				:technology_stack, :project_workflow, :local_standards, :global_overrides,
				:delegation_rules, :inheritance_disabled, :version, :created_at, :updated_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, pc); err != nil {
			return r.TranslateError(err, "project_context")
		}
		return nil
	})
}

// GetProject retrieves the context row of a project
func (r *contextRepository) GetProject(ctx context.Context, projectID uuid.UUID) (*models.ProjectContext, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetProject")
	defer span.End()

	var pc models.ProjectContext
	err := r.ExecuteQuery(ctx, "context_get_project", func(ctx context.Context) error {
		query := `SELECT ` + projectContextColumns + ` FROM project_contexts WHERE project_id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &pc, query, projectID); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get project context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

// UpdateProject updates a project context with optimistic locking
func (r *contextRepository) UpdateProject(ctx context.Context, pc *models.ProjectContext, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ContextRepository.UpdateProject")
	defer span.End()

	pc.Version = expectedVersion + 1
	pc.UpdatedAt = time.Now().UTC()

	type projectWithExpectedVersion struct {
		*models.ProjectContext
		ExpectedVersion int `db:"expected_version"`
	}

	query := `
		UPDATE project_contexts SET
			data = :data,
			team_preferences = :team_preferences,
			technology_stack = :technology_stack,
			project_workflow = :project_workflow,
			local_standards = :local_standards,
			global_overrides = :global_overrides,
			delegation_rules = :delegation_rules,
			inheritance_disabled = :inheritance_disabled,
			updated_at = :updated_at,
			version = :version
		WHERE project_id = :project_id AND version = :expected_version`

	return r.updateVersioned(ctx, "context_update_project", query,
		&projectWithExpectedVersion{ProjectContext: pc, ExpectedVersion: expectedVersion},
		"SELECT EXISTS(SELECT 1 FROM project_contexts WHERE project_id = $1)", pc.ProjectID, "project_context")
}

// DeleteProject removes the context row of a project
func (r *contextRepository) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "ContextRepository.DeleteProject")
	defer span.End()

	return r.deleteOne(ctx, "context_delete_project",
		"DELETE FROM project_contexts WHERE project_id = $1", projectID, "project_context")
}

// CreateBranch inserts a branch-tier context
func (r *contextRepository) CreateBranch(ctx context.Context, bc *models.BranchContext) error {
	ctx, span := r.tracer(ctx, "ContextRepository.CreateBranch")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_create_branch", func(ctx context.Context) error {
		if bc.ID == uuid.Nil {
			bc.ID = uuid.New()
		}
		now := time.Now().UTC()
		bc.CreatedAt = now
		bc.UpdatedAt = now
		bc.Version = 1
		if bc.Data == nil {
			bc.Data = models.JSONMap{}
		}

		query := `
			INSERT INTO branch_contexts (
				id, branch_id, parent_project_id, user_id, data, branch_workflow,
				feature_flags, active_patterns, local_overrides, delegation_rules,
				inheritance_disabled, version, created_at, updated_at
			) VALUES (
				:id, :branch_id, :parent_project_id, :user_id, :data, :branch_workflow,
				:feature_flags, :active_patterns, :local_overrides, :delegation_rules,
				:inheritance_disabled, :version, :created_at, :updated_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, bc); err != nil {
			return r.TranslateError(err, "branch_context")
		}
		return nil
	})
}

// GetBranch retrieves the context row of a branch
func (r *contextRepository) GetBranch(ctx context.Context, branchID uuid.UUID) (*models.BranchContext, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetBranch")
	defer span.End()

	var bc models.BranchContext
	err := r.ExecuteQuery(ctx, "context_get_branch", func(ctx context.Context) error {
		query := `SELECT ` + branchContextColumns + ` FROM branch_contexts WHERE branch_id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &bc, query, branchID); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get branch context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

// UpdateBranch updates a branch context with optimistic locking
func (r *contextRepository) UpdateBranch(ctx context.Context, bc *models.BranchContext, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ContextRepository.UpdateBranch")
	defer span.End()

	bc.Version = expectedVersion + 1
	bc.UpdatedAt = time.Now().UTC()

	type branchWithExpectedVersion struct {
		*models.BranchContext
		ExpectedVersion int `db:"expected_version"`
	}

	query := `
		UPDATE branch_contexts SET
			data = :data,
			branch_workflow = :branch_workflow,
			feature_flags = :feature_flags,
			active_patterns = :active_patterns,
			local_overrides = :local_overrides,
			delegation_rules = :delegation_rules,
			inheritance_disabled = :inheritance_disabled,
			updated_at = :updated_at,
			version = :version
		WHERE branch_id = :branch_id AND version = :expected_version`

	return r.updateVersioned(ctx, "context_update_branch", query,
		&branchWithExpectedVersion{BranchContext: bc, ExpectedVersion: expectedVersion},
		"SELECT EXISTS(SELECT 1 FROM branch_contexts WHERE branch_id = $1)", bc.BranchID, "branch_context")
}

// DeleteBranch removes the context row of a branch
func (r *contextRepository) DeleteBranch(ctx context.Context, branchID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "ContextRepository.DeleteBranch")
	defer span.End()

	return r.deleteOne(ctx, "context_delete_branch",
		"DELETE FROM branch_contexts WHERE branch_id = $1", branchID, "branch_context")
}

// CreateTask inserts a task-tier context
func (r *contextRepository) CreateTask(ctx context.Context, tc *models.TaskContext) error {
	ctx, span := r.tracer(ctx, "ContextRepository.CreateTask")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_create_task", func(ctx context.Context) error {
		if tc.ID == uuid.Nil {
			tc.ID = uuid.New()
		}
		now := time.Now().UTC()
		tc.CreatedAt = now
		tc.UpdatedAt = now
		tc.Version = 1
		if tc.Data == nil {
			tc.Data = models.JSONMap{}
		}

		query := `
			INSERT INTO task_contexts (
				id, task_id, parent_branch_id, parent_branch_context_id, user_id, data,
				task_data, execution_context, discovered_patterns, local_decisions,
				delegation_queue, local_overrides, implementation_notes, delegation_triggers,
				inheritance_disabled, force_local_only, version, created_at, updated_at
			) VALUES (
				:id, :task_id, :parent_branch_id, :parent_branch_context_id, :user_id, :data,
				:task_data, :execution_context, :discovered_patterns, :local_decisions,
				:delegation_queue, :local_overrides, :implementation_notes, :delegation_triggers,
				:inheritance_disabled, :force_local_only, :version, :created_at, :updated_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, tc); err != nil {
			return r.TranslateError(err, "task_context")
		}
		return nil
	})
}

// GetTask retrieves the context row of a task
func (r *contextRepository) GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskContext, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetTask")
	defer span.End()

	var tc models.TaskContext
	err := r.ExecuteQuery(ctx, "context_get_task", func(ctx context.Context) error {
		query := `SELECT ` + taskContextColumns + ` FROM task_contexts WHERE task_id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &tc, query, taskID); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get task context")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// UpdateTask updates a task context with optimistic locking
func (r *contextRepository) UpdateTask(ctx context.Context, tc *models.TaskContext, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ContextRepository.UpdateTask")
	defer span.End()

	tc.Version = expectedVersion + 1
	tc.UpdatedAt = time.Now().UTC()

	type taskWithExpectedVersion struct {
		*models.TaskContext
		ExpectedVersion int `db:"expected_version"`
	}

	query := `
		UPDATE task_contexts SET
			data = :data,
			task_data = :task_data,
			execution_context = :execution_context,
			discovered_patterns = :discovered_patterns,
			local_decisions = :local_decisions,
			delegation_queue = :delegation_queue,
			local_overrides = :local_overrides,
			implementation_notes = :implementation_notes,
			delegation_triggers = :delegation_triggers,
			inheritance_disabled = :inheritance_disabled,
			force_local_only = :force_local_only,
			updated_at = :updated_at,
			version = :version
		WHERE task_id = :task_id AND version = :expected_version`

	return r.updateVersioned(ctx, "context_update_task", query,
		&taskWithExpectedVersion{TaskContext: tc, ExpectedVersion: expectedVersion},
		"SELECT EXISTS(SELECT 1 FROM task_contexts WHERE task_id = $1)", tc.TaskID, "task_context")
}

// DeleteTask removes the context row of a task
func (r *contextRepository) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "ContextRepository.DeleteTask")
	defer span.End()

	return r.deleteOne(ctx, "context_delete_task",
		"DELETE FROM task_contexts WHERE task_id = $1", taskID, "task_context")
}

// GetVersions fetches version metadata for a set of context rows in one round
// trip across the four tier tables. Rows that do not exist are simply absent
// from the result.
func (r *contextRepository) GetVersions(ctx context.Context, refs []interfaces.ContextRef) (map[interfaces.ContextRef]interfaces.ContextVersion, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetVersions")
	defer span.End()

	result := make(map[interfaces.ContextRef]interfaces.ContextVersion, len(refs))
	if len(refs) == 0 {
		return result, nil
	}

	byLevel := make(map[models.ContextLevel][]uuid.UUID, 4)
	for _, ref := range refs {
		byLevel[ref.Level] = append(byLevel[ref.Level], ref.ID)
	}

	query := `
		SELECT 'global' AS level, id AS entity_id, version, FALSE AS inheritance_disabled
		FROM global_contexts WHERE id = ANY($1::uuid[])
		UNION ALL
		SELECT 'project' AS level, project_id AS entity_id, version, inheritance_disabled
		FROM project_contexts WHERE project_id = ANY($2::uuid[])
		UNION ALL
		SELECT 'branch' AS level, branch_id AS entity_id, version, inheritance_disabled
		FROM branch_contexts WHERE branch_id = ANY($3::uuid[])
		UNION ALL
		SELECT 'task' AS level, task_id AS entity_id, version, inheritance_disabled
		FROM task_contexts WHERE task_id = ANY($4::uuid[])`

	type versionRow struct {
		Level               models.ContextLevel `db:"level"`
		EntityID            uuid.UUID           `db:"entity_id"`
		Version             int                 `db:"version"`
		InheritanceDisabled bool                `db:"inheritance_disabled"`
	}

	var rows []versionRow
	err := r.ExecuteQuery(ctx, "context_get_versions", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &rows, query,
			pq.Array(byLevel[models.ContextLevelGlobal]),
			pq.Array(byLevel[models.ContextLevelProject]),
			pq.Array(byLevel[models.ContextLevelBranch]),
			pq.Array(byLevel[models.ContextLevelTask]))
	})
	if err != nil {
		return nil, r.TranslateError(err, "context")
	}

	for _, row := range rows {
		ref := interfaces.ContextRef{Level: row.Level, ID: row.EntityID}
		result[ref] = interfaces.ContextVersion{
			Ref:                 ref,
			Version:             row.Version,
			InheritanceDisabled: row.InheritanceDisabled,
		}
	}
	return result, nil
}

// CreateDelegation appends a delegation record
func (r *contextRepository) CreateDelegation(ctx context.Context, d *models.ContextDelegation) error {
	ctx, span := r.tracer(ctx, "ContextRepository.CreateDelegation")
	defer span.End()

	return r.ExecuteQuery(ctx, "delegation_create", func(ctx context.Context) error {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = time.Now().UTC()
		if d.TriggerType == "" {
			d.TriggerType = models.TriggerManual
		}
		if d.DelegatedData == nil {
			d.DelegatedData = models.JSONMap{}
		}

		query := `
			INSERT INTO context_delegations (
				id, user_id, source_level, source_id, target_level, target_id, delegated_data,
				delegation_reason, trigger_type, auto_delegated, confidence_score, processed,
				approved, created_at, processed_at
			) VALUES (
				:id, :user_id, :source_level, :source_id, :target_level, :target_id, :delegated_data,
				:delegation_reason, :trigger_type, :auto_delegated, :confidence_score, :processed,
				:approved, :created_at, :processed_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, d); err != nil {
			return r.TranslateError(err, "delegation")
		}
		return nil
	})
}

// GetDelegation retrieves a delegation by ID
func (r *contextRepository) GetDelegation(ctx context.Context, id uuid.UUID) (*models.ContextDelegation, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.GetDelegation")
	defer span.End()

	var d models.ContextDelegation
	err := r.ExecuteQuery(ctx, "delegation_get", func(ctx context.Context) error {
		query := `SELECT ` + delegationColumns + ` FROM context_delegations WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &d, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get delegation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDelegations returns delegations matching the filters, oldest first
func (r *contextRepository) ListDelegations(ctx context.Context, filters interfaces.DelegationFilters) ([]*models.ContextDelegation, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.ListDelegations")
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
	if filters.TargetLevel != nil {
		conditions = append(conditions, "target_level = "+arg(string(*filters.TargetLevel)))
	}
	if filters.TargetID != nil {
		conditions = append(conditions, "target_id = "+arg(*filters.TargetID))
	}
	if filters.SourceID != nil {
		conditions = append(conditions, "source_id = "+arg(*filters.SourceID))
	}
	if filters.Processed != nil {
		conditions = append(conditions, "processed = "+arg(*filters.Processed))
	}

	query := `SELECT ` + delegationColumns + ` FROM context_delegations`
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

	var delegations []*models.ContextDelegation
	err := r.ExecuteQuery(ctx, "delegation_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &delegations, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "delegation")
	}
	return delegations, nil
}

// UpdateDelegation persists processing state changes on a delegation
func (r *contextRepository) UpdateDelegation(ctx context.Context, d *models.ContextDelegation) error {
	ctx, span := r.tracer(ctx, "ContextRepository.UpdateDelegation")
	defer span.End()

	return r.ExecuteQuery(ctx, "delegation_update", func(ctx context.Context) error {
		query := `
			UPDATE context_delegations SET
				delegated_data = :delegated_data,
				delegation_reason = :delegation_reason,
				confidence_score = :confidence_score,
				processed = :processed,
				approved = :approved,
				processed_at = :processed_at
			WHERE id = :id`

		result, err := sqlx.NamedExecContext(ctx, r.writer(), query, d)
		if err != nil {
			return r.TranslateError(err, "delegation")
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
