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

const projectColumns = `
	id, user_id, name, description, status, metadata, created_at, updated_at, version`

type projectRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewProjectRepository creates a project repository
func NewProjectRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.ProjectRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &projectRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *projectRepository) WithTx(tx types.Transaction) interfaces.ProjectRepository {
	return &projectRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

// BeginTx starts a new transaction with options
func (r *projectRepository) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	tx, err := r.writeDB.BeginTxx(ctx, toSQLTxOptions(opts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return newPgTransaction(tx, r.logger), nil
}

func (r *projectRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *projectRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// Create inserts a new project
func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Create")
	defer span.End()

	return r.ExecuteQuery(ctx, "project_create", func(ctx context.Context) error {
		if project.ID == uuid.Nil {
			project.ID = uuid.New()
		}
		now := time.Now().UTC()
		project.CreatedAt = now
		project.UpdatedAt = now
		project.Version = 1
		if project.Status == "" {
			project.Status = models.ProjectStatusActive
		}
		if project.Metadata == nil {
			project.Metadata = models.JSONMap{}
		}

		query := `
			INSERT INTO projects (
				id, user_id, name, description, status, metadata, created_at, updated_at, version
			) VALUES (
				:id, :user_id, :name, :description, :status, :metadata, :created_at, :updated_at, :version
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, project); err != nil {
			return r.TranslateError(err, "project")
		}
		return nil
	})
}

// Get retrieves a project by ID
func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.Get")
	defer span.End()

	var project models.Project
	err := r.ExecuteQuery(ctx, "project_get", func(ctx context.Context) error {
		query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &project, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get project")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// Update updates a project, bumping the version
func (r *projectRepository) Update(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Update")
	defer span.End()

	return r.ExecuteQuery(ctx, "project_update", func(ctx context.Context) error {
		project.Version++
		project.UpdatedAt = time.Now().UTC()

		result, err := sqlx.NamedExecContext(ctx, r.writer(), projectUpdateQuery(`WHERE id = :id`), project)
		if err != nil {
			return r.TranslateError(err, "project")
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

// UpdateWithVersion updates a project with optimistic locking
func (r *projectRepository) UpdateWithVersion(ctx context.Context, project *models.Project, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.UpdateWithVersion")
	defer span.End()

	return r.ExecuteQuery(ctx, "project_update_with_version", func(ctx context.Context) error {
		project.Version = expectedVersion + 1
		project.UpdatedAt = time.Now().UTC()

		type projectWithExpectedVersion struct {
			*models.Project
			ExpectedVersion int `db:"expected_version"`
		}

		result, err := sqlx.NamedExecContext(ctx, r.writer(),
			projectUpdateQuery(`WHERE id = :id AND version = :expected_version`),
			&projectWithExpectedVersion{Project: project, ExpectedVersion: expectedVersion})
		if err != nil {
			return r.TranslateError(err, "project")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			var exists bool
			if err := sqlx.GetContext(ctx, r.reader(), &exists,
				"SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)", project.ID); err != nil {
				return errors.Wrap(err, "failed to check project existence")
			}
			if !exists {
				return interfaces.ErrNotFound
			}
			return interfaces.ErrOptimisticLock
		}
		return nil
	})
}

func projectUpdateQuery(where string) string {
	return `
		UPDATE projects SET
			name = :name,
			description = :description,
			status = :status,
			metadata = :metadata,
			updated_at = :updated_at,
			version = :version
		` + where
}

// Delete removes a project
func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "project_delete", func(ctx context.Context) error {
		result, err := r.writer().ExecContext(ctx, "DELETE FROM projects WHERE id = $1", id)
		if err != nil {
			return r.TranslateError(err, "project")
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

// List returns projects matching the filters
func (r *projectRepository) List(ctx context.Context, filters interfaces.ProjectFilters) ([]*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.List")
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
	if filters.Name != nil {
		conditions = append(conditions, "name = "+arg(*filters.Name))
	}
	if len(filters.Status) > 0 {
		conditions = append(conditions, "status = ANY("+arg(pq.Array(filters.Status))+")")
	}

	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	sortBy := "created_at"
	if filters.SortBy == "name" || filters.SortBy == "updated_at" {
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

	var projects []*models.Project
	err := r.ExecuteQuery(ctx, "project_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &projects, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "project")
	}
	return projects, nil
}
