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

const agentColumns = `
	id, user_id, project_id, name, description, role, capabilities, status,
	availability_score, assigned_branch_id, metadata, created_at, updated_at, version`

type agentRepository struct {
	*BaseRepository

	tx *sqlx.Tx
}

// NewAgentRepository creates an agent repository
func NewAgentRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.AgentRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &agentRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *agentRepository) WithTx(tx types.Transaction) interfaces.AgentRepository {
	return &agentRepository{
		BaseRepository: r.BaseRepository,
		tx:             txFromTransaction(tx),
	}
}

func (r *agentRepository) writer() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.writeDB
}

func (r *agentRepository) reader() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.readDB
}

// Create registers a new agent
func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Create")
	defer span.End()

	return r.ExecuteQuery(ctx, "agent_create", func(ctx context.Context) error {
		if agent.ID == uuid.Nil {
			agent.ID = uuid.New()
		}
		now := time.Now().UTC()
		agent.CreatedAt = now
		agent.UpdatedAt = now
		agent.Version = 1
		if agent.Status == "" {
			agent.Status = models.AgentStatusAvailable
		}
		if agent.AvailabilityScore == 0 {
			agent.AvailabilityScore = 1.0
		}
		if agent.Capabilities == nil {
			agent.Capabilities = models.StringArray{}
		}
		if agent.Metadata == nil {
			agent.Metadata = models.JSONMap{}
		}

		query := `
			INSERT INTO agents (
				id, user_id, project_id, name, description, role, capabilities, status,
				availability_score, assigned_branch_id, metadata, created_at, updated_at, version
			) VALUES (
				:id, :user_id, :project_id, :name, :description, :role, :capabilities, :status,
				:availability_score, :assigned_branch_id, :metadata, :created_at, :updated_at, :version
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writer(), query, agent); err != nil {
			return r.TranslateError(err, "agent")
		}
		return nil
	})
}

// Get retrieves an agent by ID
func (r *agentRepository) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.Get")
	defer span.End()

	var agent models.Agent
	err := r.ExecuteQuery(ctx, "agent_get", func(ctx context.Context) error {
		query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.reader(), &agent, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get agent")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// Update updates an agent, bumping the version
func (r *agentRepository) Update(ctx context.Context, agent *models.Agent) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Update")
	defer span.End()

	return r.ExecuteQuery(ctx, "agent_update", func(ctx context.Context) error {
		agent.Version++
		agent.UpdatedAt = time.Now().UTC()

		result, err := sqlx.NamedExecContext(ctx, r.writer(), agentUpdateQuery(`WHERE id = :id`), agent)
		if err != nil {
			return r.TranslateError(err, "agent")
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

// UpdateWithVersion updates an agent with optimistic locking
func (r *agentRepository) UpdateWithVersion(ctx context.Context, agent *models.Agent, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "AgentRepository.UpdateWithVersion")
	defer span.End()

	return r.ExecuteQuery(ctx, "agent_update_with_version", func(ctx context.Context) error {
		agent.Version = expectedVersion + 1
		agent.UpdatedAt = time.Now().UTC()

		type agentWithExpectedVersion struct {
			*models.Agent
			ExpectedVersion int `db:"expected_version"`
		}

		result, err := sqlx.NamedExecContext(ctx, r.writer(),
			agentUpdateQuery(`WHERE id = :id AND version = :expected_version`),
			&agentWithExpectedVersion{Agent: agent, ExpectedVersion: expectedVersion})
		if err != nil {
			return r.TranslateError(err, "agent")
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			var exists bool
			if err := sqlx.GetContext(ctx, r.reader(), &exists,
				"SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)", agent.ID); err != nil {
				return errors.Wrap(err, "failed to check agent existence")
			}
			if !exists {
				return interfaces.ErrNotFound
			}
			return interfaces.ErrOptimisticLock
		}
		return nil
	})
}

func agentUpdateQuery(where string) string {
	return `
		UPDATE agents SET
			project_id = :project_id,
			name = :name,
			description = :description,
			role = :role,
			capabilities = :capabilities,
			status = :status,
			availability_score = :availability_score,
			assigned_branch_id = :assigned_branch_id,
			metadata = :metadata,
			updated_at = :updated_at,
			version = :version
		` + where
}

// Delete unregisters an agent
func (r *agentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "agent_delete", func(ctx context.Context) error {
		result, err := r.writer().ExecContext(ctx, "DELETE FROM agents WHERE id = $1", id)
		if err != nil {
			return r.TranslateError(err, "agent")
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

// List returns agents matching the filters
func (r *agentRepository) List(ctx context.Context, filters interfaces.AgentFilters) ([]*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.List")
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
	if filters.Capability != nil {
		// capabilities is a jsonb array; ? tests string membership
		conditions = append(conditions, "capabilities ? "+arg(*filters.Capability))
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
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

	var agents []*models.Agent
	err := r.ExecuteQuery(ctx, "agent_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.reader(), &agents, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "agent")
	}
	return agents, nil
}

// ListByProject returns all agents registered to a project
func (r *agentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.ListByProject")
	defer span.End()

	var agents []*models.Agent
	err := r.ExecuteQuery(ctx, "agent_list_by_project", func(ctx context.Context) error {
		query := `SELECT ` + agentColumns + ` FROM agents WHERE project_id = $1 ORDER BY created_at ASC`
		return sqlx.SelectContext(ctx, r.reader(), &agents, query, projectID)
	})
	if err != nil {
		return nil, r.TranslateError(err, "agent")
	}
	return agents, nil
}
