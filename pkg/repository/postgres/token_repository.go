package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

const tokenColumns = `
	id, user_id, name, token_hash, scopes, rate_limit, expires_at, last_used_at,
	usage_count, is_active, metadata, created_at`

type tokenRepository struct {
	*BaseRepository
}

// NewTokenRepository creates an API token repository
func NewTokenRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.TokenRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &tokenRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

// Create stores a new token record. Only the hash is persisted.
func (r *tokenRepository) Create(ctx context.Context, token *models.APIToken) error {
	ctx, span := r.tracer(ctx, "TokenRepository.Create")
	defer span.End()

	return r.ExecuteQuery(ctx, "token_create", func(ctx context.Context) error {
		if token.ID == uuid.Nil {
			token.ID = uuid.New()
		}
		token.CreatedAt = time.Now().UTC()
		token.IsActive = true
		if token.Scopes == nil {
			token.Scopes = models.StringArray{}
		}
		if token.Metadata == nil {
			token.Metadata = models.JSONMap{}
		}

		query := `
			INSERT INTO api_tokens (
				id, user_id, name, token_hash, scopes, rate_limit, expires_at, last_used_at,
				usage_count, is_active, metadata, created_at
			) VALUES (
				:id, :user_id, :name, :token_hash, :scopes, :rate_limit, :expires_at, :last_used_at,
				:usage_count, :is_active, :metadata, :created_at
			)`

		if _, err := sqlx.NamedExecContext(ctx, r.writeDB, query, token); err != nil {
			return r.TranslateError(err, "token")
		}
		return nil
	})
}

// Get retrieves a token by ID
func (r *tokenRepository) Get(ctx context.Context, id uuid.UUID) (*models.APIToken, error) {
	ctx, span := r.tracer(ctx, "TokenRepository.Get")
	defer span.End()

	var token models.APIToken
	err := r.ExecuteQuery(ctx, "token_get", func(ctx context.Context) error {
		query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE id = $1`
		if err := sqlx.GetContext(ctx, r.readDB, &token, query, id); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// GetByHash retrieves a token by its SHA-256 hash. This is the hot path of
// request authentication.
func (r *tokenRepository) GetByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	ctx, span := r.tracer(ctx, "TokenRepository.GetByHash")
	defer span.End()

	var token models.APIToken
	err := r.ExecuteQuery(ctx, "token_get_by_hash", func(ctx context.Context) error {
		query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE token_hash = $1`
		if err := sqlx.GetContext(ctx, r.readDB, &token, query, hash); err != nil {
			if err == sql.ErrNoRows {
				return interfaces.ErrNotFound
			}
			return errors.Wrap(err, "failed to get token by hash")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// Update persists mutable token fields
func (r *tokenRepository) Update(ctx context.Context, token *models.APIToken) error {
	ctx, span := r.tracer(ctx, "TokenRepository.Update")
	defer span.End()

	return r.ExecuteQuery(ctx, "token_update", func(ctx context.Context) error {
		query := `
			UPDATE api_tokens SET
				name = :name,
				scopes = :scopes,
				rate_limit = :rate_limit,
				expires_at = :expires_at,
				is_active = :is_active,
				metadata = :metadata
			WHERE id = :id`

		result, err := sqlx.NamedExecContext(ctx, r.writeDB, query, token)
		if err != nil {
			return r.TranslateError(err, "token")
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

// Delete removes a token record
func (r *tokenRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TokenRepository.Delete")
	defer span.End()

	return r.ExecuteQuery(ctx, "token_delete", func(ctx context.Context) error {
		result, err := r.writeDB.ExecContext(ctx, "DELETE FROM api_tokens WHERE id = $1", id)
		if err != nil {
			return r.TranslateError(err, "token")
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

// List returns tokens matching the filters, newest first
func (r *tokenRepository) List(ctx context.Context, filters interfaces.TokenFilters) ([]*models.APIToken, error) {
	ctx, span := r.tracer(ctx, "TokenRepository.List")
	defer span.End()

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE 1=1`
	if filters.UserID != nil {
		query += " AND user_id = " + arg(*filters.UserID)
	}
	if !filters.IncludeInactive {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}

	var tokens []*models.APIToken
	err := r.ExecuteQuery(ctx, "token_list", func(ctx context.Context) error {
		return sqlx.SelectContext(ctx, r.readDB, &tokens, query, args...)
	})
	if err != nil {
		return nil, r.TranslateError(err, "token")
	}
	return tokens, nil
}

// Touch records a successful authentication. Fire-and-forget semantics: a
// missing row is not an error here because validation already passed.
func (r *tokenRepository) Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	ctx, span := r.tracer(ctx, "TokenRepository.Touch")
	defer span.End()

	return r.ExecuteQuery(ctx, "token_touch", func(ctx context.Context) error {
		_, err := r.writeDB.ExecContext(ctx,
			"UPDATE api_tokens SET last_used_at = $1, usage_count = usage_count + 1 WHERE id = $2",
			usedAt, id)
		if err != nil {
			return r.TranslateError(err, "token")
		}
		return nil
	})
}

// DeleteExpired removes inactive or expired tokens older than the cutoff
func (r *tokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.tracer(ctx, "TokenRepository.DeleteExpired")
	defer span.End()

	var deleted int64
	err := r.ExecuteQuery(ctx, "token_delete_expired", func(ctx context.Context) error {
		result, err := r.writeDB.ExecContext(ctx,
			"DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < $1", cutoff)
		if err != nil {
			return r.TranslateError(err, "token")
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Stats returns per-token usage aggregates for a user's tokens
func (r *tokenRepository) Stats(ctx context.Context, userID string) ([]*models.TokenStats, error) {
	ctx, span := r.tracer(ctx, "TokenRepository.Stats")
	defer span.End()

	type statsRow struct {
		ID         uuid.UUID  `db:"id"`
		Name       string     `db:"name"`
		UsageCount int64      `db:"usage_count"`
		LastUsedAt *time.Time `db:"last_used_at"`
		IsActive   bool       `db:"is_active"`
		ExpiresAt  *time.Time `db:"expires_at"`
	}

	var rows []statsRow
	err := r.ExecuteQuery(ctx, "token_stats", func(ctx context.Context) error {
		query := `
			SELECT id, name, usage_count, last_used_at, is_active, expires_at
			FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`
		return sqlx.SelectContext(ctx, r.readDB, &rows, query, userID)
	})
	if err != nil {
		return nil, r.TranslateError(err, "token")
	}

	now := time.Now().UTC()
	stats := make([]*models.TokenStats, 0, len(rows))
	for _, row := range rows {
		s := &models.TokenStats{
			TokenID:    row.ID,
			Name:       row.Name,
			UsageCount: row.UsageCount,
			LastUsedAt: row.LastUsedAt,
			IsActive:   row.IsActive,
		}
		if row.ExpiresAt != nil {
			s.IsExpired = now.After(*row.ExpiresAt)
			if !s.IsExpired {
				days := int(time.Until(*row.ExpiresAt).Hours() / 24)
				s.DaysToExpiry = &days
			}
		}
		stats = append(stats, s)
	}
	return stats, nil
}
