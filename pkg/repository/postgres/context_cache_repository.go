package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

const contextCacheColumns = `
	id, user_id, context_id, context_level, resolved_context, dependencies_hash,
	resolution_path, parent_chain, cache_size_bytes, hit_count, last_hit,
	created_at, expires_at, invalidated, invalidation_reason`

type contextCacheRepository struct {
	*BaseRepository
}

// NewContextCacheRepository creates a repository over the inheritance cache table
func NewContextCacheRepository(
	writeDB, readDB *sqlx.DB,
	cacheClient cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.ContextCacheRepository {
	config := BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
		CacheTimeout: 5 * time.Minute,
	}

	return &contextCacheRepository{
		BaseRepository: NewBaseRepository(writeDB, readDB, cacheClient, logger, tracer, metrics, config),
	}
}

func (r *contextCacheRepository) Get(ctx context.Context, userID string, ref interfaces.ContextRef) (*models.ContextCacheEntry, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.Get")
	defer span.End()

	var entry models.ContextCacheEntry
	err := r.ExecuteQuery(ctx, "context_cache_get", func(ctx context.Context) error {
		query := `
			SELECT ` + contextCacheColumns + `
			FROM context_inheritance_cache
			WHERE user_id = $1 AND context_id = $2 AND context_level = $3`

		if err := sqlx.GetContext(ctx, r.readDB, &entry, query, userID, ref.ID, ref.Level); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return interfaces.ErrNotFound
			}
			return r.TranslateError(err, "context cache entry")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Upsert replaces the cached resolution for one context. A stale or
// invalidated row for the same key is overwritten in place and its hit
// counters reset.
func (r *contextCacheRepository) Upsert(ctx context.Context, entry *models.ContextCacheEntry) error {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.Upsert")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_cache_upsert", func(ctx context.Context) error {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		now := time.Now().UTC()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if entry.LastHit.IsZero() {
			entry.LastHit = now
		}
		if entry.ParentChain == nil {
			entry.ParentChain = models.StringArray{}
		}

		query := `
			INSERT INTO context_inheritance_cache (
				id, user_id, context_id, context_level, resolved_context, dependencies_hash,
				resolution_path, parent_chain, cache_size_bytes, hit_count, last_hit,
				created_at, expires_at, invalidated, invalidation_reason
			) VALUES (
				:id, :user_id, :context_id, :context_level, :resolved_context, :dependencies_hash,
				:resolution_path, :parent_chain, :cache_size_bytes, :hit_count, :last_hit,
				:created_at, :expires_at, :invalidated, :invalidation_reason
			)
			ON CONFLICT (context_id, context_level) DO UPDATE SET
				resolved_context = EXCLUDED.resolved_context,
				dependencies_hash = EXCLUDED.dependencies_hash,
				resolution_path = EXCLUDED.resolution_path,
				parent_chain = EXCLUDED.parent_chain,
				cache_size_bytes = EXCLUDED.cache_size_bytes,
				hit_count = 0,
				last_hit = EXCLUDED.last_hit,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at,
				invalidated = FALSE,
				invalidation_reason = NULL`

		if _, err := sqlx.NamedExecContext(ctx, r.writeDB, query, entry); err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		return nil
	})
}

func (r *contextCacheRepository) RecordHit(ctx context.Context, userID string, ref interfaces.ContextRef, at time.Time) error {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.RecordHit")
	defer span.End()

	return r.ExecuteQuery(ctx, "context_cache_record_hit", func(ctx context.Context) error {
		query := `
			UPDATE context_inheritance_cache
			SET hit_count = hit_count + 1, last_hit = $4
			WHERE user_id = $1 AND context_id = $2 AND context_level = $3`

		if _, err := r.writeDB.ExecContext(ctx, query, userID, ref.ID, ref.Level, at.UTC()); err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		return nil
	})
}

func (r *contextCacheRepository) InvalidateEntry(ctx context.Context, userID string, ref interfaces.ContextRef, reason string) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.InvalidateEntry")
	defer span.End()

	var affected int64
	err := r.ExecuteQuery(ctx, "context_cache_invalidate_entry", func(ctx context.Context) error {
		query := `
			UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = $4
			WHERE user_id = $1 AND context_id = $2 AND context_level = $3 AND invalidated = FALSE`

		res, err := r.writeDB.ExecContext(ctx, query, userID, ref.ID, ref.Level, reason)
		if err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// InvalidateByAncestor marks every entry that resolved through the given
// context, plus the context's own entry. Membership is tested against the
// stored parent chain, so only resolutions that actually inherited from the
// ancestor are touched.
func (r *contextCacheRepository) InvalidateByAncestor(ctx context.Context, userID string, ref interfaces.ContextRef, reason string) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.InvalidateByAncestor")
	defer span.End()

	var affected int64
	err := r.ExecuteQuery(ctx, "context_cache_invalidate_ancestor", func(ctx context.Context) error {
		query := `
			UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = $4
			WHERE user_id = $1 AND invalidated = FALSE
			  AND (parent_chain ? $2 OR (context_id = $3 AND context_level = $5))`

		res, err := r.writeDB.ExecContext(ctx, query, userID, ref.Key(), ref.ID, reason, ref.Level)
		if err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (r *contextCacheRepository) InvalidateAll(ctx context.Context, userID string, reason string) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.InvalidateAll")
	defer span.End()

	var affected int64
	err := r.ExecuteQuery(ctx, "context_cache_invalidate_all", func(ctx context.Context) error {
		query := `
			UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = $2
			WHERE user_id = $1 AND invalidated = FALSE`

		res, err := r.writeDB.ExecContext(ctx, query, userID, reason)
		if err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (r *contextCacheRepository) DeleteDead(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.DeleteDead")
	defer span.End()

	var removed int64
	err := r.ExecuteQuery(ctx, "context_cache_delete_dead", func(ctx context.Context) error {
		query := `
			DELETE FROM context_inheritance_cache
			WHERE expires_at < $1 OR invalidated = TRUE`

		res, err := r.writeDB.ExecContext(ctx, query, now.UTC())
		if err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (r *contextCacheRepository) Count(ctx context.Context, userID string) (int, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.Count")
	defer span.End()

	var count int
	err := r.ExecuteQuery(ctx, "context_cache_count", func(ctx context.Context) error {
		query := `
			SELECT COUNT(*) FROM context_inheritance_cache
			WHERE user_id = $1 AND invalidated = FALSE AND expires_at > NOW()`

		if err := sqlx.GetContext(ctx, r.readDB, &count, query, userID); err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		return nil
	})
	return count, err
}

// EvictLowValue deletes up to limit rarely-read entries for the user,
// coldest first. Used by the pressure pass when a user's cache grows past
// its size threshold.
func (r *contextCacheRepository) EvictLowValue(ctx context.Context, userID string, maxHits, limit int) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextCacheRepository.EvictLowValue")
	defer span.End()

	var removed int64
	err := r.ExecuteQuery(ctx, "context_cache_evict", func(ctx context.Context) error {
		query := `
			DELETE FROM context_inheritance_cache
			WHERE id IN (
				SELECT id FROM context_inheritance_cache
				WHERE user_id = $1 AND hit_count < $2
				ORDER BY hit_count ASC, last_hit ASC
				LIMIT $3
			)`

		res, err := r.writeDB.ExecContext(ctx, query, userID, maxHits, limit)
		if err != nil {
			return r.TranslateError(err, "context cache entry")
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
