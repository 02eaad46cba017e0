package interfaces

import (
	"context"
	"time"

	"github.com/taskhub/taskhub/pkg/models"
)

// ContextCacheRepository persists resolved-context cache entries. Rows are
// keyed per user by (context_id, context_level); callers pass the user
// explicitly because the cache layer owns identity handling for this
// internal table.
type ContextCacheRepository interface {
	Get(ctx context.Context, userID string, ref ContextRef) (*models.ContextCacheEntry, error)

	// Upsert inserts or replaces the entry for its (context, level) key.
	Upsert(ctx context.Context, entry *models.ContextCacheEntry) error

	// RecordHit bumps hit_count and last_hit for a served entry.
	RecordHit(ctx context.Context, userID string, ref ContextRef, at time.Time) error

	// InvalidateEntry marks one entry invalid. Returns rows affected.
	InvalidateEntry(ctx context.Context, userID string, ref ContextRef, reason string) (int64, error)

	// InvalidateByAncestor marks every entry whose resolution depended on
	// the given context, including the context's own entry.
	InvalidateByAncestor(ctx context.Context, userID string, ancestor ContextRef, reason string) (int64, error)

	// InvalidateAll marks every entry belonging to the user.
	InvalidateAll(ctx context.Context, userID string, reason string) (int64, error)

	// DeleteDead removes expired and invalidated rows. Returns rows removed.
	DeleteDead(ctx context.Context, now time.Time) (int64, error)

	// Count returns the user's live entry count.
	Count(ctx context.Context, userID string) (int, error)

	// EvictLowValue removes up to limit entries with fewer than maxHits
	// hits, least valuable first. Returns rows removed.
	EvictLowValue(ctx context.Context, userID string, maxHits, limit int) (int64, error)
}
