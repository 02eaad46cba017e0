package contexts

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// CacheConfig tunes the resolution cache.
type CacheConfig struct {
	// TTL bounds how long a resolution may be served without re-checking
	// the stored rows.
	TTL time.Duration
	// PressureThreshold is the per-user live entry count above which the
	// eviction pass runs.
	PressureThreshold int
	// EvictBatchSize caps how many entries one pass removes.
	EvictBatchSize int
	// EvictMaxHits marks entries with fewer hits as eligible for eviction.
	EvictMaxHits int
}

// DefaultCacheConfig returns production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:               time.Hour,
		PressureThreshold: 500,
		EvictBatchSize:    50,
		EvictMaxHits:      2,
	}
}

const cacheTouchTimeout = 5 * time.Second

// resolveCache fronts the context_inheritance_cache table. Reads verify the
// stored dependency hash against current row versions; misses run under a
// per-key single-flight guard so concurrent misses share one resolution.
// A nil entries repository disables caching but keeps the guard.
type resolveCache struct {
	cfg      CacheConfig
	entries  interfaces.ContextCacheRepository
	contexts interfaces.ContextRepository
	group    singleflight.Group
	logger   observability.Logger
	metrics  observability.MetricsClient
}

func newResolveCache(
	entries interfaces.ContextCacheRepository,
	contextRepo interfaces.ContextRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
	cfg CacheConfig,
) *resolveCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = 500
	}
	if cfg.EvictBatchSize <= 0 {
		cfg.EvictBatchSize = 50
	}
	if cfg.EvictMaxHits <= 0 {
		cfg.EvictMaxHits = 2
	}
	return &resolveCache{
		cfg:      cfg,
		entries:  entries,
		contexts: contextRepo,
		logger:   logger,
		metrics:  metrics,
	}
}

func (c *resolveCache) getOrResolve(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, fresh func() (*Resolution, error)) (*Resolution, error) {
	ref := interfaces.ContextRef{Level: level, ID: id}

	if res := c.lookup(ctx, userID, ref); res != nil {
		return res, nil
	}

	key := userID + "|" + ref.Key()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have populated the entry while we queued.
		if res := c.lookup(ctx, userID, ref); res != nil {
			return res, nil
		}
		res, err := fresh()
		if err != nil {
			return nil, err
		}
		c.storeResolution(ctx, userID, ref, res)
		c.metrics.IncrementCounter("context_cache_misses", 1)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

// lookup returns the cached resolution when the entry is live and its
// dependency hash still matches the stored rows, nil otherwise.
func (c *resolveCache) lookup(ctx context.Context, userID string, ref interfaces.ContextRef) *Resolution {
	if c.entries == nil {
		return nil
	}
	entry, err := c.entries.Get(ctx, userID, ref)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			c.logger.Warn("Context cache read failed", map[string]interface{}{
				"context": ref.Key(),
				"error":   err.Error(),
			})
		}
		return nil
	}
	now := time.Now().UTC()
	if !entry.IsLive(now) {
		return nil
	}

	refs := make([]interfaces.ContextRef, 0, len(entry.ParentChain))
	for _, key := range entry.ParentChain {
		r, ok := parseRefKey(key)
		if !ok {
			return nil
		}
		refs = append(refs, r)
	}
	versions, err := c.contexts.GetVersions(ctx, refs)
	if err != nil {
		c.logger.Warn("Context cache verification failed", map[string]interface{}{
			"context": ref.Key(),
			"error":   err.Error(),
		})
		return nil
	}
	if hashVersions(refs, versions) != entry.DependenciesHash {
		if _, err := c.entries.InvalidateEntry(ctx, userID, ref, "dependencies_changed"); err != nil {
			c.logger.Warn("Context cache invalidation failed", map[string]interface{}{
				"context": ref.Key(),
				"error":   err.Error(),
			})
		}
		return nil
	}

	res, err := decompressResolution(entry.ResolvedContext)
	if err != nil {
		c.logger.Warn("Discarding undecodable cache entry", map[string]interface{}{
			"context": ref.Key(),
			"error":   err.Error(),
		})
		_, _ = c.entries.InvalidateEntry(ctx, userID, ref, "decode_failed")
		return nil
	}
	res.Refs = refs
	res.DependenciesHash = entry.DependenciesHash
	res.FromCache = true

	// Hit accounting happens off the request path.
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), cacheTouchTimeout)
		defer cancel()
		if err := c.entries.RecordHit(tctx, userID, ref, now); err != nil {
			c.logger.Warn("Failed to record cache hit", map[string]interface{}{
				"context": ref.Key(),
				"error":   err.Error(),
			})
		}
	}()
	c.metrics.IncrementCounter("context_cache_hits", 1)
	return res
}

// storeResolution serialises and upserts the resolution. Cache write
// failures are logged, never surfaced; the resolution is still good.
func (c *resolveCache) storeResolution(ctx context.Context, userID string, ref interfaces.ContextRef, res *Resolution) {
	if c.entries == nil {
		return
	}
	payload, err := compressResolution(res)
	if err != nil {
		c.logger.Warn("Failed to serialise resolution for caching", map[string]interface{}{
			"context": ref.Key(),
			"error":   err.Error(),
		})
		return
	}

	chain := make(models.StringArray, len(res.Refs))
	for i, r := range res.Refs {
		chain[i] = r.Key()
	}
	now := time.Now().UTC()
	entry := &models.ContextCacheEntry{
		UserID:           userID,
		ContextID:        ref.ID,
		ContextLevel:     ref.Level,
		ResolvedContext:  payload,
		DependenciesHash: res.DependenciesHash,
		ResolutionPath:   strings.Join(res.Chain, " -> "),
		ParentChain:      chain,
		CacheSizeBytes:   len(payload),
		LastHit:          now,
		CreatedAt:        now,
		ExpiresAt:        now.Add(c.cfg.TTL),
	}
	if err := c.entries.Upsert(ctx, entry); err != nil {
		c.logger.Warn("Context cache write failed", map[string]interface{}{
			"context": ref.Key(),
			"error":   err.Error(),
		})
		return
	}
	c.metrics.RecordGauge("context_cache_entry_bytes", float64(len(payload)), map[string]string{"level": string(ref.Level)})

	go c.pressure(userID)
}

// pressure evicts rarely-read entries once the user's live entry count
// crosses the threshold.
func (c *resolveCache) pressure(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheTouchTimeout)
	defer cancel()

	count, err := c.entries.Count(ctx, userID)
	if err != nil || count <= c.cfg.PressureThreshold {
		return
	}
	evicted, err := c.entries.EvictLowValue(ctx, userID, c.cfg.EvictMaxHits, c.cfg.EvictBatchSize)
	if err != nil {
		c.logger.Warn("Context cache eviction failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return
	}
	if evicted > 0 {
		c.metrics.IncrementCounter("context_cache_evictions", float64(evicted))
	}
}

// invalidateScope marks cache entries affected by a change at ref. Global
// changes invalidate the user's whole cache; lower tiers invalidate the
// tier itself and everything that inherited through it.
func (c *resolveCache) invalidateScope(ctx context.Context, userID string, ref interfaces.ContextRef, reason string) {
	if c.entries == nil {
		return
	}
	var (
		n   int64
		err error
	)
	if ref.Level == models.ContextLevelGlobal {
		n, err = c.entries.InvalidateAll(ctx, userID, reason)
	} else {
		n, err = c.entries.InvalidateByAncestor(ctx, userID, ref, reason)
	}
	if err != nil {
		c.logger.Warn("Context cache invalidation failed", map[string]interface{}{
			"context": ref.Key(),
			"reason":  reason,
			"error":   err.Error(),
		})
		return
	}
	if n > 0 {
		c.metrics.IncrementCounterWithLabels("context_cache_invalidations", float64(n), map[string]string{"reason": reason})
	}
}

func (c *resolveCache) sweep(ctx context.Context) (int64, error) {
	if c.entries == nil {
		return 0, nil
	}
	return c.entries.DeleteDead(ctx, time.Now().UTC())
}

func compressResolution(res *Resolution) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(res); err != nil {
		_ = zw.Close()
		return nil, errors.Wrap(err, "encoding resolution")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing resolution")
	}
	return buf.Bytes(), nil
}

func decompressResolution(payload []byte) (*Resolution, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "opening cached resolution")
	}
	defer func() { _ = zr.Close() }()

	var res Resolution
	if err := json.NewDecoder(zr).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "decoding cached resolution")
	}
	return &res, nil
}

func parseRefKey(s string) (interfaces.ContextRef, bool) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return interfaces.ContextRef{}, false
	}
	level := models.ContextLevel(s[:i])
	if !level.IsValid() {
		return interfaces.ContextRef{}, false
	}
	id, err := uuid.Parse(s[i+1:])
	if err != nil {
		return interfaces.ContextRef{}, false
	}
	return interfaces.ContextRef{Level: level, ID: id}, true
}
