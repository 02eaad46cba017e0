package postgres

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
	"github.com/taskhub/taskhub/pkg/resilience"
)

// BaseRepositoryConfig configures shared repository behavior
type BaseRepositoryConfig struct {
	QueryTimeout   time.Duration
	MaxRetries     int
	CacheTimeout   time.Duration
	CircuitBreaker *resilience.CircuitBreaker
}

// BaseRepository provides common persistence plumbing shared by all
// aggregate repositories: read/write connection split, caching, prepared
// statement reuse, transactions and error translation.
type BaseRepository struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB
	cache   cache.Cache
	logger  observability.Logger
	tracer  observability.StartSpanFunc
	metrics observability.MetricsClient

	queryTimeout time.Duration
	maxRetries   int
	cacheTimeout time.Duration
	cb           *resilience.CircuitBreaker

	stmtMutex sync.RWMutex
	stmtCache map[string]*sqlx.NamedStmt
}

// NewBaseRepository creates the shared repository base. readDB may equal
// writeDB when no replica is configured.
func NewBaseRepository(
	writeDB, readDB *sqlx.DB,
	cache cache.Cache,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
	config BaseRepositoryConfig,
) *BaseRepository {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.CacheTimeout <= 0 {
		config.CacheTimeout = 5 * time.Minute
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}

	return &BaseRepository{
		writeDB:      writeDB,
		readDB:       readDB,
		cache:        cache,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		queryTimeout: config.QueryTimeout,
		maxRetries:   config.MaxRetries,
		cacheTimeout: config.CacheTimeout,
		cb:           config.CircuitBreaker,
		stmtCache:    make(map[string]*sqlx.NamedStmt),
	}
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error.
func (b *BaseRepository) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return b.WithTransactionOptions(ctx, nil, fn)
}

// WithTransactionOptions runs fn inside a transaction with explicit options.
func (b *BaseRepository) WithTransactionOptions(ctx context.Context, opts *types.TxOptions, fn func(tx *sqlx.Tx) error) error {
	ctx, span := b.tracer(ctx, "BaseRepository.WithTransaction")
	defer span.End()

	tx, err := b.writeDB.BeginTxx(ctx, toSQLTxOptions(opts))
	if err != nil {
		b.metrics.IncrementCounter("repository_transaction_errors", 1)
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			b.logger.Error("Transaction rollback failed", map[string]interface{}{
				"error":          rbErr.Error(),
				"original_error": err.Error(),
			})
		}
		b.metrics.IncrementCounter("repository_transaction_rollbacks", 1)
		return err
	}

	if err := tx.Commit(); err != nil {
		b.metrics.IncrementCounter("repository_transaction_errors", 1)
		return errors.Wrap(err, "failed to commit transaction")
	}

	b.metrics.IncrementCounter("repository_transaction_commits", 1)
	return nil
}

// CacheGet fetches a cached value into dest.
func (b *BaseRepository) CacheGet(ctx context.Context, key string, dest interface{}) error {
	b.metrics.IncrementCounter("repository_cache_operations", 1)
	if b.cache == nil {
		return cache.ErrNotFound
	}
	return b.cache.Get(ctx, key, dest)
}

// CacheSet stores a value with the given TTL.
func (b *BaseRepository) CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b.metrics.IncrementCounter("repository_cache_operations", 1)
	if b.cache == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = b.cacheTimeout
	}
	return b.cache.Set(ctx, key, value, ttl)
}

// CacheDelete removes a cached value.
func (b *BaseRepository) CacheDelete(ctx context.Context, key string) error {
	b.metrics.IncrementCounter("repository_cache_operations", 1)
	if b.cache == nil {
		return nil
	}
	return b.cache.Delete(ctx, key)
}

// patternDeleter is implemented by cache backends that support wildcard
// invalidation.
type patternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) error
}

// InvalidateCachePattern removes all cached values matching a glob pattern.
func (b *BaseRepository) InvalidateCachePattern(ctx context.Context, pattern string) error {
	b.metrics.IncrementCounter("repository_cache_invalidations", 1)
	if b.cache == nil {
		return nil
	}

	if pd, ok := b.cache.(patternDeleter); ok {
		return pd.DeletePattern(ctx, pattern)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return b.cache.Delete(ctx, pattern)
	}

	b.logger.Debug("Cache backend does not support pattern invalidation", map[string]interface{}{
		"pattern": pattern,
	})
	return nil
}

// ExecuteWithCircuitBreaker runs fn through the configured circuit breaker.
// Without a breaker the function runs directly.
func (b *BaseRepository) ExecuteWithCircuitBreaker(ctx context.Context, operation string, fn func() (interface{}, error)) (interface{}, error) {
	var (
		result interface{}
		err    error
	)

	if b.cb == nil {
		result, err = fn()
	} else {
		result, err = b.cb.Execute(ctx, fn)
	}

	if err != nil {
		b.metrics.IncrementCounter("repository_circuit_breaker_errors", 1)
		b.logger.Debug("Repository operation failed", map[string]interface{}{
			"operation": operation,
			"error":     err.Error(),
		})
	}
	return result, err
}

// ExecuteQuery runs a named query function with timeout, tracing and metrics.
func (b *BaseRepository) ExecuteQuery(ctx context.Context, queryName string, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer(ctx, "repository.query."+queryName)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	b.metrics.RecordDatabaseOperation(queryName, err == nil, duration)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncrementCounter("repository_query_errors", 1)
		return err
	}

	b.metrics.IncrementCounter("repository_query_success", 1)
	return nil
}

// ExecuteQueryWithRetry runs a query function, retrying transient failures
// with quadratic backoff. Sentinel repository errors are never retried.
func (b *BaseRepository) ExecuteQueryWithRetry(ctx context.Context, queryName string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if isNonRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == b.maxRetries {
			break
		}

		delay := time.Duration(attempt*attempt) * 100 * time.Millisecond
		b.logger.Debug("Retrying query", map[string]interface{}{
			"query":    queryName,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    lastErr.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return errors.Wrapf(lastErr, "query failed after %d attempts", b.maxRetries)
}

// GetPreparedStatement returns a cached named statement, preparing it on
// first use. Safe for concurrent callers.
func (b *BaseRepository) GetPreparedStatement(name, query string, db *sqlx.DB) (*sqlx.NamedStmt, error) {
	b.stmtMutex.RLock()
	stmt, ok := b.stmtCache[name]
	b.stmtMutex.RUnlock()
	if ok {
		return stmt, nil
	}

	b.stmtMutex.Lock()
	defer b.stmtMutex.Unlock()

	if stmt, ok := b.stmtCache[name]; ok {
		return stmt, nil
	}

	stmt, err := db.PrepareNamed(query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare statement %s", name)
	}
	b.stmtCache[name] = stmt
	return stmt, nil
}

// Close releases prepared statements held by the repository.
func (b *BaseRepository) Close() error {
	b.stmtMutex.Lock()
	defer b.stmtMutex.Unlock()

	var firstErr error
	for name, stmt := range b.stmtCache {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close statement %s", name)
		}
	}
	b.stmtCache = make(map[string]*sqlx.NamedStmt)
	return firstErr
}

// GetMetrics reports internal repository state for diagnostics.
func (b *BaseRepository) GetMetrics() map[string]interface{} {
	b.stmtMutex.RLock()
	defer b.stmtMutex.RUnlock()

	return map[string]interface{}{
		"prepared_statements": len(b.stmtCache),
		"max_retries":         b.maxRetries,
		"query_timeout":       b.queryTimeout.String(),
	}
}

// TranslateError converts database errors into repository sentinel errors.
func (b *BaseRepository) TranslateError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return interfaces.ErrDuplicate
		case "23503": // foreign_key_violation
			return errors.Wrap(interfaces.ErrValidation, "foreign key constraint violation")
		case "23502": // not_null_violation
			return errors.Wrap(interfaces.ErrValidation, "required field missing")
		case "23514": // check_violation
			return errors.Wrap(interfaces.ErrValidation, "check constraint violation: "+pqErr.Constraint)
		case "40001": // serialization_failure
			return interfaces.ErrOptimisticLock
		}
	}

	return errors.Wrapf(err, "database error for %s", entity)
}

// isNonRetryable reports whether an error is a terminal repository outcome
// that retrying cannot change.
func isNonRetryable(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound) ||
		errors.Is(err, interfaces.ErrDuplicate) ||
		errors.Is(err, interfaces.ErrValidation) ||
		errors.Is(err, interfaces.ErrOptimisticLock) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// isRetryableError reports whether a raw database error is transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		switch pqErr.Code.Class() {
		case "53", "58": // insufficient_resources, system_error
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

// classifyDBError maps an error to a metrics label.
func classifyDBError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, sql.ErrNoRows) || errors.Is(err, interfaces.ErrNotFound):
		return "not_found"
	case errors.Is(err, interfaces.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, interfaces.ErrValidation):
		return "validation"
	case errors.Is(err, interfaces.ErrOptimisticLock):
		return "optimistic_lock"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return "unknown"
}
