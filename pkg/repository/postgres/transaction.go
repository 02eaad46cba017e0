package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// pgTransaction wraps sqlx.Tx with savepoint support and commit timing
type pgTransaction struct {
	tx         *sqlx.Tx
	logger     observability.Logger
	startTime  time.Time
	savepoints []string
	closed     bool
}

func newPgTransaction(tx *sqlx.Tx, logger observability.Logger) *pgTransaction {
	return &pgTransaction{
		tx:        tx,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Tx exposes the underlying sqlx transaction so repositories in this package
// can bind their statements to it.
func (t *pgTransaction) Tx() *sqlx.Tx {
	return t.tx
}

// Execute runs a function within the transaction
func (t *pgTransaction) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.closed {
		return errors.New("transaction already closed")
	}
	return fn(ctx)
}

// Savepoint creates a savepoint for partial rollback
func (t *pgTransaction) Savepoint(ctx context.Context, name string) error {
	if t.closed {
		return errors.New("transaction already closed")
	}
	if name == "" {
		name = fmt.Sprintf("sp_%d", len(t.savepoints))
	}

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+pq.QuoteIdentifier(name)); err != nil {
		return errors.Wrap(err, "failed to create savepoint")
	}

	t.savepoints = append(t.savepoints, name)
	return nil
}

// RollbackToSavepoint rolls back to a specific savepoint
func (t *pgTransaction) RollbackToSavepoint(ctx context.Context, name string) error {
	if t.closed {
		return errors.New("transaction already closed")
	}

	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(name)); err != nil {
		return errors.Wrap(err, "failed to rollback to savepoint")
	}

	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == name {
			t.savepoints = t.savepoints[:i+1]
			break
		}
	}
	return nil
}

// Commit commits the transaction
func (t *pgTransaction) Commit() error {
	if t.closed {
		return errors.New("transaction already closed")
	}

	duration := time.Since(t.startTime)
	err := t.tx.Commit()
	t.closed = true

	if err != nil {
		t.logger.Error("Transaction commit failed", map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
		return errors.Wrap(err, "failed to commit transaction")
	}

	t.logger.Debug("Transaction committed", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	return nil
}

// Rollback rolls back the transaction. Safe to call after Commit.
func (t *pgTransaction) Rollback() error {
	if t.closed {
		return nil
	}

	err := t.tx.Rollback()
	t.closed = true

	if err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "failed to rollback transaction")
	}
	return nil
}

// txFromTransaction extracts the sqlx.Tx from a types.Transaction created by
// this package. Returns nil for foreign or nil transactions.
func txFromTransaction(tx types.Transaction) *sqlx.Tx {
	if tx == nil {
		return nil
	}
	if pg, ok := tx.(*pgTransaction); ok {
		return pg.Tx()
	}
	return nil
}

// toSQLTxOptions converts repository transaction options to database/sql form.
func toSQLTxOptions(opts *types.TxOptions) *sql.TxOptions {
	txOpts := &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	}
	if opts == nil {
		return txOpts
	}

	switch opts.Isolation {
	case types.IsolationSerializable:
		txOpts.Isolation = sql.LevelSerializable
	case types.IsolationRepeatableRead:
		txOpts.Isolation = sql.LevelRepeatableRead
	case types.IsolationReadCommitted:
		txOpts.Isolation = sql.LevelReadCommitted
	case types.IsolationReadUncommitted:
		txOpts.Isolation = sql.LevelReadUncommitted
	}
	txOpts.ReadOnly = opts.ReadOnly
	return txOpts
}
