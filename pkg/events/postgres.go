package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
)

const eventColumns = `
	event_id, event_type, event_data, aggregate_id, aggregate_type,
	timestamp, version, metadata`

const insertEventQuery = `
	INSERT INTO events (` + eventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PostgresStore persists the event log in the events table.
type PostgresStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	tracer  observability.StartSpanFunc
	metrics observability.MetricsClient
}

// NewPostgresStore creates the event store.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger, tracer observability.StartSpanFunc, metrics observability.MetricsClient) *PostgresStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &PostgresStore{db: db, logger: logger, tracer: tracer, metrics: metrics}
}

// Append persists one event, retrying transient database failures with
// exponential backoff. The log is append-only; rows are never updated.
func (s *PostgresStore) Append(ctx context.Context, event *DomainEvent) (uuid.UUID, error) {
	ctx, span := s.tracer(ctx, "EventStore.Append")
	defer span.End()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Data == nil {
		event.Data = models.JSONMap{}
	}
	if event.Metadata == nil {
		event.Metadata = models.JSONMap{}
	}

	insert := func() error {
		_, err := s.db.ExecContext(ctx, insertEventQuery,
			event.ID, event.Type, event.Data, event.AggregateID,
			event.AggregateType, event.Timestamp, event.Version, event.Metadata)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	if err := backoff.Retry(insert, backoff.WithContext(policy, ctx)); err != nil {
		span.RecordError(err)
		s.metrics.IncrementCounter("event_store_append_errors", 1)
		return uuid.Nil, errors.Wrapf(err, "failed to append %s event", event.Type)
	}

	s.metrics.IncrementCounterWithLabels("event_store_appends", 1, map[string]string{
		"event_type": event.Type,
	})
	return event.ID, nil
}

// Get returns events matching the filter, oldest first.
func (s *PostgresStore) Get(ctx context.Context, filter Filter) ([]*DomainEvent, error) {
	ctx, span := s.tracer(ctx, "EventStore.Get")
	defer span.End()

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	if filter.EventType != "" {
		query += " AND event_type = " + arg(filter.EventType)
	}
	if filter.AggregateID != nil {
		query += " AND aggregate_id = " + arg(*filter.AggregateID)
	}
	if filter.AggregateType != "" {
		query += " AND aggregate_type = " + arg(filter.AggregateType)
	}
	if filter.Since != nil {
		query += " AND timestamp >= " + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += " AND timestamp < " + arg(*filter.Until)
	}
	if !filter.IncludeSnapshots {
		query += " AND COALESCE((metadata->>'is_snapshot')::boolean, FALSE) = FALSE"
	}
	query += " ORDER BY timestamp ASC, version ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var evs []*DomainEvent
	if err := s.db.SelectContext(ctx, &evs, query, args...); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to query events")
	}
	return evs, nil
}

// GetAggregate returns the aggregate's domain events after fromVersion in
// version order. Snapshot rows never appear here.
func (s *PostgresStore) GetAggregate(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]*DomainEvent, error) {
	ctx, span := s.tracer(ctx, "EventStore.GetAggregate")
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM events
		WHERE aggregate_id = $1
		  AND version > $2
		  AND COALESCE((metadata->>'is_snapshot')::boolean, FALSE) = FALSE
		ORDER BY version ASC, timestamp ASC`

	var evs []*DomainEvent
	if err := s.db.SelectContext(ctx, &evs, query, aggregateID, fromVersion); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to query aggregate events")
	}
	return evs, nil
}

// Snapshot stores aggregate state at a version. Snapshot rows share the
// events table and are marked in metadata.
func (s *PostgresStore) Snapshot(ctx context.Context, aggregateID uuid.UUID, aggregateType string, data models.JSONMap, version int) (uuid.UUID, error) {
	return s.Append(ctx, newSnapshot(aggregateID, aggregateType, data, version))
}

// LatestSnapshot returns the newest snapshot for the aggregate, or nil when
// the aggregate has never been snapshotted.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, aggregateID uuid.UUID) (*DomainEvent, error) {
	ctx, span := s.tracer(ctx, "EventStore.LatestSnapshot")
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM events
		WHERE aggregate_id = $1
		  AND COALESCE((metadata->>'is_snapshot')::boolean, FALSE) = TRUE
		ORDER BY version DESC, timestamp DESC
		LIMIT 1`

	var event DomainEvent
	err := s.db.GetContext(ctx, &event, query, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to query latest snapshot")
	}
	return &event, nil
}

// Clear empties the log. Reserved for test harnesses; production code has
// no path here.
func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	return errors.Wrap(err, "failed to clear events")
}

// retryable reports whether a database error is worth retrying.
func retryable(err error) bool {
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
