// Package services holds the domain operations behind the tool surface:
// task lifecycle and state machine, the next-task selector, subtask
// rollups, project and branch management, agent assignment and API token
// administration. Services compose user-scoped repositories, so every
// operation here is already tenant-filtered.
package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// ServiceConfig carries the cross-cutting collaborators shared by every
// service. Zero values are usable; nil fields fall back to no-ops.
type ServiceConfig struct {
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Tracer  observability.StartSpanFunc
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Logger == nil {
		c.Logger = observability.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewNoOpMetricsClient()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NoopStartSpan
	}
	return c
}

// BaseService provides logging, metrics, tracing and domain-event emission
// to the concrete services that embed it.
type BaseService struct {
	logger    observability.Logger
	metrics   observability.MetricsClient
	tracer    observability.StartSpanFunc
	store     events.Store
	publisher events.Publisher
}

func newBaseService(cfg ServiceConfig, store events.Store, publisher events.Publisher) BaseService {
	cfg = cfg.withDefaults()
	return BaseService{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		store:     store,
		publisher: publisher,
	}
}

// emit appends the event to the store and fans it out on the bus. The log
// is advisory: a failed append never fails the operation that produced the
// event.
func (s *BaseService) emit(ctx context.Context, ev *events.DomainEvent) {
	if s.store != nil {
		if _, err := s.store.Append(ctx, ev); err != nil {
			s.logger.Warn("Failed to append domain event", map[string]interface{}{
				"event_type": ev.Type,
				"error":      err.Error(),
			})
		}
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, ev)
	}
}

// count increments an operation counter with a result label.
func (s *BaseService) count(name, operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.IncrementCounterWithLabels(name, 1, map[string]string{
		"operation": operation,
		"result":    result,
	})
}

// beginTx is the signature every repository exposes for starting a
// transaction.
type beginTx func(ctx context.Context, opts *types.TxOptions) (types.Transaction, error)

// runInTx begins a transaction, runs fn and commits, rolling back when fn
// fails. Rollback failures are swallowed in favour of the original error.
func runInTx(ctx context.Context, begin beginTx, fn func(tx types.Transaction) error) error {
	tx, err := begin(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
