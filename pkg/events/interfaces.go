package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
)

// Filter selects events from the log. Zero fields match everything.
type Filter struct {
	EventType     string
	AggregateID   *uuid.UUID
	AggregateType string
	Since         *time.Time
	Until         *time.Time

	// IncludeSnapshots admits snapshot rows, which are otherwise filtered.
	IncludeSnapshots bool

	Limit  int
	Offset int
}

// Store is the append-only event log.
type Store interface {
	// Append persists one event and returns its id.
	Append(ctx context.Context, event *DomainEvent) (uuid.UUID, error)

	// Get returns events matching the filter, oldest first.
	Get(ctx context.Context, filter Filter) ([]*DomainEvent, error)

	// GetAggregate returns an aggregate's events with version greater than
	// fromVersion, ordered by version. Pass 0 for the full history.
	// Snapshot rows are excluded.
	GetAggregate(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]*DomainEvent, error)

	// Snapshot stores aggregate state at a version and returns the row id.
	Snapshot(ctx context.Context, aggregateID uuid.UUID, aggregateType string, data models.JSONMap, version int) (uuid.UUID, error)

	// LatestSnapshot returns the newest snapshot for the aggregate, or nil
	// when none exists.
	LatestSnapshot(ctx context.Context, aggregateID uuid.UUID) (*DomainEvent, error)

	// Clear empties the log. Reserved for test harnesses.
	Clear(ctx context.Context) error
}

// Handler reacts to a published event.
type Handler func(ctx context.Context, event *DomainEvent) error

// Publisher fans events out to in-process subscribers.
type Publisher interface {
	// Publish dispatches the event to subscribers of its type. Delivery is
	// asynchronous and best-effort.
	Publish(ctx context.Context, event *DomainEvent)

	// Subscribe registers a handler for an event type; "*" receives all.
	Subscribe(eventType string, handler Handler)

	// Close stops accepting events and waits for in-flight handlers.
	Close()
}

// Replay reconstructs an aggregate's history: the latest snapshot (nil when
// none) plus every event after it, in version order.
func Replay(ctx context.Context, store Store, aggregateID uuid.UUID) (*DomainEvent, []*DomainEvent, error) {
	snapshot, err := store.LatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, nil, err
	}
	from := 0
	if snapshot != nil {
		from = snapshot.Version
	}
	evs, err := store.GetAggregate(ctx, aggregateID, from)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, evs, nil
}
