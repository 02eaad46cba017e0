// Package events is the append-only domain event log: an event type per
// state change, a persistent store with snapshots and replay, and an
// in-process bus for decoupled reactions.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
)

// Domain event types. Snapshot rows use the aggregate type plus
// SnapshotSuffix.
const (
	TypeTaskCreated       = "TaskCreated"
	TypeTaskStateChanged  = "TaskStateChanged"
	TypeTaskCompleted     = "TaskCompleted"
	TypeTaskDeleted       = "TaskDeleted"
	TypeDependencyAdded   = "DependencyAdded"
	TypeDependencyRemoved = "DependencyRemoved"

	TypeSubtaskCreated   = "SubtaskCreated"
	TypeSubtaskCompleted = "SubtaskCompleted"

	TypeProjectCreated = "ProjectCreated"
	TypeBranchCreated  = "BranchCreated"

	TypeContextCreated   = "ContextCreated"
	TypeContextUpdated   = "ContextUpdated"
	TypeContextDeleted   = "ContextDeleted"
	TypeContextDelegated = "ContextDelegated"
	TypeInsightAdded     = "InsightAdded"
	TypeProgressAdded    = "ProgressAdded"

	TypeAgentRegistered   = "AgentRegistered"
	TypeAgentAssigned     = "AgentAssigned"
	TypeAgentUnassigned   = "AgentUnassigned"
	TypeAgentUnregistered = "AgentUnregistered"

	TypeHintGenerated = "HintGenerated"
	TypeHintFeedback  = "HintFeedback"

	TypeTokenCreated = "TokenCreated"
	TypeTokenRevoked = "TokenRevoked"
	TypeTokenRotated = "TokenRotated"
)

// SnapshotSuffix marks snapshot rows, which share the events table.
const SnapshotSuffix = "Snapshot"

// metadataSnapshotKey flags snapshot rows inside event metadata.
const metadataSnapshotKey = "is_snapshot"

// DomainEvent is one row in the append-only log. AggregateID is nil for
// events that do not belong to a versioned aggregate.
type DomainEvent struct {
	ID            uuid.UUID      `json:"event_id" db:"event_id"`
	Type          string         `json:"event_type" db:"event_type"`
	Data          models.JSONMap `json:"event_data" db:"event_data"`
	AggregateID   *uuid.UUID     `json:"aggregate_id,omitempty" db:"aggregate_id"`
	AggregateType string         `json:"aggregate_type,omitempty" db:"aggregate_type"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
	Version       int            `json:"version" db:"version"`
	Metadata      models.JSONMap `json:"metadata,omitempty" db:"metadata"`
}

// NewEvent creates an event with a fresh id and a UTC timestamp.
func NewEvent(eventType string, data models.JSONMap) *DomainEvent {
	if data == nil {
		data = models.JSONMap{}
	}
	return &DomainEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   1,
		Metadata:  models.JSONMap{},
	}
}

// ForAggregate attaches the event to a versioned aggregate.
func (e *DomainEvent) ForAggregate(aggregateType string, id uuid.UUID, version int) *DomainEvent {
	e.AggregateID = &id
	e.AggregateType = aggregateType
	e.Version = version
	return e
}

// ByUser records the acting user in the event metadata.
func (e *DomainEvent) ByUser(userID string) *DomainEvent {
	if e.Metadata == nil {
		e.Metadata = models.JSONMap{}
	}
	e.Metadata["user_id"] = userID
	return e
}

// IsSnapshot reports whether this row is a snapshot rather than a domain
// event.
func (e *DomainEvent) IsSnapshot() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata[metadataSnapshotKey].(bool)
	return ok && v
}

// newSnapshot builds the snapshot row for an aggregate at a version.
func newSnapshot(aggregateID uuid.UUID, aggregateType string, data models.JSONMap, version int) *DomainEvent {
	e := NewEvent(aggregateType+SnapshotSuffix, data).ForAggregate(aggregateType, aggregateID, version)
	e.Metadata[metadataSnapshotKey] = true
	return e
}
