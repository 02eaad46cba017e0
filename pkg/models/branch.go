package models

import (
	"time"

	"github.com/google/uuid"
)

// Branch is a git-branch style workspace under a project. It owns tasks and
// may have at most one assigned agent. Names are unique within a project.
type Branch struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ProjectID       uuid.UUID `json:"project_id" db:"project_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description,omitempty" db:"description"`
	Status          Status    `json:"status" db:"status"`
	Priority        Priority  `json:"priority" db:"priority"`
	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`

	// Task counters, reconciled by validate_integrity
	TaskCount          int `json:"task_count" db:"task_count"`
	CompletedTaskCount int `json:"completed_task_count" db:"completed_task_count"`

	Metadata  JSONMap   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Optimistic locking
	Version int `json:"version" db:"version"`
}

// GetID returns the branch ID (implements AggregateRoot)
func (b *Branch) GetID() uuid.UUID { return b.ID }

// GetType returns the aggregate type (implements AggregateRoot)
func (b *Branch) GetType() string { return "Branch" }

// GetVersion returns the version (implements AggregateRoot)
func (b *Branch) GetVersion() int { return b.Version }

// GetUserID returns the owning user (implements Owned)
func (b *Branch) GetUserID() string { return b.UserID }

// SetUserID stamps the owning user (implements Owned)
func (b *Branch) SetUserID(id string) { b.UserID = id }

// IsAssigned reports whether an agent currently holds the branch.
func (b *Branch) IsAssigned() bool {
	return b.AssignedAgentID != nil && *b.AssignedAgentID != uuid.Nil
}

// CompletionRatio returns completed over total tasks, 0 when empty.
func (b *Branch) CompletionRatio() float64 {
	if b.TaskCount == 0 {
		return 0
	}
	return float64(b.CompletedTaskCount) / float64(b.TaskCount)
}
