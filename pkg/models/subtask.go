package models

import (
	"time"

	"github.com/google/uuid"
)

// Subtask is a unit of work under a task. Its progress rolls up into the
// parent; the parent cannot complete while any subtask is incomplete.
type Subtask struct {
	ID       uuid.UUID `json:"id" db:"id"`
	TaskID   uuid.UUID `json:"task_id" db:"task_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	Title    string    `json:"title" db:"title"`
	Status   Status    `json:"status" db:"status"`
	Priority Priority  `json:"priority" db:"priority"`

	Description        string      `json:"description,omitempty" db:"description"`
	Assignees          StringArray `json:"assignees" db:"assignees"`
	ProgressPercentage int         `json:"progress_percentage" db:"progress_percentage"`
	ProgressNotes      string      `json:"progress_notes,omitempty" db:"progress_notes"`
	Blockers           string      `json:"blockers,omitempty" db:"blockers"`
	CompletionSummary  string      `json:"completion_summary,omitempty" db:"completion_summary"`
	ImpactOnParent     string      `json:"impact_on_parent,omitempty" db:"impact_on_parent"`
	InsightsFound      StringArray `json:"insights_found" db:"insights_found"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Optimistic locking
	Version int `json:"version" db:"version"`
}

// GetID returns the subtask ID (implements AggregateRoot)
func (s *Subtask) GetID() uuid.UUID { return s.ID }

// GetType returns the aggregate type (implements AggregateRoot)
func (s *Subtask) GetType() string { return "Subtask" }

// GetVersion returns the version (implements AggregateRoot)
func (s *Subtask) GetVersion() int { return s.Version }

// GetUserID returns the owning user (implements Owned)
func (s *Subtask) GetUserID() string { return s.UserID }

// SetUserID stamps the owning user (implements Owned)
func (s *Subtask) SetUserID(id string) { s.UserID = id }

// IsComplete reports whether the subtask no longer blocks parent completion.
func (s *Subtask) IsComplete() bool { return s.Status.IsTerminal() }
