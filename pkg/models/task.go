package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of work inside a branch. It owns ordered
// collections of subtasks, assignees, labels and dependencies.
type Task struct {
	// Core fields
	ID       uuid.UUID `json:"id" db:"id"`
	BranchID uuid.UUID `json:"branch_id" db:"branch_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	Title    string    `json:"title" db:"title"`
	Status   Status    `json:"status" db:"status"`
	Priority Priority  `json:"priority" db:"priority"`

	// Task data
	Description       string `json:"description,omitempty" db:"description"`
	Details           string `json:"details,omitempty" db:"details"`
	EstimatedEffort   string `json:"estimated_effort,omitempty" db:"estimated_effort"`
	TestingNotes      string `json:"testing_notes,omitempty" db:"testing_notes"`
	CompletionSummary string `json:"completion_summary,omitempty" db:"completion_summary"`

	// Progress, one decimal place, rolled up from subtasks
	ProgressPercentage float64 `json:"progress_percentage" db:"progress_percentage"`

	// Collections stored as JSON arrays
	Assignees StringArray `json:"assignees" db:"assignees"`
	Labels    StringArray `json:"labels" db:"labels"`

	// Optional link to the task-level context
	ContextID *uuid.UUID `json:"context_id,omitempty" db:"context_id"`

	// Timestamps
	DueDate     *time.Time `json:"due_date,omitempty" db:"due_date"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Optimistic locking
	Version int `json:"version" db:"version"`

	// Computed fields (not stored)
	Subtasks     []*Subtask        `json:"subtasks,omitempty" db:"-"`
	Dependencies []*TaskDependency `json:"dependencies,omitempty" db:"-"`
}

// GetID returns the task ID (implements AggregateRoot)
func (t *Task) GetID() uuid.UUID { return t.ID }

// GetType returns the aggregate type (implements AggregateRoot)
func (t *Task) GetType() string { return "Task" }

// GetVersion returns the version (implements AggregateRoot)
func (t *Task) GetVersion() int { return t.Version }

// GetUserID returns the owning user (implements Owned)
func (t *Task) GetUserID() string { return t.UserID }

// SetUserID stamps the owning user (implements Owned)
func (t *Task) SetUserID(id string) { t.UserID = id }

// IsTerminal reports whether the task is in a terminal state.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// IsActionable reports whether the task is eligible for selection.
func (t *Task) IsActionable() bool { return t.Status.IsActionable() }

// FirstIncompleteSubtask returns the oldest subtask that is neither done nor
// cancelled, or nil when all are terminal.
func (t *Task) FirstIncompleteSubtask() *Subtask {
	for _, s := range t.Subtasks {
		if !s.Status.IsTerminal() {
			return s
		}
	}
	return nil
}

// IncompleteSubtasks returns every subtask not yet done or cancelled.
func (t *Task) IncompleteSubtasks() []*Subtask {
	var out []*Subtask
	for _, s := range t.Subtasks {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// RollupProgress computes the task's progress from its subtasks: the mean of
// subtask percentages rounded to one decimal. Tasks without subtasks keep
// their stored value.
func RollupProgress(subtasks []*Subtask) float64 {
	if len(subtasks) == 0 {
		return 0
	}
	var sum float64
	for _, s := range subtasks {
		sum += float64(s.ProgressPercentage)
	}
	pct := sum / float64(len(subtasks))
	return math.Round(pct*10) / 10
}

// DependencyType classifies a task dependency edge
type DependencyType string

const (
	// DependencyBlocks means the predecessor must be done before the
	// dependent task may start.
	DependencyBlocks DependencyType = "blocks"

	// DependencyRelated links tasks without an ordering constraint; the
	// readiness checks ignore these edges.
	DependencyRelated DependencyType = "related"
)

// TaskDependency is a directed edge: TaskID depends on DependsOnTaskID.
// Self-dependencies are forbidden. Cross-branch edges are allowed and
// flagged for the selector.
type TaskDependency struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	TaskID          uuid.UUID      `json:"task_id" db:"task_id"`
	DependsOnTaskID uuid.UUID      `json:"depends_on_task_id" db:"depends_on_task_id"`
	DependencyType  DependencyType `json:"dependency_type" db:"dependency_type"`
	CrossBranch     bool           `json:"cross_branch" db:"cross_branch"`
	UserID          string         `json:"user_id" db:"user_id"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// GetUserID returns the owning user (implements Owned)
func (d *TaskDependency) GetUserID() string { return d.UserID }

// SetUserID stamps the owning user (implements Owned)
func (d *TaskDependency) SetUserID(id string) { d.UserID = id }
