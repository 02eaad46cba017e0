package models

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// IsValid reports whether s is a known project status.
func (s ProjectStatus) IsValid() bool {
	return s == ProjectStatusActive || s == ProjectStatusArchived
}

// Project is the top-level grouping of work. Names are unique per user.
type Project struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Status      ProjectStatus `json:"status" db:"status"`
	Metadata    JSONMap       `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`

	// Optimistic locking
	Version int `json:"version" db:"version"`

	// Computed fields (not stored)
	Branches []*Branch `json:"branches,omitempty" db:"-"`
}

// GetID returns the project ID (implements AggregateRoot)
func (p *Project) GetID() uuid.UUID { return p.ID }

// GetType returns the aggregate type (implements AggregateRoot)
func (p *Project) GetType() string { return "Project" }

// GetVersion returns the version (implements AggregateRoot)
func (p *Project) GetVersion() int { return p.Version }

// GetUserID returns the owning user (implements Owned)
func (p *Project) GetUserID() string { return p.UserID }

// SetUserID stamps the owning user (implements Owned)
func (p *Project) SetUserID(id string) { p.UserID = id }

// ProjectHealth summarises the findings of a project health check.
type ProjectHealth struct {
	ProjectID        uuid.UUID      `json:"project_id"`
	Healthy          bool           `json:"healthy"`
	BranchCount      int            `json:"branch_count"`
	TaskCount        int            `json:"task_count"`
	CompletedTasks   int            `json:"completed_tasks"`
	OrphanedTasks    []uuid.UUID    `json:"orphaned_tasks,omitempty"`
	StalledBranches  []uuid.UUID    `json:"stalled_branches,omitempty"`
	ContextCoverage  float64        `json:"context_coverage"`
	AgentLoad        map[string]int `json:"agent_load,omitempty"`
	Recommendations  []string       `json:"recommendations,omitempty"`
	CheckedAt        time.Time      `json:"checked_at"`
}
