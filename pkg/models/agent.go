package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the availability of an agent
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
)

// IsValid reports whether s is a known agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusOffline:
		return true
	}
	return false
}

// Agent is a registered worker. Agents register to a project and hold at
// most one branch assignment at a time.
type Agent struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	UserID            string      `json:"user_id" db:"user_id"`
	ProjectID         *uuid.UUID  `json:"project_id,omitempty" db:"project_id"`
	Name              string      `json:"name" db:"name"`
	Description       string      `json:"description,omitempty" db:"description"`
	Role              string      `json:"role,omitempty" db:"role"`
	Capabilities      StringArray `json:"capabilities" db:"capabilities"`
	Status            AgentStatus `json:"status" db:"status"`
	AvailabilityScore float64     `json:"availability_score" db:"availability_score"`
	AssignedBranchID  *uuid.UUID  `json:"assigned_branch_id,omitempty" db:"assigned_branch_id"`
	Metadata          JSONMap     `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`

	// Optimistic locking
	Version int `json:"version" db:"version"`
}

// GetID returns the agent ID (implements AggregateRoot)
func (a *Agent) GetID() uuid.UUID { return a.ID }

// GetType returns the aggregate type (implements AggregateRoot)
func (a *Agent) GetType() string { return "Agent" }

// GetVersion returns the version (implements AggregateRoot)
func (a *Agent) GetVersion() int { return a.Version }

// GetUserID returns the owning user (implements Owned)
func (a *Agent) GetUserID() string { return a.UserID }

// SetUserID stamps the owning user (implements Owned)
func (a *Agent) SetUserID(id string) { a.UserID = id }

// IsAvailable reports whether the agent can take an assignment.
func (a *Agent) IsAvailable() bool { return a.Status == AgentStatusAvailable }

// HasCapability reports whether the agent advertises the capability.
func (a *Agent) HasCapability(c string) bool { return a.Capabilities.Contains(c) }
