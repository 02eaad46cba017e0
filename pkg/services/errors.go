package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// Sentinel errors returned by the service layer. Repository sentinels
// (interfaces.ErrNotFound and friends) pass through unchanged so callers
// match on one set.
var (
	// ErrBranchHeld rejects an agent assignment to a branch that a
	// different agent already holds.
	ErrBranchHeld = errors.New("branch is already assigned to another agent")

	// ErrAgentBusy rejects a rebalance move for an agent that is mid-work.
	ErrAgentBusy = errors.New("agent is busy")

	// ErrTokenInactive rejects operations that need a live token.
	ErrTokenInactive = errors.New("token is not active")
)

// ValidationError reports a single invalid argument. Field names the
// offending input; Expected and Hint, when set, travel to the caller
// unchanged.
type ValidationError struct {
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is treat every validation failure as interfaces.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == interfaces.ErrValidation
}

// TransitionError reports a state-machine move the transition table does
// not allow.
type TransitionError struct {
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Is classifies illegal transitions as validation failures.
func (e *TransitionError) Is(target error) bool {
	return target == interfaces.ErrValidation
}

// Blocker is one unsatisfied blocking predecessor.
type Blocker struct {
	TaskID uuid.UUID     `json:"task_id"`
	Title  string        `json:"title,omitempty"`
	Status models.Status `json:"status"`
}

// DependencyError reports that a task cannot progress because blocking
// predecessors are not done. Blockers carries the predecessors and their
// current statuses for the caller's report.
type DependencyError struct {
	TaskID   uuid.UUID
	Blockers []Blocker
}

func (e *DependencyError) Error() string {
	ids := make([]string, len(e.Blockers))
	for i, b := range e.Blockers {
		ids[i] = b.TaskID.String()
	}
	return fmt.Sprintf("task %s has %d unsatisfied dependencies: %s",
		e.TaskID, len(e.Blockers), strings.Join(ids, ", "))
}
