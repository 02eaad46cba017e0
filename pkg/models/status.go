package models

// Status represents the lifecycle state of a task or subtask
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusTesting    Status = "testing"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// ValidStatuses lists every recognised status value.
var ValidStatuses = []Status{
	StatusTodo,
	StatusInProgress,
	StatusBlocked,
	StatusReview,
	StatusTesting,
	StatusDone,
	StatusCancelled,
}

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// IsActionable reports whether a task in this status is eligible for
// next-task selection.
func (s Status) IsActionable() bool {
	return s == StatusTodo || s == StatusInProgress
}

// SelectionRank orders actionable statuses for the selector: todo before
// in_progress, everything else after.
func (s Status) SelectionRank() int {
	switch s {
	case StatusTodo:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// Priority represents the urgency of a task or subtask
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// ValidPriorities lists every recognised priority in ascending order.
var ValidPriorities = []Priority{
	PriorityLow,
	PriorityMedium,
	PriorityHigh,
	PriorityUrgent,
	PriorityCritical,
}

// IsValid reports whether p is a recognised priority.
func (p Priority) IsValid() bool {
	for _, v := range ValidPriorities {
		if p == v {
			return true
		}
	}
	return false
}

// Weight returns the ordinal weight of the priority, low(1) through
// critical(5). Unknown priorities weigh 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	case PriorityCritical:
		return 5
	default:
		return 0
	}
}

// SelectionRank orders priorities for the selector, critical(0) through
// low(4). Lower rank sorts first.
func (p Priority) SelectionRank() int {
	return 5 - p.Weight()
}
