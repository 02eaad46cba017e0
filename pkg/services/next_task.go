package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// ContextResolver resolves merged context documents for the selector.
// *contexts.Engine implements it.
type ContextResolver interface {
	Resolve(ctx context.Context, level models.ContextLevel, id uuid.UUID) (*contexts.Resolution, error)
}

// NextTaskFilters narrows the selector's candidate set. Zero values mean
// no filtering on that axis; Labels requires every listed label.
type NextTaskFilters struct {
	Assignee  string
	ProjectID *uuid.UUID
	BranchID  *uuid.UUID
	Labels    []string
}

// StatusMismatch is one divergence between a task row and the status its
// context reports.
type StatusMismatch struct {
	TaskID        uuid.UUID     `json:"task_id"`
	Title         string        `json:"title"`
	TaskStatus    models.Status `json:"task_status"`
	ContextStatus string        `json:"context_status"`
}

// BlockedTask describes an actionable task that cannot start because of
// unfinished predecessors.
type BlockedTask struct {
	TaskID   uuid.UUID `json:"task_id"`
	Title    string    `json:"title"`
	Blockers []Blocker `json:"blockers"`
}

// CompletionReport summarises a fully completed filtered set.
type CompletionReport struct {
	Total             int            `json:"total"`
	ByPriority        map[string]int `json:"by_priority"`
	CompletionPercent float64        `json:"completion_percent"`
}

// Selector result types.
const (
	NextTypeTask           = "task"
	NextTypeSubtask        = "subtask"
	NextTypeStatusMismatch = "status_mismatch"
	NextTypeAllComplete    = "all_complete"
	NextTypeBlocked        = "blocked"
)

// NextTaskResult is the selector's answer. Exactly one of the payload
// groups is populated, keyed by Type.
type NextTaskResult struct {
	HasNext bool   `json:"has_next"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	Task    *models.Task    `json:"task,omitempty"`
	Subtask *models.Subtask `json:"subtask,omitempty"`

	Context          models.JSONMap `json:"context,omitempty"`
	ContextAvailable *bool          `json:"context_available,omitempty"`

	Mismatches    []StatusMismatch `json:"status_mismatches,omitempty"`
	FixSuggestion string           `json:"fix_suggestion,omitempty"`

	Blocked []BlockedTask `json:"blocked_tasks,omitempty"`

	Completion *CompletionReport `json:"completion,omitempty"`
}

// NextTask picks the task to work on next. The pipeline: load the user's
// tasks, refuse to pick while any task disagrees with its context about
// status, filter, keep actionable ones, order by priority then status then
// age, and return the first whose predecessors are all done. A winner with
// an incomplete subtask surfaces that subtask instead.
func (s *TaskService) NextTask(ctx context.Context, filters NextTaskFilters, includeContext bool) (*NextTaskResult, error) {
	ctx, span := s.tracer(ctx, "TaskService.NextTask")
	defer span.End()

	all, err := s.tasks.List(ctx, interfaces.TaskFilters{})
	if err != nil {
		return nil, err
	}

	mismatches, err := s.statusMismatches(ctx, all)
	if err != nil {
		return nil, err
	}
	if len(mismatches) > 0 {
		return &NextTaskResult{
			Type:       NextTypeStatusMismatch,
			Message:    fmt.Sprintf("%d task(s) disagree with their context about status; resolve before selecting.", len(mismatches)),
			Mismatches: mismatches,
			FixSuggestion: "For each task either update the task status to the recorded value, " +
				"or patch the task context's metadata.status to match the task.",
		}, nil
	}

	candidates, err := s.applyNextFilters(ctx, all, filters)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &NextTaskResult{Message: "No tasks match filters."}, nil
	}

	var actionable []*models.Task
	done := 0
	for _, t := range candidates {
		if t.IsActionable() {
			actionable = append(actionable, t)
		}
		if t.Status == models.StatusDone {
			done++
		}
	}
	if len(actionable) == 0 {
		if done == len(candidates) {
			byPriority := map[string]int{}
			for _, t := range candidates {
				byPriority[string(t.Priority)]++
			}
			return &NextTaskResult{
				Type:    NextTypeAllComplete,
				Message: fmt.Sprintf("All %d task(s) are done.", len(candidates)),
				Completion: &CompletionReport{
					Total:             len(candidates),
					ByPriority:        byPriority,
					CompletionPercent: 100,
				},
			}, nil
		}
		return &NextTaskResult{Message: "No actionable tasks."}, nil
	}

	sort.SliceStable(actionable, func(i, j int) bool {
		if pi, pj := actionable[i].Priority.SelectionRank(), actionable[j].Priority.SelectionRank(); pi != pj {
			return pi < pj
		}
		if si, sj := actionable[i].Status.SelectionRank(), actionable[j].Status.SelectionRank(); si != sj {
			return si < sj
		}
		return actionable[i].CreatedAt.Before(actionable[j].CreatedAt)
	})

	statusByID := make(map[uuid.UUID]models.Status, len(all))
	titleByID := make(map[uuid.UUID]string, len(all))
	for _, t := range all {
		statusByID[t.ID] = t.Status
		titleByID[t.ID] = t.Title
	}
	ids := make([]uuid.UUID, len(actionable))
	for i, t := range actionable {
		ids[i] = t.ID
	}
	edges, err := s.tasks.GetDependenciesForTasks(ctx, ids)
	if err != nil {
		return nil, err
	}

	var winner *models.Task
	var blocked []BlockedTask
	for _, t := range actionable {
		var unsat []Blocker
		for _, d := range edges[t.ID] {
			if d.DependencyType != models.DependencyBlocks {
				continue
			}
			if statusByID[d.DependsOnTaskID] == models.StatusDone {
				continue
			}
			unsat = append(unsat, Blocker{
				TaskID: d.DependsOnTaskID,
				Title:  titleByID[d.DependsOnTaskID],
				Status: statusByID[d.DependsOnTaskID],
			})
		}
		if len(unsat) == 0 {
			winner = t
			break
		}
		blocked = append(blocked, BlockedTask{TaskID: t.ID, Title: t.Title, Blockers: unsat})
	}
	if winner == nil {
		return &NextTaskResult{
			Type:    NextTypeBlocked,
			Message: fmt.Sprintf("All %d actionable task(s) are blocked by incomplete dependencies.", len(blocked)),
			Blocked: blocked,
		}, nil
	}

	if winner.Subtasks, err = s.subtasks.ListByTask(ctx, winner.ID); err != nil {
		return nil, err
	}
	result := &NextTaskResult{HasNext: true, Type: NextTypeTask, Task: winner}
	if first := winner.FirstIncompleteSubtask(); first != nil {
		result.Type = NextTypeSubtask
		result.Subtask = first
	}

	if includeContext {
		available := false
		if s.resolver != nil {
			if res, err := s.resolver.Resolve(ctx, models.ContextLevelTask, winner.ID); err == nil {
				result.Context = res.Data
				available = true
			} else {
				s.logger.Warn("Context resolution failed for selected task", map[string]interface{}{
					"task_id": winner.ID.String(),
					"error":   err.Error(),
				})
			}
		}
		result.ContextAvailable = &available
	}

	s.metrics.IncrementCounterWithLabels("next_task_selections", 1, map[string]string{"type": result.Type})
	return result, nil
}

// statusMismatches compares each linked task context's recorded status with
// the task's own. Tasks without a context are skipped.
func (s *TaskService) statusMismatches(ctx context.Context, tasks []*models.Task) ([]StatusMismatch, error) {
	var out []StatusMismatch
	for _, t := range tasks {
		if t.ContextID == nil {
			continue
		}
		tc, err := s.contexts.GetTask(ctx, t.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recorded := contextStatus(tc)
		if recorded == "" || recorded == string(t.Status) {
			continue
		}
		out = append(out, StatusMismatch{
			TaskID:        t.ID,
			Title:         t.Title,
			TaskStatus:    t.Status,
			ContextStatus: recorded,
		})
	}
	return out, nil
}

// contextStatus pulls the status a task context reports under
// metadata.status, or "" when it reports none.
func contextStatus(tc *models.TaskContext) string {
	if tc.Data == nil {
		return ""
	}
	meta, ok := tc.Data["metadata"].(map[string]interface{})
	if !ok {
		return ""
	}
	status, _ := meta["status"].(string)
	return status
}

func (s *TaskService) applyNextFilters(ctx context.Context, tasks []*models.Task, f NextTaskFilters) ([]*models.Task, error) {
	var allowedBranch map[uuid.UUID]bool
	if f.ProjectID != nil {
		branches, err := s.branches.ListByProject(ctx, *f.ProjectID)
		if err != nil {
			return nil, err
		}
		allowedBranch = make(map[uuid.UUID]bool, len(branches))
		for _, b := range branches {
			allowedBranch[b.ID] = true
		}
	}

	var out []*models.Task
	for _, t := range tasks {
		if f.BranchID != nil && t.BranchID != *f.BranchID {
			continue
		}
		if allowedBranch != nil && !allowedBranch[t.BranchID] {
			continue
		}
		if f.Assignee != "" && !containsString(t.Assignees, f.Assignee) {
			continue
		}
		if !hasAllLabels(t.Labels, f.Labels) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hasAllLabels(have []string, want []string) bool {
	for _, label := range want {
		if !containsString(have, label) {
			return false
		}
	}
	return true
}
