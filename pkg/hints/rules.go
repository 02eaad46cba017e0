// Package hints inspects tasks and produces workflow hints through a set
// of pluggable rules. Each rule is a pure function of a RuleContext and
// yields at most one hint; the engine ranks the results by urgency and by
// how well the producing rule's hints have landed historically.
package hints

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
)

// Rule thresholds.
const (
	stalledAfter          = 48 * time.Hour
	quietAfter            = 24 * time.Hour
	testingReadyRatio     = 0.8
	nearCompletionPercent = 90.0
	complexBlockerCount   = 3
)

// RuleContext carries everything a rule may inspect for one target task.
// Rules must treat it as read-only.
type RuleContext struct {
	// Task is the target, with subtasks and dependencies attached.
	Task *models.Task

	// TaskContext is the task's merged context document, nil when
	// resolution failed or was skipped.
	TaskContext models.JSONMap

	// RelatedTasks are the other tasks on the same branch plus the
	// targets of cross-branch dependencies.
	RelatedTasks []*models.Task

	// Patterns maps rule names to their current effectiveness score.
	Patterns map[string]float64

	// Now anchors every time comparison so one generation pass is
	// internally consistent.
	Now time.Time
}

// Related returns the related task with the given id, or nil.
func (rc *RuleContext) Related(id uuid.UUID) *models.Task {
	for _, t := range rc.RelatedTasks {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}

// Rule produces at most one hint for a task. Implementations must not
// mutate the RuleContext.
type Rule interface {
	// Name identifies the rule in events, metrics and effectiveness
	// tracking.
	Name() string

	// IsApplicable reports whether the rule has something to say about
	// the task.
	IsApplicable(rc *RuleContext) bool

	// GenerateHint builds the hint. Called only after IsApplicable
	// returned true; may still return nil.
	GenerateHint(rc *RuleContext) *models.Hint
}

// StandardRules returns the built-in rule set in its stable evaluation
// order.
func StandardRules() []Rule {
	return []Rule{
		stalledProgressRule{},
		implementationReadyForTestingRule{},
		missingContextRule{},
		complexDependencyRule{},
		nearCompletionRule{},
		collaborationNeededRule{},
	}
}

// newHint fills the fields every rule sets the same way. Hints inherit the
// task due date as their expiry so urgency rises as the deadline closes in.
func newHint(rc *RuleContext, rule string, hintType models.HintType, impact models.ImpactLevel, title, description string) *models.Hint {
	var expires *time.Time
	if rc.Task.DueDate != nil {
		d := *rc.Task.DueDate
		expires = &d
	}
	return &models.Hint{
		ID:          uuid.New(),
		TaskID:      rc.Task.ID,
		Type:        hintType,
		Title:       title,
		Description: description,
		Impact:      impact,
		SourceRule:  rule,
		CreatedAt:   rc.Now,
		ExpiresAt:   expires,
		Metadata:    models.JSONMap{},
	}
}

// stalledProgressRule flags in-progress tasks that have not been touched
// for two days.
type stalledProgressRule struct{}

func (stalledProgressRule) Name() string { return "stalled_progress" }

func (stalledProgressRule) IsApplicable(rc *RuleContext) bool {
	return rc.Task.Status == models.StatusInProgress && rc.Now.Sub(rc.Task.UpdatedAt) > stalledAfter
}

func (r stalledProgressRule) GenerateHint(rc *RuleContext) *models.Hint {
	idleHours := int(rc.Now.Sub(rc.Task.UpdatedAt).Hours())
	h := newHint(rc, r.Name(), models.HintTypeWarning, models.ImpactHigh,
		"Task appears stalled",
		fmt.Sprintf("%q has been in progress without updates for %d hours.", rc.Task.Title, idleHours))
	h.SuggestedActions = models.StringArray{
		"Review the task for unreported blockers",
		"Log progress or update the status",
		"Split the remaining work into smaller subtasks",
	}
	h.Metadata["idle_hours"] = idleHours
	return h
}

// implementationReadyForTestingRule suggests a verification pass once most
// subtasks are done and nothing has been written about testing yet.
type implementationReadyForTestingRule struct{}

func (implementationReadyForTestingRule) Name() string { return "implementation_ready_for_testing" }

func (implementationReadyForTestingRule) IsApplicable(rc *RuleContext) bool {
	t := rc.Task
	if t.Status.IsTerminal() || t.TestingNotes != "" || len(t.Subtasks) == 0 {
		return false
	}
	done, total := doneSubtasks(t.Subtasks)
	return float64(done) >= testingReadyRatio*float64(total)
}

func (r implementationReadyForTestingRule) GenerateHint(rc *RuleContext) *models.Hint {
	done, total := doneSubtasks(rc.Task.Subtasks)
	h := newHint(rc, r.Name(), models.HintTypeRecommendation, models.ImpactMedium,
		"Implementation looks ready for testing",
		fmt.Sprintf("%d of %d subtasks are done and %q has no testing notes.", done, total, rc.Task.Title))
	h.SuggestedActions = models.StringArray{
		"Write testing notes covering the verification steps",
		"Move the task to testing once a test pass is planned",
	}
	h.Metadata["subtasks_done"] = done
	h.Metadata["subtasks_total"] = total
	return h
}

func doneSubtasks(subtasks []*models.Subtask) (done, total int) {
	for _, s := range subtasks {
		if s == nil {
			continue
		}
		total++
		if s.Status == models.StatusDone {
			done++
		}
	}
	return done, total
}

// missingContextRule warns when an in-progress task carries no context of
// its own. The merged document is not the signal here: ancestor tiers are
// always present once the global context materialises, so the check is the
// task's own context link plus whether resolution produced anything at all.
type missingContextRule struct{}

func (missingContextRule) Name() string { return "missing_context" }

func (missingContextRule) IsApplicable(rc *RuleContext) bool {
	if rc.Task.Status != models.StatusInProgress {
		return false
	}
	return rc.TaskContext == nil || rc.Task.ContextID == nil
}

func (r missingContextRule) GenerateHint(rc *RuleContext) *models.Hint {
	h := newHint(rc, r.Name(), models.HintTypeWarning, models.ImpactMedium,
		"Task is in progress without recorded context",
		fmt.Sprintf("%q has no context data; anyone resuming it starts from nothing.", rc.Task.Title))
	h.SuggestedActions = models.StringArray{
		"Create a task context capturing the current findings",
		"Record progress and insights as the work advances",
	}
	return h
}

// complexDependencyRule fires when at least three blocking predecessors
// are still unfinished.
type complexDependencyRule struct{}

func (complexDependencyRule) Name() string { return "complex_dependency" }

func (r complexDependencyRule) IsApplicable(rc *RuleContext) bool {
	return !rc.Task.Status.IsTerminal() && len(r.unsatisfied(rc)) >= complexBlockerCount
}

func (r complexDependencyRule) GenerateHint(rc *RuleContext) *models.Hint {
	blockers := r.unsatisfied(rc)
	h := newHint(rc, r.Name(), models.HintTypeBlocker, models.ImpactHigh,
		"Task is gated by a complex dependency chain",
		fmt.Sprintf("%q cannot proceed until %d blocking tasks finish.", rc.Task.Title, len(blockers)))
	h.SuggestedActions = models.StringArray{
		"Prioritise the blocking tasks",
		"Drop dependencies that are no longer required",
		"Split out the part of the work that can start now",
	}
	h.AffectedTasks = blockers
	h.Metadata["unsatisfied_dependencies"] = len(blockers)
	return h
}

// unsatisfied lists blocking predecessors that are not done. A predecessor
// absent from RelatedTasks counts as unfinished.
func (complexDependencyRule) unsatisfied(rc *RuleContext) []uuid.UUID {
	var out []uuid.UUID
	for _, dep := range rc.Task.Dependencies {
		if dep == nil || dep.DependencyType != models.DependencyBlocks {
			continue
		}
		pred := rc.Related(dep.DependsOnTaskID)
		if pred == nil || pred.Status != models.StatusDone {
			out = append(out, dep.DependsOnTaskID)
		}
	}
	return out
}

// nearCompletionRule nudges almost-finished tasks over the line.
type nearCompletionRule struct{}

func (nearCompletionRule) Name() string { return "near_completion" }

func (nearCompletionRule) IsApplicable(rc *RuleContext) bool {
	return !rc.Task.Status.IsTerminal() && rc.Task.ProgressPercentage >= nearCompletionPercent
}

func (r nearCompletionRule) GenerateHint(rc *RuleContext) *models.Hint {
	h := newHint(rc, r.Name(), models.HintTypeOpportunity, models.ImpactMedium,
		"Task is nearly complete",
		fmt.Sprintf("%q is at %.0f%%; a short final push closes it out.", rc.Task.Title, rc.Task.ProgressPercentage))
	h.SuggestedActions = models.StringArray{
		"Finish the remaining subtasks",
		"Write the completion summary and mark the task done",
	}
	h.Metadata["progress_percentage"] = rc.Task.ProgressPercentage
	return h
}

// collaborationNeededRule fires when a task shared between several
// assignees has gone a full day without movement.
type collaborationNeededRule struct{}

func (collaborationNeededRule) Name() string { return "collaboration_needed" }

func (collaborationNeededRule) IsApplicable(rc *RuleContext) bool {
	t := rc.Task
	return !t.Status.IsTerminal() && len(t.Assignees) > 1 && rc.Now.Sub(t.UpdatedAt) > quietAfter
}

func (r collaborationNeededRule) GenerateHint(rc *RuleContext) *models.Hint {
	t := rc.Task
	h := newHint(rc, r.Name(), models.HintTypeRecommendation, models.ImpactMedium,
		"Shared task has gone quiet",
		fmt.Sprintf("%q has %d assignees and no updates in the last day.", t.Title, len(t.Assignees)))
	h.SuggestedActions = models.StringArray{
		"Check in with the other assignees",
		"Post a progress update so the group stays aligned",
	}
	h.Metadata["assignees"] = len(t.Assignees)
	h.Metadata["idle_hours"] = int(rc.Now.Sub(t.UpdatedAt).Hours())
	return h
}
