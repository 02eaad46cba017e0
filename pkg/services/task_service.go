package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// taskTransitions is the status state machine for tasks and subtasks.
// done and cancelled are terminal.
var taskTransitions = map[models.Status][]models.Status{
	models.StatusTodo:       {models.StatusInProgress},
	models.StatusInProgress: {models.StatusReview, models.StatusTesting, models.StatusBlocked, models.StatusDone, models.StatusCancelled},
	models.StatusBlocked:    {models.StatusInProgress},
	models.StatusReview:     {models.StatusInProgress, models.StatusDone, models.StatusCancelled},
	models.StatusTesting:    {models.StatusInProgress, models.StatusDone, models.StatusCancelled},
	models.StatusDone:       {},
	models.StatusCancelled:  {},
}

func allowedTransition(from, to models.Status) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// branchCrossDepsKey is the branch metadata slot recording cross-branch
// dependency edges touching the branch.
const branchCrossDepsKey = "cross_branch_dependencies"

// TaskService owns the task lifecycle: creation, the status state machine,
// dependency management, completion and deletion. All repositories are
// user-scoped, so tenancy is enforced below this layer.
type TaskService struct {
	BaseService
	tasks    interfaces.TaskRepository
	subtasks interfaces.SubtaskRepository
	branches interfaces.BranchRepository
	contexts interfaces.ContextRepository
	resolver ContextResolver
}

// NewTaskService wires the task service. All repositories must be the
// user-scoped decorators; resolver may be nil, in which case the selector
// reports context_available=false.
func NewTaskService(
	cfg ServiceConfig,
	tasks interfaces.TaskRepository,
	subtasks interfaces.SubtaskRepository,
	branches interfaces.BranchRepository,
	contexts interfaces.ContextRepository,
	resolver ContextResolver,
	store events.Store,
	publisher events.Publisher,
) *TaskService {
	return &TaskService{
		BaseService: newBaseService(cfg, store, publisher),
		tasks:       tasks,
		subtasks:    subtasks,
		branches:    branches,
		contexts:    contexts,
		resolver:    resolver,
	}
}

// CreateTaskInput carries the fields accepted when creating a task.
// DependsOn edges are created with the task in the same transaction.
type CreateTaskInput struct {
	BranchID        uuid.UUID
	Title           string
	Description     string
	Details         string
	Priority        models.Priority
	EstimatedEffort string
	Assignees       []string
	Labels          []string
	DueDate         *time.Time
	DependsOn       []uuid.UUID
}

// Create validates the input and stores a new task in status todo.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (task *models.Task, err error) {
	ctx, span := s.tracer(ctx, "TaskService.Create")
	defer span.End()
	defer func() { s.count("task_operations", "create", err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "title is required", Expected: "non-empty string"}
	}
	if in.BranchID == uuid.Nil {
		return nil, &ValidationError{Field: "branch_id", Message: "branch_id is required", Expected: "uuid", Hint: "Create a branch first and pass its id"}
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", in.Priority), Expected: "low|medium|high|urgent|critical"}
	}
	if _, err := s.branches.Get(ctx, in.BranchID); err != nil {
		return nil, errors.Wrapf(err, "branch %s", in.BranchID)
	}
	for _, depID := range in.DependsOn {
		if depID == uuid.Nil {
			return nil, NewValidationError("depends_on", "dependency ids must be valid uuids")
		}
	}

	var due *time.Time
	if in.DueDate != nil {
		d := in.DueDate.UTC()
		due = &d
	}
	task = &models.Task{
		ID:              uuid.New(),
		BranchID:        in.BranchID,
		Title:           title,
		Description:     in.Description,
		Details:         in.Details,
		Status:          models.StatusTodo,
		Priority:        priority,
		EstimatedEffort: in.EstimatedEffort,
		Assignees:       dedupeStrings(in.Assignees),
		Labels:          dedupeStrings(in.Labels),
		DueDate:         due,
	}

	// A fresh task has no dependents, so its depends_on edges cannot close
	// a cycle and skip the reachability check.
	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.tasks.WithTx(tx).Create(ctx, task); err != nil {
			return err
		}
		for _, depID := range in.DependsOn {
			if _, _, err := s.addDependencyEdge(ctx, tx, task, depID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeTaskCreated, models.JSONMap{
		"task_id":   task.ID.String(),
		"branch_id": task.BranchID.String(),
		"title":     task.Title,
		"priority":  string(task.Priority),
	}).ForAggregate("Task", task.ID, task.Version).ByUser(auth.GetUserID(ctx)))

	s.logger.Info("Task created", map[string]interface{}{
		"task_id":   task.ID.String(),
		"branch_id": task.BranchID.String(),
		"title":     task.Title,
	})
	return task, nil
}

// Get returns a task with its subtasks and dependencies attached.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := s.tracer(ctx, "TaskService.Get")
	defer span.End()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Subtasks, err = s.subtasks.ListByTask(ctx, id); err != nil {
		return nil, err
	}
	if task.Dependencies, err = s.tasks.GetDependencies(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// List returns tasks matching the filters. The scoped repository adds the
// tenant filter.
func (s *TaskService) List(ctx context.Context, filters interfaces.TaskFilters) ([]*models.Task, error) {
	ctx, span := s.tracer(ctx, "TaskService.List")
	defer span.End()
	return s.tasks.List(ctx, filters)
}

// Search lists tasks whose title, description or details match the query.
func (s *TaskService) Search(ctx context.Context, query string, filters interfaces.TaskFilters) ([]*models.Task, error) {
	ctx, span := s.tracer(ctx, "TaskService.Search")
	defer span.End()

	q := strings.TrimSpace(query)
	if q == "" {
		return nil, &ValidationError{Field: "query", Message: "query is required", Expected: "non-empty string"}
	}
	filters.Query = &q
	return s.tasks.List(ctx, filters)
}

// UpdateTaskInput is a partial update; nil fields are left untouched.
// Setting Status runs the state machine with its guards.
type UpdateTaskInput struct {
	Title              *string
	Description        *string
	Details            *string
	Status             *models.Status
	Priority           *models.Priority
	EstimatedEffort    *string
	TestingNotes       *string
	CompletionSummary  *string
	ProgressPercentage *float64
	Assignees          *[]string
	Labels             *[]string
	DueDate            *time.Time
	ClearDueDate       bool
}

// Update applies a partial update. Status changes go through the
// transition table; everything else is a plain versioned write.
func (s *TaskService) Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput) (task *models.Task, err error) {
	ctx, span := s.tracer(ctx, "TaskService.Update")
	defer span.End()
	defer func() { s.count("task_operations", "update", err) }()

	task, err = s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := task.Version

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, NewValidationError("title", "title cannot be empty")
		}
		task.Title = title
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.Details != nil {
		task.Details = *in.Details
	}
	if in.Priority != nil {
		if !in.Priority.IsValid() {
			return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *in.Priority), Expected: "low|medium|high|urgent|critical"}
		}
		task.Priority = *in.Priority
	}
	if in.EstimatedEffort != nil {
		task.EstimatedEffort = *in.EstimatedEffort
	}
	if in.TestingNotes != nil {
		task.TestingNotes = *in.TestingNotes
	}
	if in.CompletionSummary != nil {
		task.CompletionSummary = strings.TrimSpace(*in.CompletionSummary)
	}
	if in.ProgressPercentage != nil {
		if *in.ProgressPercentage < 0 || *in.ProgressPercentage > 100 {
			return nil, &ValidationError{Field: "progress_percentage", Message: "progress must be between 0 and 100", Expected: "0..100"}
		}
		task.ProgressPercentage = *in.ProgressPercentage
	}
	if in.Assignees != nil {
		task.Assignees = dedupeStrings(*in.Assignees)
	}
	if in.Labels != nil {
		task.Labels = dedupeStrings(*in.Labels)
	}
	if in.ClearDueDate {
		task.DueDate = nil
	} else if in.DueDate != nil {
		d := in.DueDate.UTC()
		task.DueDate = &d
	}

	if in.Status != nil && *in.Status != task.Status {
		if err = s.transition(ctx, task, expected, *in.Status); err != nil {
			return nil, err
		}
		return task, nil
	}

	if err = s.tasks.UpdateWithVersion(ctx, task, expected); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete moves a task to done with the given summary. The completion
// guards (summary present, subtasks terminal, context synchronised) run in
// the transition.
func (s *TaskService) Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Task, error) {
	ctx, span := s.tracer(ctx, "TaskService.Complete")
	defer span.End()

	done := models.StatusDone
	return s.Update(ctx, id, UpdateTaskInput{Status: &done, CompletionSummary: &summary})
}

// transition enforces the state machine. Into in_progress every blocks
// predecessor must be done; into done the completion guards apply. The task
// row and its context row commit in one transaction.
func (s *TaskService) transition(ctx context.Context, task *models.Task, expected int, to models.Status) error {
	from := task.Status
	if !to.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to), Expected: "todo|in_progress|blocked|review|testing|done|cancelled"}
	}
	if !allowedTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	if to == models.StatusInProgress {
		blockers, err := s.unsatisfiedBlockers(ctx, task.ID)
		if err != nil {
			return err
		}
		if len(blockers) > 0 {
			return &DependencyError{TaskID: task.ID, Blockers: blockers}
		}
	}

	if to == models.StatusDone {
		if task.CompletionSummary == "" {
			return &ValidationError{
				Field:    "completion_summary",
				Message:  "completion_summary is required to complete a task",
				Expected: "non-empty string",
				Hint:     "Describe what was done before marking the task done",
			}
		}
		subs, err := s.subtasks.ListByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		var open []string
		for _, sub := range subs {
			if !sub.Status.IsTerminal() {
				open = append(open, sub.Title)
			}
		}
		if len(open) > 0 {
			return &ValidationError{
				Field:   "subtasks",
				Message: fmt.Sprintf("%d incomplete subtasks: %s", len(open), strings.Join(open, ", ")),
				Hint:    "Complete or cancel every subtask first",
			}
		}
		now := time.Now().UTC()
		task.CompletedAt = &now
	}

	task.Status = to
	err := runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.tasks.WithTx(tx).UpdateWithVersion(ctx, task, expected); err != nil {
			return err
		}
		return s.syncContextStatus(ctx, tx, task)
	})
	if err != nil {
		return err
	}

	userID := auth.GetUserID(ctx)
	s.emit(ctx, events.NewEvent(events.TypeTaskStateChanged, models.JSONMap{
		"task_id": task.ID.String(),
		"from":    string(from),
		"to":      string(to),
	}).ForAggregate("Task", task.ID, task.Version).ByUser(userID))
	if to == models.StatusDone {
		s.emit(ctx, events.NewEvent(events.TypeTaskCompleted, models.JSONMap{
			"task_id":            task.ID.String(),
			"completion_summary": task.CompletionSummary,
		}).ForAggregate("Task", task.ID, task.Version).ByUser(userID))
	}

	s.logger.Info("Task status changed", map[string]interface{}{
		"task_id": task.ID.String(),
		"from":    string(from),
		"to":      string(to),
	})
	return nil
}

// syncContextStatus mirrors the task's status into its context row so the
// selector's consistency gate sees a single truth. No-op when the task has
// no context.
func (s *TaskService) syncContextStatus(ctx context.Context, tx types.Transaction, task *models.Task) error {
	repo := s.contexts.WithTx(tx)
	tc, err := repo.GetTask(ctx, task.ID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if tc.Data == nil {
		tc.Data = models.JSONMap{}
	}
	meta, _ := tc.Data["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["status"] = string(task.Status)
	tc.Data["metadata"] = meta
	return repo.UpdateTask(ctx, tc, tc.Version)
}

// unsatisfiedBlockers returns the blocks predecessors of a task that are
// not done. Predecessors that cannot be loaded count as unsatisfied.
func (s *TaskService) unsatisfiedBlockers(ctx context.Context, taskID uuid.UUID) ([]Blocker, error) {
	deps, err := s.tasks.GetDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(deps))
	for _, d := range deps {
		if d.DependencyType == models.DependencyBlocks {
			ids = append(ids, d.DependsOnTaskID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	statuses, err := s.tasks.GetStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}

	var blockers []Blocker
	for _, id := range ids {
		if statuses[id] == models.StatusDone {
			continue
		}
		b := Blocker{TaskID: id, Status: statuses[id]}
		if pred, err := s.tasks.Get(ctx, id); err == nil {
			b.Title = pred.Title
		}
		blockers = append(blockers, b)
	}
	return blockers, nil
}

// Delete removes a task and its subtasks. Dependency edges and the task
// context are removed by the schema's cascades; cross-branch notes on
// branches are cleaned here.
func (s *TaskService) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.tracer(ctx, "TaskService.Delete")
	defer span.End()
	defer func() { s.count("task_operations", "delete", err) }()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	deps, err := s.tasks.GetDependencies(ctx, id)
	if err != nil {
		return err
	}
	dependents, err := s.tasks.GetDependents(ctx, id)
	if err != nil {
		return err
	}

	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		for _, d := range append(deps, dependents...) {
			if !d.CrossBranch {
				continue
			}
			if err := s.noteCrossBranch(ctx, tx, d, false); err != nil {
				return err
			}
		}
		if err := s.subtasks.WithTx(tx).DeleteByTask(ctx, id); err != nil {
			return err
		}
		return s.tasks.WithTx(tx).Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.emit(ctx, events.NewEvent(events.TypeTaskDeleted, models.JSONMap{
		"task_id": task.ID.String(),
		"title":   task.Title,
	}).ForAggregate("Task", task.ID, task.Version).ByUser(auth.GetUserID(ctx)))
	return nil
}

// AddDependency records that task depends on dependsOn. Duplicate edges
// are a no-op; edges that would close a cycle are rejected.
func (s *TaskService) AddDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) (dep *models.TaskDependency, err error) {
	ctx, span := s.tracer(ctx, "TaskService.AddDependency")
	defer span.End()
	defer func() { s.count("task_operations", "add_dependency", err) }()

	if taskID == dependsOnID {
		return nil, &ValidationError{Field: "depends_on_task_id", Message: "a task cannot depend on itself"}
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// Reachability over the user's whole edge set: if dependsOn already
	// reaches task, the new edge would close a cycle.
	all, err := s.tasks.List(ctx, interfaces.TaskFilters{})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(all))
	for i, t := range all {
		ids[i] = t.ID
	}
	edgeSet, err := s.tasks.GetDependenciesForTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	if newDependencyGraph(edgeSet).reaches(dependsOnID, taskID) {
		return nil, &ValidationError{
			Field:   "depends_on_task_id",
			Message: fmt.Sprintf("dependency would create a cycle: %s already depends on %s", dependsOnID, taskID),
			Hint:    "Remove the reverse dependency chain first",
		}
	}

	var created bool
	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		var err error
		dep, created, err = s.addDependencyEdge(ctx, tx, task, dependsOnID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.emit(ctx, events.NewEvent(events.TypeDependencyAdded, models.JSONMap{
			"task_id":            taskID.String(),
			"depends_on_task_id": dependsOnID.String(),
			"cross_branch":       dep.CrossBranch,
		}).ForAggregate("Task", taskID, task.Version).ByUser(auth.GetUserID(ctx)))
	}
	return dep, nil
}

// addDependencyEdge stores one blocks edge inside tx. Returns the edge and
// whether it was newly created; an existing identical edge is returned
// unchanged.
func (s *TaskService) addDependencyEdge(ctx context.Context, tx types.Transaction, task *models.Task, dependsOnID uuid.UUID) (*models.TaskDependency, bool, error) {
	if task.ID == dependsOnID {
		return nil, false, &ValidationError{Field: "depends_on_task_id", Message: "a task cannot depend on itself"}
	}
	repo := s.tasks.WithTx(tx)
	pred, err := repo.Get(ctx, dependsOnID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "depends_on task %s", dependsOnID)
	}

	existing, err := repo.GetDependencies(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	for _, d := range existing {
		if d.DependsOnTaskID == dependsOnID && d.DependencyType == models.DependencyBlocks {
			return d, false, nil
		}
	}

	dep := &models.TaskDependency{
		TaskID:          task.ID,
		DependsOnTaskID: dependsOnID,
		DependencyType:  models.DependencyBlocks,
		CrossBranch:     pred.BranchID != task.BranchID,
	}
	if err := repo.AddDependency(ctx, dep); err != nil {
		return nil, false, err
	}
	if dep.CrossBranch {
		if err := s.noteCrossBranchOn(ctx, tx, dep, task.BranchID, pred.BranchID, true); err != nil {
			return nil, false, err
		}
	}
	return dep, true, nil
}

// RemoveDependency deletes the blocks edge between two tasks.
func (s *TaskService) RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) (err error) {
	ctx, span := s.tracer(ctx, "TaskService.RemoveDependency")
	defer span.End()
	defer func() { s.count("task_operations", "remove_dependency", err) }()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	deps, err := s.tasks.GetDependencies(ctx, taskID)
	if err != nil {
		return err
	}
	var edge *models.TaskDependency
	for _, d := range deps {
		if d.DependsOnTaskID == dependsOnID {
			edge = d
			break
		}
	}
	if edge == nil {
		return errors.Wrap(interfaces.ErrNotFound, "dependency")
	}

	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.tasks.WithTx(tx).RemoveDependency(ctx, taskID, dependsOnID); err != nil {
			return err
		}
		if edge.CrossBranch {
			return s.noteCrossBranch(ctx, tx, edge, false)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, events.NewEvent(events.TypeDependencyRemoved, models.JSONMap{
		"task_id":            taskID.String(),
		"depends_on_task_id": dependsOnID.String(),
	}).ForAggregate("Task", taskID, task.Version).ByUser(auth.GetUserID(ctx)))
	return nil
}

// noteCrossBranch resolves both branch ids for an edge and updates their
// cross-branch notes.
func (s *TaskService) noteCrossBranch(ctx context.Context, tx types.Transaction, dep *models.TaskDependency, add bool) error {
	repo := s.tasks.WithTx(tx)
	from, err := repo.Get(ctx, dep.TaskID)
	if err != nil {
		return err
	}
	to, err := repo.Get(ctx, dep.DependsOnTaskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			// Endpoint already gone; only the surviving branch needs the
			// note removed.
			return s.noteCrossBranchOn(ctx, tx, dep, from.BranchID, from.BranchID, add)
		}
		return err
	}
	return s.noteCrossBranchOn(ctx, tx, dep, from.BranchID, to.BranchID, add)
}

// noteCrossBranchOn records or removes the edge marker in both branches'
// metadata so the selector can surface cross-branch coupling without
// walking the whole edge set.
func (s *TaskService) noteCrossBranchOn(ctx context.Context, tx types.Transaction, dep *models.TaskDependency, fromBranch, toBranch uuid.UUID, add bool) error {
	key := dep.TaskID.String() + "->" + dep.DependsOnTaskID.String()
	branches := s.branches.WithTx(tx)
	seen := map[uuid.UUID]bool{}
	for _, branchID := range []uuid.UUID{fromBranch, toBranch} {
		if seen[branchID] {
			continue
		}
		seen[branchID] = true
		branch, err := branches.Get(ctx, branchID)
		if err != nil {
			return err
		}
		notes := toStringList(branch.Metadata[branchCrossDepsKey])
		if add {
			notes = appendUnique(notes, key)
		} else {
			notes = removeString(notes, key)
		}
		if branch.Metadata == nil {
			branch.Metadata = models.JSONMap{}
		}
		branch.Metadata[branchCrossDepsKey] = notes
		if err := branches.Update(ctx, branch); err != nil {
			return err
		}
	}
	return nil
}

func dedupeStrings(in []string) models.StringArray {
	out := make(models.StringArray, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func toStringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case models.StringArray:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
