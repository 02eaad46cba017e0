package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/hints"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/services"
)

// taskOps is the slice of the task service the tool dispatches to.
type taskOps interface {
	Create(ctx context.Context, in services.CreateTaskInput) (*models.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context, filters interfaces.TaskFilters) ([]*models.Task, error)
	Search(ctx context.Context, query string, filters interfaces.TaskFilters) ([]*models.Task, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateTaskInput) (*models.Task, error)
	NextTask(ctx context.Context, filters services.NextTaskFilters, includeContext bool) (*services.NextTaskResult, error)
	Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Task, error)
	Delete(ctx context.Context, id uuid.UUID) error
	AddDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) (*models.TaskDependency, error)
	RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) error
}

// hintOps is the slice of the hint engine the tool dispatches to.
type hintOps interface {
	Generate(ctx context.Context, taskID uuid.UUID, opts hints.GenerateOptions) ([]*models.Hint, error)
	Accept(ctx context.Context, hintID uuid.UUID) (*hints.FeedbackResult, error)
	Dismiss(ctx context.Context, hintID uuid.UUID, reason string) (*hints.FeedbackResult, error)
	Feedback(ctx context.Context, hintID uuid.UUID, helpful bool, score *float64) (*hints.FeedbackResult, error)
}

type taskRequest struct {
	Action             string    `json:"action"`
	ID                 string    `json:"id" validate:"omitempty,uuid"`
	TaskID             string    `json:"task_id" validate:"omitempty,uuid"`
	BranchID           string    `json:"branch_id" validate:"omitempty,uuid"`
	ProjectID          string    `json:"project_id" validate:"omitempty,uuid"`
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Details            *string   `json:"details"`
	Status             string    `json:"status" validate:"omitempty,oneof=todo in_progress blocked review testing done cancelled"`
	Priority           string    `json:"priority" validate:"omitempty,oneof=low medium high urgent critical"`
	EstimatedEffort    *string   `json:"estimated_effort"`
	TestingNotes       *string   `json:"testing_notes"`
	CompletionSummary  string    `json:"completion_summary"`
	ProgressPercentage *float64  `json:"progress_percentage" validate:"omitempty,gte=0,lte=100"`
	Assignees          *[]string `json:"assignees"`
	Labels             *[]string `json:"labels"`
	DueDate            string    `json:"due_date"`
	ClearDueDate       bool      `json:"clear_due_date"`
	DependsOn          []string  `json:"depends_on" validate:"omitempty,dive,uuid"`
	DependsOnTaskID    string    `json:"depends_on_task_id" validate:"omitempty,uuid"`
	Query              string    `json:"query"`
	Assignee           string    `json:"assignee"`
	ContextID          string    `json:"context_id" validate:"omitempty,uuid"`
	DueBefore          string    `json:"due_before"`
	CreatedAfter       string    `json:"created_after"`
	CreatedBefore      string    `json:"created_before"`
	Limit              int       `json:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset             int       `json:"offset" validate:"omitempty,gte=0"`
	IncludeContext     *bool     `json:"include_context"`
	HintID             string    `json:"hint_id" validate:"omitempty,uuid"`
	HintTypes          []string  `json:"hint_types" validate:"omitempty,dive,oneof=recommendation warning opportunity blocker"`
	Helpful            bool      `json:"helpful"`
	Score              *float64  `json:"score" validate:"omitempty,gte=0,lte=1"`
	Reason             string    `json:"reason"`
}

func (s *Server) taskAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req taskRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	switch action {
	case "create":
		return s.taskCreate(ctx, &req)
	case "update":
		return s.taskUpdate(ctx, &req, raw)
	case "get":
		return s.taskGet(ctx, &req)
	case "list":
		return s.taskList(ctx, &req, false)
	case "search":
		return s.taskList(ctx, &req, true)
	case "next":
		return s.taskNext(ctx, &req)
	case "complete":
		return s.taskComplete(ctx, &req)
	case "delete":
		return s.taskDelete(ctx, &req)
	case "add_dependency":
		return s.taskAddDependency(ctx, &req)
	case "remove_dependency":
		return s.taskRemoveDependency(ctx, &req)
	case "hints":
		return s.taskHints(ctx, &req)
	case "accept_hint", "dismiss_hint", "hint_feedback":
		return s.taskHintFeedback(ctx, action, &req)
	}
	return nil, nil, errUnknownAction(s.taskSchema, action)
}

func (r *taskRequest) taskID() (uuid.UUID, *toolError) {
	return parseUUID("task_id", coalesce(r.TaskID, r.ID))
}

func (s *Server) taskCreate(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	branchID, te := parseUUID("branch_id", req.BranchID)
	if te != nil {
		return nil, nil, te
	}
	dueDate, te := parseOptionalTime("due_date", req.DueDate)
	if te != nil {
		return nil, nil, te
	}
	dependsOn, te := parseUUIDList("depends_on", req.DependsOn)
	if te != nil {
		return nil, nil, te
	}

	in := services.CreateTaskInput{
		BranchID:  branchID,
		Priority:  models.Priority(req.Priority),
		DueDate:   dueDate,
		DependsOn: dependsOn,
	}
	if req.Title != nil {
		in.Title = *req.Title
	}
	if req.Description != nil {
		in.Description = *req.Description
	}
	if req.Details != nil {
		in.Details = *req.Details
	}
	if req.EstimatedEffort != nil {
		in.EstimatedEffort = *req.EstimatedEffort
	}
	if req.Assignees != nil {
		in.Assignees = *req.Assignees
	}
	if req.Labels != nil {
		in.Labels = *req.Labels
	}

	task, err := s.deps.Tasks.Create(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	steps := []string{"Call manage_task(next) to see where this task lands in the queue."}
	if len(dependsOn) == 0 {
		steps = append([]string{"Add ordering constraints with add_dependency if other tasks must finish first."}, steps...)
	}
	return gin.H{"task": task}, guide(steps...), nil
}

// taskUpdate builds a partial update from the fields actually present in
// the request. The raw map distinguishes "set to empty" from "not sent".
func (s *Server) taskUpdate(ctx context.Context, req *taskRequest, raw rawRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}

	in := services.UpdateTaskInput{
		Title:              req.Title,
		Description:        req.Description,
		Details:            req.Details,
		EstimatedEffort:    req.EstimatedEffort,
		TestingNotes:       req.TestingNotes,
		ProgressPercentage: req.ProgressPercentage,
		Assignees:          req.Assignees,
		Labels:             req.Labels,
		ClearDueDate:       req.ClearDueDate,
	}
	if req.Status != "" {
		st := models.Status(req.Status)
		in.Status = &st
	}
	if req.Priority != "" {
		p := models.Priority(req.Priority)
		in.Priority = &p
	}
	if raw.has("completion_summary") {
		in.CompletionSummary = &req.CompletionSummary
	}
	if req.DueDate != "" {
		due, te := parseOptionalTime("due_date", req.DueDate)
		if te != nil {
			return nil, nil, te
		}
		in.DueDate = due
	}

	task, err := s.deps.Tasks.Update(ctx, id, in)
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"task": task}, nil, nil
}

func (s *Server) taskGet(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	task, err := s.deps.Tasks.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"task": task}, s.withHints(ctx, nil, id), nil
}

func (s *Server) taskList(ctx context.Context, req *taskRequest, search bool) (interface{}, *Guidance, error) {
	filters := interfaces.TaskFilters{
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	branchID, te := parseOptionalUUID("branch_id", req.BranchID)
	if te != nil {
		return nil, nil, te
	}
	filters.BranchID = branchID
	contextID, te := parseOptionalUUID("context_id", req.ContextID)
	if te != nil {
		return nil, nil, te
	}
	filters.ContextID = contextID
	if req.Status != "" {
		filters.Status = []string{req.Status}
	}
	if req.Priority != "" {
		filters.Priority = []string{req.Priority}
	}
	dueBefore, te := parseOptionalTime("due_before", req.DueBefore)
	if te != nil {
		return nil, nil, te
	}
	filters.DueBefore = dueBefore
	createdAfter, te := parseOptionalTime("created_after", req.CreatedAfter)
	if te != nil {
		return nil, nil, te
	}
	filters.CreatedAfter = createdAfter
	createdBefore, te := parseOptionalTime("created_before", req.CreatedBefore)
	if te != nil {
		return nil, nil, te
	}
	filters.CreatedBefore = createdBefore

	var (
		tasks []*models.Task
		err   error
	)
	if search {
		tasks, err = s.deps.Tasks.Search(ctx, req.Query, filters)
	} else {
		tasks, err = s.deps.Tasks.List(ctx, filters)
	}
	if err != nil {
		return nil, nil, err
	}
	data := gin.H{"tasks": tasks, "count": len(tasks)}
	if search {
		data["query"] = req.Query
	}
	return data, nil, nil
}

func (s *Server) taskNext(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	filters := services.NextTaskFilters{Assignee: req.Assignee}
	if req.Labels != nil {
		filters.Labels = *req.Labels
	}
	projectID, te := parseOptionalUUID("project_id", req.ProjectID)
	if te != nil {
		return nil, nil, te
	}
	filters.ProjectID = projectID
	branchID, te := parseOptionalUUID("branch_id", req.BranchID)
	if te != nil {
		return nil, nil, te
	}
	filters.BranchID = branchID

	includeContext := req.IncludeContext == nil || *req.IncludeContext
	result, err := s.deps.Tasks.NextTask(ctx, filters, includeContext)
	if err != nil {
		return nil, nil, err
	}

	var guidance *Guidance
	switch result.Type {
	case services.NextTypeTask:
		guidance = guide("Move the task to in_progress with manage_task(update) when you start.")
		if result.Task != nil {
			guidance = s.withHints(ctx, guidance, result.Task.ID)
		}
	case services.NextTypeSubtask:
		guidance = guide("Complete the subtask with manage_subtask(complete) including a completion_summary.")
	case services.NextTypeStatusMismatch:
		guidance = guide("Reconcile the reported mismatches before asking again.")
	case services.NextTypeBlocked:
		guidance = guide("Finish or remove the blocking dependencies, then ask again.")
	}
	return result, guidance, nil
}

func (s *Server) taskComplete(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	task, err := s.deps.Tasks.Complete(ctx, id, req.CompletionSummary)
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"task": task}, guide("Call manage_task(next) to pick up the following task."), nil
}

func (s *Server) taskDelete(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	if err := s.deps.Tasks.Delete(ctx, id); err != nil {
		return nil, nil, err
	}
	return gin.H{"deleted": true, "task_id": id}, nil, nil
}

func (s *Server) taskAddDependency(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	dependsOn, te := parseUUID("depends_on_task_id", req.DependsOnTaskID)
	if te != nil {
		return nil, nil, te
	}
	dep, err := s.deps.Tasks.AddDependency(ctx, id, dependsOn)
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"dependency": dep}, nil, nil
}

func (s *Server) taskRemoveDependency(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	dependsOn, te := parseUUID("depends_on_task_id", req.DependsOnTaskID)
	if te != nil {
		return nil, nil, te
	}
	if err := s.deps.Tasks.RemoveDependency(ctx, id, dependsOn); err != nil {
		return nil, nil, err
	}
	return gin.H{"removed": true, "task_id": id, "depends_on_task_id": dependsOn}, nil, nil
}

func (s *Server) taskHints(ctx context.Context, req *taskRequest) (interface{}, *Guidance, error) {
	if s.deps.Hints == nil {
		return gin.H{"hints": []*models.Hint{}, "count": 0}, nil, nil
	}
	id, te := req.taskID()
	if te != nil {
		return nil, nil, te
	}
	opts := hints.GenerateOptions{Limit: req.Limit}
	for _, ht := range req.HintTypes {
		opts.Types = append(opts.Types, models.HintType(ht))
	}
	generated, err := s.deps.Hints.Generate(ctx, id, opts)
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"hints": generated, "count": len(generated)}, nil, nil
}

func (s *Server) taskHintFeedback(ctx context.Context, action string, req *taskRequest) (interface{}, *Guidance, error) {
	if s.deps.Hints == nil {
		return nil, nil, errValidation("hint feedback is not enabled on this deployment")
	}
	hintID, te := parseUUID("hint_id", req.HintID)
	if te != nil {
		return nil, nil, te
	}

	var (
		result *hints.FeedbackResult
		err    error
	)
	switch action {
	case "accept_hint":
		result, err = s.deps.Hints.Accept(ctx, hintID)
	case "dismiss_hint":
		result, err = s.deps.Hints.Dismiss(ctx, hintID, req.Reason)
	default:
		result, err = s.deps.Hints.Feedback(ctx, hintID, req.Helpful, req.Score)
	}
	if err != nil {
		return nil, nil, err
	}
	return gin.H{"feedback": result}, nil, nil
}
