package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/services"
)

type subtaskOps interface {
	Create(ctx context.Context, in services.CreateSubtaskInput) (*models.Subtask, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error)
	List(ctx context.Context, filters interfaces.SubtaskFilters) ([]*models.Subtask, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateSubtaskInput) (*models.Subtask, error)
	Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Subtask, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type subtaskRequest struct {
	Action             string    `json:"action"`
	ID                 string    `json:"id" validate:"omitempty,uuid"`
	SubtaskID          string    `json:"subtask_id" validate:"omitempty,uuid"`
	TaskID             string    `json:"task_id" validate:"omitempty,uuid"`
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Status             string    `json:"status" validate:"omitempty,oneof=todo in_progress blocked review testing done cancelled"`
	Priority           string    `json:"priority" validate:"omitempty,oneof=low medium high urgent critical"`
	Assignees          *[]string `json:"assignees"`
	AssigneeID         string    `json:"assignee_id"`
	ProgressPercentage *int      `json:"progress_percentage" validate:"omitempty,gte=0,lte=100"`
	ProgressNotes      *string   `json:"progress_notes"`
	Blockers           *string   `json:"blockers"`
	CompletionSummary  string    `json:"completion_summary"`
	ImpactOnParent     *string   `json:"impact_on_parent"`
	InsightsFound      *[]string `json:"insights_found"`
	Limit              int       `json:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset             int       `json:"offset" validate:"omitempty,gte=0"`
}

func (r *subtaskRequest) subtaskID() (uuid.UUID, *toolError) {
	return parseUUID("subtask_id", coalesce(r.SubtaskID, r.ID))
}

func (s *Server) subtaskAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req subtaskRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	switch action {
	case "create":
		taskID, te := parseUUID("task_id", req.TaskID)
		if te != nil {
			return nil, nil, te
		}
		in := services.CreateSubtaskInput{
			TaskID:   taskID,
			Priority: models.Priority(req.Priority),
		}
		if req.Title != nil {
			in.Title = *req.Title
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		if req.Assignees != nil {
			in.Assignees = *req.Assignees
		}
		subtask, err := s.deps.Subtasks.Create(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"subtask": subtask},
			guide("Parent progress recomputes as subtasks move; complete them with manage_subtask(complete)."), nil

	case "update":
		id, te := req.subtaskID()
		if te != nil {
			return nil, nil, te
		}
		in := services.UpdateSubtaskInput{
			Title:              req.Title,
			Description:        req.Description,
			Assignees:          req.Assignees,
			ProgressPercentage: req.ProgressPercentage,
			ProgressNotes:      req.ProgressNotes,
			Blockers:           req.Blockers,
			ImpactOnParent:     req.ImpactOnParent,
			InsightsFound:      req.InsightsFound,
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
		subtask, err := s.deps.Subtasks.Update(ctx, id, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"subtask": subtask}, nil, nil

	case "get":
		id, te := req.subtaskID()
		if te != nil {
			return nil, nil, te
		}
		subtask, err := s.deps.Subtasks.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"subtask": subtask}, nil, nil

	case "list":
		taskID, te := parseUUID("task_id", req.TaskID)
		if te != nil {
			return nil, nil, te
		}
		filters := interfaces.SubtaskFilters{
			TaskID: &taskID,
			Limit:  req.Limit,
			Offset: req.Offset,
		}
		if req.Status != "" {
			filters.Status = []string{req.Status}
		}
		if req.AssigneeID != "" {
			filters.AssigneeID = &req.AssigneeID
		}
		subtasks, err := s.deps.Subtasks.List(ctx, filters)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"subtasks": subtasks, "count": len(subtasks)}, nil, nil

	case "complete":
		id, te := req.subtaskID()
		if te != nil {
			return nil, nil, te
		}
		subtask, err := s.deps.Subtasks.Complete(ctx, id, req.CompletionSummary)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"subtask": subtask},
			guide("Once every subtask is done, complete the parent with manage_task(complete)."), nil

	case "delete":
		id, te := req.subtaskID()
		if te != nil {
			return nil, nil, te
		}
		if err := s.deps.Subtasks.Delete(ctx, id); err != nil {
			return nil, nil, err
		}
		return gin.H{"deleted": true, "subtask_id": id}, nil, nil
	}
	return nil, nil, errUnknownAction(s.subtaskSchema, action)
}
