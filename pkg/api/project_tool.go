package api

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
	"github.com/taskhub/taskhub/pkg/services"
)

type projectOps interface {
	Create(ctx context.Context, in services.CreateProjectInput) (*models.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateProjectInput) (*models.Project, error)
	List(ctx context.Context, filters interfaces.ProjectFilters) ([]*models.Project, error)
	CreateBranch(ctx context.Context, in services.CreateBranchInput) (*models.Branch, error)
	GetBranch(ctx context.Context, id uuid.UUID) (*models.Branch, error)
	ListBranches(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error)
	UpdateBranch(ctx context.Context, id uuid.UUID, in services.UpdateBranchInput) (*models.Branch, error)
	DeleteBranch(ctx context.Context, id uuid.UUID) error
	HealthCheck(ctx context.Context, projectID uuid.UUID) (*models.ProjectHealth, error)
	CleanupObsolete(ctx context.Context, projectID uuid.UUID, olderThan time.Duration) (*services.CleanupReport, error)
	ValidateIntegrity(ctx context.Context, projectID uuid.UUID) (*services.IntegrityReport, error)
}

type projectRequest struct {
	Action        string                 `json:"action"`
	ID            string                 `json:"id" validate:"omitempty,uuid"`
	ProjectID     string                 `json:"project_id" validate:"omitempty,uuid"`
	BranchID      string                 `json:"branch_id" validate:"omitempty,uuid"`
	Name          *string                `json:"name"`
	Description   *string                `json:"description"`
	Status        string                 `json:"status" validate:"omitempty"`
	Priority      string                 `json:"priority" validate:"omitempty,oneof=low medium high urgent critical"`
	Metadata      map[string]interface{} `json:"metadata"`
	OlderThanDays int                    `json:"older_than_days" validate:"omitempty,gte=1"`
	Limit         int                    `json:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset        int                    `json:"offset" validate:"omitempty,gte=0"`
	SortBy        string                 `json:"sort_by"`
	SortOrder     string                 `json:"sort_order" validate:"omitempty,oneof=asc desc"`
}

func (r *projectRequest) projectID() (uuid.UUID, *toolError) {
	return parseUUID("project_id", coalesce(r.ProjectID, r.ID))
}

func (s *Server) projectAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req projectRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	switch action {
	case "create":
		in := services.CreateProjectInput{Metadata: models.JSONMap(req.Metadata)}
		if req.Name != nil {
			in.Name = *req.Name
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		project, err := s.deps.Projects.Create(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"project": project},
			guide("Create a branch with manage_project(create_branch) before adding tasks."), nil

	case "get":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		project, err := s.deps.Projects.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"project": project}, nil, nil

	case "update":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		in := services.UpdateProjectInput{
			Name:        req.Name,
			Description: req.Description,
			Metadata:    models.JSONMap(req.Metadata),
		}
		if req.Status != "" {
			st := models.ProjectStatus(req.Status)
			in.Status = &st
		}
		project, err := s.deps.Projects.Update(ctx, id, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"project": project}, nil, nil

	case "list":
		filters := interfaces.ProjectFilters{
			Limit:  req.Limit,
			Offset: req.Offset,
			SortBy: req.SortBy,
		}
		if req.Name != nil && *req.Name != "" {
			filters.Name = req.Name
		}
		if req.Status != "" {
			filters.Status = []string{req.Status}
		}
		if req.SortOrder != "" {
			filters.SortOrder = types.SortOrder(strings.ToUpper(req.SortOrder))
		}
		projects, err := s.deps.Projects.List(ctx, filters)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"projects": projects, "count": len(projects)}, nil, nil

	case "create_branch":
		projectID, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		in := services.CreateBranchInput{
			ProjectID: projectID,
			Priority:  models.Priority(req.Priority),
		}
		if req.Name != nil {
			in.Name = *req.Name
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		branch, err := s.deps.Projects.CreateBranch(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"branch": branch},
			guide("Add tasks with manage_task(create) using this branch_id."), nil

	case "get_branch":
		id, te := parseUUID("branch_id", req.BranchID)
		if te != nil {
			return nil, nil, te
		}
		branch, err := s.deps.Projects.GetBranch(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"branch": branch}, nil, nil

	case "list_branches":
		projectID, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		branches, err := s.deps.Projects.ListBranches(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"branches": branches, "count": len(branches)}, nil, nil

	case "update_branch":
		id, te := parseUUID("branch_id", req.BranchID)
		if te != nil {
			return nil, nil, te
		}
		in := services.UpdateBranchInput{
			Name:        req.Name,
			Description: req.Description,
			Metadata:    models.JSONMap(req.Metadata),
		}
		if req.Status != "" {
			st := models.Status(req.Status)
			in.Status = &st
		}
		if req.Priority != "" {
			p := models.Priority(req.Priority)
			in.Priority = &p
		}
		branch, err := s.deps.Projects.UpdateBranch(ctx, id, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"branch": branch}, nil, nil

	case "delete_branch":
		id, te := parseUUID("branch_id", req.BranchID)
		if te != nil {
			return nil, nil, te
		}
		if err := s.deps.Projects.DeleteBranch(ctx, id); err != nil {
			return nil, nil, err
		}
		return gin.H{"deleted": true, "branch_id": id}, nil, nil

	case "project_health_check":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		health, err := s.deps.Projects.HealthCheck(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		var guidance *Guidance
		if len(health.Recommendations) > 0 {
			guidance = guide(health.Recommendations...)
		}
		return gin.H{"health": health}, guidance, nil

	case "cleanup_obsolete":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		var olderThan time.Duration
		if req.OlderThanDays > 0 {
			olderThan = time.Duration(req.OlderThanDays) * 24 * time.Hour
		}
		report, err := s.deps.Projects.CleanupObsolete(ctx, id, olderThan)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"cleanup": report}, nil, nil

	case "validate_integrity":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		report, err := s.deps.Projects.ValidateIntegrity(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		var guidance *Guidance
		if !report.Valid {
			guidance = guide("Break the dependency cycle and recreate the missing parent contexts, then validate again.")
		}
		return gin.H{"integrity": report}, guidance, nil

	case "rebalance_agents":
		id, te := req.projectID()
		if te != nil {
			return nil, nil, te
		}
		report, err := s.deps.Agents.Rebalance(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"rebalance": report}, nil, nil
	}
	return nil, nil, errUnknownAction(s.projectSchema, action)
}
