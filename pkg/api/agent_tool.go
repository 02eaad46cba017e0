package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/services"
)

type agentOps interface {
	Register(ctx context.Context, in services.RegisterAgentInput) (*models.Agent, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, filters interfaces.AgentFilters) ([]*models.Agent, error)
	Update(ctx context.Context, id uuid.UUID, in services.UpdateAgentInput) (*models.Agent, error)
	Assign(ctx context.Context, agentID, branchID uuid.UUID) (*models.Agent, error)
	Unassign(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
	Unregister(ctx context.Context, agentID uuid.UUID) error
	Rebalance(ctx context.Context, projectID uuid.UUID) (*services.RebalanceReport, error)
}

type agentRequest struct {
	Action            string                 `json:"action"`
	ID                string                 `json:"id" validate:"omitempty,uuid"`
	AgentID           string                 `json:"agent_id" validate:"omitempty,uuid"`
	BranchID          string                 `json:"branch_id" validate:"omitempty,uuid"`
	ProjectID         string                 `json:"project_id" validate:"omitempty,uuid"`
	Name              *string                `json:"name"`
	Description       *string                `json:"description"`
	Role              *string                `json:"role"`
	Capabilities      []string               `json:"capabilities"`
	Capability        string                 `json:"capability"`
	Status            string                 `json:"status" validate:"omitempty,oneof=available busy offline"`
	AvailabilityScore *float64               `json:"availability_score" validate:"omitempty,gte=0,lte=1"`
	Metadata          map[string]interface{} `json:"metadata"`
	Limit             int                    `json:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset            int                    `json:"offset" validate:"omitempty,gte=0"`
}

func (r *agentRequest) agentID() (uuid.UUID, *toolError) {
	return parseUUID("agent_id", coalesce(r.AgentID, r.ID))
}

func (s *Server) agentAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req agentRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	switch action {
	case "register":
		projectID, te := parseOptionalUUID("project_id", req.ProjectID)
		if te != nil {
			return nil, nil, te
		}
		in := services.RegisterAgentInput{
			ProjectID:    projectID,
			Capabilities: req.Capabilities,
			Metadata:     models.JSONMap(req.Metadata),
		}
		if req.Name != nil {
			in.Name = *req.Name
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		if req.Role != nil {
			in.Role = *req.Role
		}
		agent, err := s.deps.Agents.Register(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agent": agent},
			guide("Assign the agent to a branch with manage_agent(assign) so it can pull work."), nil

	case "assign":
		agentID, te := req.agentID()
		if te != nil {
			return nil, nil, te
		}
		branchID, te := parseUUID("branch_id", req.BranchID)
		if te != nil {
			return nil, nil, te
		}
		agent, err := s.deps.Agents.Assign(ctx, agentID, branchID)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agent": agent},
			guide("The agent now receives this branch's tasks from manage_task(next)."), nil

	case "unassign":
		agentID, te := req.agentID()
		if te != nil {
			return nil, nil, te
		}
		agent, err := s.deps.Agents.Unassign(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agent": agent}, nil, nil

	case "get":
		agentID, te := req.agentID()
		if te != nil {
			return nil, nil, te
		}
		agent, err := s.deps.Agents.Get(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agent": agent}, nil, nil

	case "list":
		filters := interfaces.AgentFilters{
			Limit:  req.Limit,
			Offset: req.Offset,
		}
		projectID, te := parseOptionalUUID("project_id", req.ProjectID)
		if te != nil {
			return nil, nil, te
		}
		filters.ProjectID = projectID
		if req.Name != nil && *req.Name != "" {
			filters.Name = req.Name
		}
		if req.Status != "" {
			filters.Status = []string{req.Status}
		}
		if req.Capability != "" {
			filters.Capability = &req.Capability
		}
		agents, err := s.deps.Agents.List(ctx, filters)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agents": agents, "count": len(agents)}, nil, nil

	case "update":
		agentID, te := req.agentID()
		if te != nil {
			return nil, nil, te
		}
		in := services.UpdateAgentInput{
			Name:              req.Name,
			Description:       req.Description,
			Role:              req.Role,
			AvailabilityScore: req.AvailabilityScore,
			Capabilities:      req.Capabilities,
			Metadata:          models.JSONMap(req.Metadata),
		}
		if req.Status != "" {
			st := models.AgentStatus(req.Status)
			in.Status = &st
		}
		agent, err := s.deps.Agents.Update(ctx, agentID, in)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"agent": agent}, nil, nil

	case "unregister":
		agentID, te := req.agentID()
		if te != nil {
			return nil, nil, te
		}
		if err := s.deps.Agents.Unregister(ctx, agentID); err != nil {
			return nil, nil, err
		}
		return gin.H{"unregistered": true, "agent_id": agentID}, nil, nil

	case "rebalance":
		projectID, te := parseUUID("project_id", req.ProjectID)
		if te != nil {
			return nil, nil, te
		}
		report, err := s.deps.Agents.Rebalance(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		var guidance *Guidance
		if report.UncoveredBranches > 0 {
			guidance = guide("Some busy branches still lack an agent; register more agents or free one up.")
		}
		return gin.H{"rebalance": report}, guidance, nil
	}
	return nil, nil, errUnknownAction(s.agentSchema, action)
}
