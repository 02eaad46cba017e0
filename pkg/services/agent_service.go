package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// AgentService manages agent registration and branch assignment. An agent
// holds at most one branch and a branch admits at most one agent; both
// sides of the pairing are updated in one transaction.
type AgentService struct {
	BaseService
	agents   interfaces.AgentRepository
	branches interfaces.BranchRepository
	projects interfaces.ProjectRepository
}

// NewAgentService wires the agent service.
func NewAgentService(
	cfg ServiceConfig,
	agents interfaces.AgentRepository,
	branches interfaces.BranchRepository,
	projects interfaces.ProjectRepository,
	store events.Store,
	publisher events.Publisher,
) *AgentService {
	return &AgentService{
		BaseService: newBaseService(cfg, store, publisher),
		agents:      agents,
		branches:    branches,
		projects:    projects,
	}
}

// RegisterAgentInput carries the fields accepted when registering an agent.
type RegisterAgentInput struct {
	Name         string
	Description  string
	Role         string
	ProjectID    *uuid.UUID
	Capabilities []string
	Metadata     models.JSONMap
}

// Register stores a new agent as available with a full availability score.
func (s *AgentService) Register(ctx context.Context, in RegisterAgentInput) (agent *models.Agent, err error) {
	ctx, span := s.tracer(ctx, "AgentService.Register")
	defer span.End()
	defer func() { s.count("agent_operations", "register", err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required", Expected: "non-empty string"}
	}
	if in.ProjectID != nil {
		if _, err = s.projects.Get(ctx, *in.ProjectID); err != nil {
			return nil, errors.Wrapf(err, "project %s", *in.ProjectID)
		}
	}

	agent = &models.Agent{
		ID:                uuid.New(),
		Name:              name,
		Description:       in.Description,
		Role:              in.Role,
		ProjectID:         in.ProjectID,
		Capabilities:      dedupeStrings(in.Capabilities),
		Status:            models.AgentStatusAvailable,
		AvailabilityScore: 1.0,
		Metadata:          in.Metadata,
	}
	if err = s.agents.Create(ctx, agent); err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeAgentRegistered, models.JSONMap{
		"agent_id": agent.ID.String(),
		"name":     agent.Name,
	}).ForAggregate("Agent", agent.ID, agent.Version).ByUser(auth.GetUserID(ctx)))

	s.logger.Info("Agent registered", map[string]interface{}{
		"agent_id": agent.ID.String(),
		"name":     agent.Name,
	})
	return agent, nil
}

// Get returns a single agent.
func (s *AgentService) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	ctx, span := s.tracer(ctx, "AgentService.Get")
	defer span.End()
	return s.agents.Get(ctx, id)
}

// List returns agents matching the filters.
func (s *AgentService) List(ctx context.Context, filters interfaces.AgentFilters) ([]*models.Agent, error) {
	ctx, span := s.tracer(ctx, "AgentService.List")
	defer span.End()
	return s.agents.List(ctx, filters)
}

// UpdateAgentInput is a partial agent update; nil fields are untouched.
type UpdateAgentInput struct {
	Name              *string
	Description       *string
	Role              *string
	Status            *models.AgentStatus
	AvailabilityScore *float64
	Capabilities      []string
	Metadata          models.JSONMap
}

// Update applies a partial update to an agent.
func (s *AgentService) Update(ctx context.Context, id uuid.UUID, in UpdateAgentInput) (agent *models.Agent, err error) {
	ctx, span := s.tracer(ctx, "AgentService.Update")
	defer span.End()
	defer func() { s.count("agent_operations", "update", err) }()

	agent, err = s.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := agent.Version

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("name", "name cannot be empty")
		}
		agent.Name = name
	}
	if in.Description != nil {
		agent.Description = *in.Description
	}
	if in.Role != nil {
		agent.Role = *in.Role
	}
	if in.Status != nil {
		if !in.Status.IsValid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown agent status %q", *in.Status), Expected: "available|busy|offline"}
		}
		agent.Status = *in.Status
	}
	if in.AvailabilityScore != nil {
		if *in.AvailabilityScore < 0 || *in.AvailabilityScore > 1 {
			return nil, &ValidationError{Field: "availability_score", Message: "availability_score must be between 0 and 1", Expected: "0.0..1.0"}
		}
		agent.AvailabilityScore = *in.AvailabilityScore
	}
	if in.Capabilities != nil {
		agent.Capabilities = dedupeStrings(in.Capabilities)
	}
	if in.Metadata != nil {
		agent.Metadata = in.Metadata
	}

	if err = s.agents.UpdateWithVersion(ctx, agent, expected); err != nil {
		return nil, err
	}
	return agent, nil
}

// Assign pairs an agent with a branch. A branch held by another agent is
// refused; reassigning an agent to its current branch is a no-op. When the
// agent already holds a different branch that branch is released first, so
// an agent never holds two.
func (s *AgentService) Assign(ctx context.Context, agentID, branchID uuid.UUID) (agent *models.Agent, err error) {
	ctx, span := s.tracer(ctx, "AgentService.Assign")
	defer span.End()
	defer func() { s.count("agent_operations", "assign", err) }()

	agent, err = s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	branch, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return nil, errors.Wrapf(err, "branch %s", branchID)
	}
	if branch.AssignedAgentID != nil && *branch.AssignedAgentID != agentID {
		return nil, errors.Wrapf(ErrBranchHeld, "branch %s is held by agent %s", branchID, *branch.AssignedAgentID)
	}
	if agent.AssignedBranchID != nil && *agent.AssignedBranchID == branchID {
		return agent, nil
	}

	previous := agent.AssignedBranchID
	expected := agent.Version
	agent.AssignedBranchID = &branchID
	agent.Status = models.AgentStatusBusy

	err = runInTx(ctx, s.projects.BeginTx, func(tx types.Transaction) error {
		branchesTx := s.branches.WithTx(tx)
		if previous != nil {
			if err := branchesTx.AssignAgent(ctx, *previous, nil); err != nil {
				return errors.Wrapf(err, "release branch %s", *previous)
			}
		}
		if err := branchesTx.AssignAgent(ctx, branchID, &agentID); err != nil {
			return err
		}
		return s.agents.WithTx(tx).UpdateWithVersion(ctx, agent, expected)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeAgentAssigned, models.JSONMap{
		"agent_id":  agentID.String(),
		"branch_id": branchID.String(),
	}).ForAggregate("Agent", agentID, agent.Version).ByUser(auth.GetUserID(ctx)))

	s.logger.Info("Agent assigned to branch", map[string]interface{}{
		"agent_id":  agentID.String(),
		"branch_id": branchID.String(),
	})
	return agent, nil
}

// Unassign releases the agent's branch, if any. Unassigning an idle agent
// is a no-op.
func (s *AgentService) Unassign(ctx context.Context, agentID uuid.UUID) (agent *models.Agent, err error) {
	ctx, span := s.tracer(ctx, "AgentService.Unassign")
	defer span.End()
	defer func() { s.count("agent_operations", "unassign", err) }()

	agent, err = s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.AssignedBranchID == nil {
		return agent, nil
	}

	released := *agent.AssignedBranchID
	expected := agent.Version
	agent.AssignedBranchID = nil
	agent.Status = models.AgentStatusAvailable

	err = runInTx(ctx, s.projects.BeginTx, func(tx types.Transaction) error {
		if err := s.branches.WithTx(tx).AssignAgent(ctx, released, nil); err != nil {
			return errors.Wrapf(err, "release branch %s", released)
		}
		return s.agents.WithTx(tx).UpdateWithVersion(ctx, agent, expected)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeAgentUnassigned, models.JSONMap{
		"agent_id":  agentID.String(),
		"branch_id": released.String(),
	}).ForAggregate("Agent", agentID, agent.Version).ByUser(auth.GetUserID(ctx)))
	return agent, nil
}

// Unregister removes an agent, releasing its branch first.
func (s *AgentService) Unregister(ctx context.Context, agentID uuid.UUID) (err error) {
	ctx, span := s.tracer(ctx, "AgentService.Unregister")
	defer span.End()
	defer func() { s.count("agent_operations", "unregister", err) }()

	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}

	err = runInTx(ctx, s.projects.BeginTx, func(tx types.Transaction) error {
		if agent.AssignedBranchID != nil {
			if err := s.branches.WithTx(tx).AssignAgent(ctx, *agent.AssignedBranchID, nil); err != nil {
				return errors.Wrapf(err, "release branch %s", *agent.AssignedBranchID)
			}
		}
		return s.agents.WithTx(tx).Delete(ctx, agentID)
	})
	if err != nil {
		return err
	}

	s.emit(ctx, events.NewEvent(events.TypeAgentUnregistered, models.JSONMap{
		"agent_id": agentID.String(),
		"name":     agent.Name,
	}).ForAggregate("Agent", agentID, agent.Version).ByUser(auth.GetUserID(ctx)))
	return nil
}

// RebalanceMove records one pairing made by Rebalance.
type RebalanceMove struct {
	AgentID   uuid.UUID `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	BranchID  uuid.UUID `json:"branch_id"`
	Branch    string    `json:"branch_name"`
	OpenTasks int       `json:"open_tasks"`
}

// RebalanceReport summarises a rebalance_agents run.
type RebalanceReport struct {
	Moves             []RebalanceMove `json:"moves"`
	UnassignedAgents  int             `json:"unassigned_agents"`
	UncoveredBranches int             `json:"uncovered_branches"`
}

// Rebalance pairs idle agents with unassigned branches that still have
// open tasks. Branches with the most open work are covered first; idle
// agents are taken in availability order. Existing pairings are kept.
func (s *AgentService) Rebalance(ctx context.Context, projectID uuid.UUID) (*RebalanceReport, error) {
	ctx, span := s.tracer(ctx, "AgentService.Rebalance")
	defer span.End()

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	agents, err := s.agents.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	branches, err := s.branches.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var idle []*models.Agent
	for _, a := range agents {
		if a.IsAvailable() && a.AssignedBranchID == nil {
			idle = append(idle, a)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].AvailabilityScore > idle[j].AvailabilityScore
	})

	var uncovered []*models.Branch
	for _, b := range branches {
		if b.AssignedAgentID == nil && b.TaskCount > b.CompletedTaskCount {
			uncovered = append(uncovered, b)
		}
	}
	sort.SliceStable(uncovered, func(i, j int) bool {
		return uncovered[i].TaskCount-uncovered[i].CompletedTaskCount >
			uncovered[j].TaskCount-uncovered[j].CompletedTaskCount
	})

	report := &RebalanceReport{}
	for i, branch := range uncovered {
		if i >= len(idle) {
			break
		}
		agent := idle[i]
		if _, err := s.Assign(ctx, agent.ID, branch.ID); err != nil {
			return report, errors.Wrapf(err, "assign agent %s to branch %s", agent.ID, branch.ID)
		}
		report.Moves = append(report.Moves, RebalanceMove{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			BranchID:  branch.ID,
			Branch:    branch.Name,
			OpenTasks: branch.TaskCount - branch.CompletedTaskCount,
		})
	}
	if len(idle) > len(uncovered) {
		report.UnassignedAgents = len(idle) - len(uncovered)
	}
	if len(uncovered) > len(idle) {
		report.UncoveredBranches = len(uncovered) - len(idle)
	}

	s.logger.Info("Agent rebalance finished", map[string]interface{}{
		"project_id": projectID.String(),
		"moves":      len(report.Moves),
	})
	return report, nil
}
