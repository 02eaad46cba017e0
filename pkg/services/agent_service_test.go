package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

func TestAgentRegisterDefaults(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	agent, err := svc.Register(ctx, RegisterAgentInput{
		Name:         "  scout  ",
		Role:         "reviewer",
		ProjectID:    &f.projectID,
		Capabilities: []string{"go", "sql", "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "scout", agent.Name)
	assert.Equal(t, models.AgentStatusAvailable, agent.Status)
	assert.Equal(t, 1.0, agent.AvailabilityScore)
	assert.Equal(t, models.StringArray{"go", "sql"}, agent.Capabilities)
	assert.Nil(t, agent.AssignedBranchID)
	assert.True(t, f.log.hasType(events.TypeAgentRegistered))

	_, err = svc.Register(ctx, RegisterAgentInput{Name: "   "})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	ghost := uuid.New()
	_, err = svc.Register(ctx, RegisterAgentInput{Name: "lost", ProjectID: &ghost})
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAgentUpdateValidation(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	agent, err := svc.Register(ctx, RegisterAgentInput{Name: "scout"})
	require.NoError(t, err)

	offline := models.AgentStatusOffline
	score := 0.25
	updated, err := svc.Update(ctx, agent.ID, UpdateAgentInput{Status: &offline, AvailabilityScore: &score})
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, updated.Status)
	assert.Equal(t, 0.25, updated.AvailabilityScore)
	assert.Equal(t, 2, updated.Version)

	bad := models.AgentStatus("away")
	_, err = svc.Update(ctx, agent.ID, UpdateAgentInput{Status: &bad})
	require.ErrorIs(t, err, interfaces.ErrValidation)

	over := 1.5
	_, err = svc.Update(ctx, agent.ID, UpdateAgentInput{AvailabilityScore: &over})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "availability_score", verr.Field)
}

func TestAgentAssignReleasesPrevious(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	agent, err := svc.Register(ctx, RegisterAgentInput{Name: "scout", ProjectID: &f.projectID})
	require.NoError(t, err)

	agent, err = svc.Assign(ctx, agent.ID, f.branchID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusBusy, agent.Status)
	require.NotNil(t, agent.AssignedBranchID)
	assert.Equal(t, f.branchID, *agent.AssignedBranchID)

	main, err := f.branches.Get(ctx, f.branchID)
	require.NoError(t, err)
	require.NotNil(t, main.AssignedAgentID)
	assert.Equal(t, agent.ID, *main.AssignedAgentID)

	// Assigning the current branch again changes nothing.
	again, err := svc.Assign(ctx, agent.ID, f.branchID)
	require.NoError(t, err)
	assert.Equal(t, agent.Version, again.Version)
	assigned := 0
	for _, typ := range f.log.typesSeen() {
		if typ == events.TypeAgentAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)

	// Moving to another branch releases the first.
	second := f.seedBranch("feature/search")
	agent, err = svc.Assign(ctx, agent.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, *agent.AssignedBranchID)

	main, err = f.branches.Get(ctx, f.branchID)
	require.NoError(t, err)
	assert.Nil(t, main.AssignedAgentID)

	// A branch held by one agent is refused to another.
	rival, err := svc.Register(ctx, RegisterAgentInput{Name: "rival"})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, rival.ID, second.ID)
	require.ErrorIs(t, err, ErrBranchHeld)
}

func TestAgentUnassignIdempotent(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	agent, err := svc.Register(ctx, RegisterAgentInput{Name: "scout"})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, agent.ID, f.branchID)
	require.NoError(t, err)

	agent, err = svc.Unassign(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, agent.AssignedBranchID)
	assert.Equal(t, models.AgentStatusAvailable, agent.Status)
	assert.True(t, f.log.hasType(events.TypeAgentUnassigned))

	branch, err := f.branches.Get(ctx, f.branchID)
	require.NoError(t, err)
	assert.Nil(t, branch.AssignedAgentID)

	// A second unassign is a no-op.
	version := agent.Version
	agent, err = svc.Unassign(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, version, agent.Version)
}

func TestAgentUnregisterReleasesBranch(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	agent, err := svc.Register(ctx, RegisterAgentInput{Name: "scout"})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, agent.ID, f.branchID)
	require.NoError(t, err)

	require.NoError(t, svc.Unregister(ctx, agent.ID))

	_, err = f.agents.Get(ctx, agent.ID)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
	branch, err := f.branches.Get(ctx, f.branchID)
	require.NoError(t, err)
	assert.Nil(t, branch.AssignedAgentID)
	assert.True(t, f.log.hasType(events.TypeAgentUnregistered))
}

func TestRebalancePairsIdleAgentsWithBusiestBranches(t *testing.T) {
	f := newFixture()
	svc := f.agentService()
	ctx := context.Background()

	// Three unassigned branches with 5, 3 and 1 open tasks.
	mkBranch := func(name string, total, completed int) *models.Branch {
		b := &models.Branch{
			ID: uuid.New(), ProjectID: f.projectID, Name: name,
			Status: models.StatusInProgress, Priority: models.PriorityMedium,
			TaskCount: total, CompletedTaskCount: completed,
		}
		require.NoError(t, f.branches.Create(ctx, b))
		return b
	}
	heavy := mkBranch("feature/heavy", 6, 1)
	medium := mkBranch("feature/medium", 3, 0)
	light := mkBranch("feature/light", 2, 1)

	// Two idle agents with different availability, one busy, one offline.
	best, err := svc.Register(ctx, RegisterAgentInput{Name: "best", ProjectID: &f.projectID})
	require.NoError(t, err)
	half := 0.5
	slower, err := svc.Register(ctx, RegisterAgentInput{Name: "slower", ProjectID: &f.projectID})
	require.NoError(t, err)
	_, err = svc.Update(ctx, slower.ID, UpdateAgentInput{AvailabilityScore: &half})
	require.NoError(t, err)

	busy, err := svc.Register(ctx, RegisterAgentInput{Name: "busy", ProjectID: &f.projectID})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, busy.ID, f.branchID)
	require.NoError(t, err)

	offline := models.AgentStatusOffline
	sleeper, err := svc.Register(ctx, RegisterAgentInput{Name: "sleeper", ProjectID: &f.projectID})
	require.NoError(t, err)
	_, err = svc.Update(ctx, sleeper.ID, UpdateAgentInput{Status: &offline})
	require.NoError(t, err)

	report, err := svc.Rebalance(ctx, f.projectID)
	require.NoError(t, err)

	// Highest availability takes the most loaded branch.
	require.Len(t, report.Moves, 2)
	assert.Equal(t, best.ID, report.Moves[0].AgentID)
	assert.Equal(t, heavy.ID, report.Moves[0].BranchID)
	assert.Equal(t, 5, report.Moves[0].OpenTasks)
	assert.Equal(t, slower.ID, report.Moves[1].AgentID)
	assert.Equal(t, medium.ID, report.Moves[1].BranchID)
	assert.Equal(t, 0, report.UnassignedAgents)
	assert.Equal(t, 1, report.UncoveredBranches)

	got, err := f.branches.Get(ctx, heavy.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, best.ID, *got.AssignedAgentID)
	got, err = f.branches.Get(ctx, light.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedAgentID)

	// A second run finds nothing left to pair.
	report, err = svc.Rebalance(ctx, f.projectID)
	require.NoError(t, err)
	assert.Empty(t, report.Moves)
	assert.Equal(t, 1, report.UncoveredBranches)
}
