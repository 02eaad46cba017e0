package hints

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

func userCtx() context.Context {
	return auth.WithUserID(context.Background(), "alice")
}

type fakeHintTaskRepo struct {
	interfaces.TaskRepository

	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
	deps  map[uuid.UUID][]*models.TaskDependency
}

func newFakeHintTaskRepo() *fakeHintTaskRepo {
	return &fakeHintTaskRepo{
		tasks: make(map[uuid.UUID]*models.Task),
		deps:  make(map[uuid.UUID][]*models.TaskDependency),
	}
}

func (f *fakeHintTaskRepo) add(t *models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeHintTaskRepo) Get(_ context.Context, id uuid.UUID) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeHintTaskRepo) ListByBranch(_ context.Context, branchID uuid.UUID) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, t := range f.tasks {
		if t.BranchID == branchID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeHintTaskRepo) GetDependencies(_ context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.TaskDependency(nil), f.deps[taskID]...), nil
}

type fakeHintSubtaskRepo struct {
	interfaces.SubtaskRepository

	mu     sync.Mutex
	byTask map[uuid.UUID][]*models.Subtask
}

func newFakeHintSubtaskRepo() *fakeHintSubtaskRepo {
	return &fakeHintSubtaskRepo{byTask: make(map[uuid.UUID][]*models.Subtask)}
}

func (f *fakeHintSubtaskRepo) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Subtask(nil), f.byTask[taskID]...), nil
}

type fakeResolver struct {
	mu  sync.Mutex
	res map[uuid.UUID]*contexts.Resolution
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, level models.ContextLevel, id uuid.UUID) (*contexts.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.res[id]; ok {
		return r, nil
	}
	return &contexts.Resolution{
		Level: level,
		ID:    id,
		Data:  models.JSONMap{"organization_name": "Default Organization"},
		Chain: []string{"global", "project", "branch", "task"},
		Depth: 4,
	}, nil
}

// memoryEventStore keeps appended events in order and answers the store
// queries the hint engine uses.
type memoryEventStore struct {
	events.Store

	mu       sync.Mutex
	appended []*events.DomainEvent
}

func (s *memoryEventStore) Append(_ context.Context, ev *events.DomainEvent) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, ev)
	return ev.ID, nil
}

func (s *memoryEventStore) GetAggregate(_ context.Context, aggregateID uuid.UUID, fromVersion int) ([]*events.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.DomainEvent
	for _, ev := range s.appended {
		if ev.AggregateID != nil && *ev.AggregateID == aggregateID && ev.Version > fromVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memoryEventStore) Get(_ context.Context, filter events.Filter) ([]*events.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.DomainEvent
	for _, ev := range s.appended {
		if filter.EventType != "" && ev.Type != filter.EventType {
			continue
		}
		if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryEventStore) ofType(eventType string) []*events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.DomainEvent
	for _, ev := range s.appended {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type hintFixture struct {
	tasks    *fakeHintTaskRepo
	subtasks *fakeHintSubtaskRepo
	resolver *fakeResolver
	store    *memoryEventStore
	engine   *Engine
}

func newHintFixture() *hintFixture {
	f := &hintFixture{
		tasks:    newFakeHintTaskRepo(),
		subtasks: newFakeHintSubtaskRepo(),
		resolver: &fakeResolver{res: make(map[uuid.UUID]*contexts.Resolution)},
		store:    &memoryEventStore{},
	}
	f.engine = NewEngine(f.tasks, f.subtasks, f.resolver, f.store, nil, nil, nil)
	return f
}

// seedTask stores a healthy in-progress task: recently updated, linked to
// a context, no subtasks, no dependencies.
func seedTask(f *hintFixture, mutate func(*models.Task)) *models.Task {
	now := time.Now().UTC()
	ctxID := uuid.New()
	t := &models.Task{
		ID:        uuid.New(),
		BranchID:  uuid.New(),
		UserID:    "alice",
		Title:     "Wire the exporter",
		Status:    models.StatusInProgress,
		Priority:  models.PriorityMedium,
		ContextID: &ctxID,
		CreatedAt: now.Add(-96 * time.Hour),
		UpdatedAt: now.Add(-time.Hour),
		Version:   1,
	}
	if mutate != nil {
		mutate(t)
	}
	f.tasks.add(t)
	return t
}

func blockTask(f *hintFixture, target *models.Task, pred *models.Task, crossBranch bool) {
	f.tasks.deps[target.ID] = append(f.tasks.deps[target.ID], &models.TaskDependency{
		ID:              uuid.New(),
		TaskID:          target.ID,
		DependsOnTaskID: pred.ID,
		DependencyType:  models.DependencyBlocks,
		CrossBranch:     crossBranch,
		UserID:          "alice",
	})
}

// troubledTask trips five of the six rules at once: stalled, missing
// context, complex dependencies, near completion and quiet collaboration.
func troubledTask(f *hintFixture) *models.Task {
	now := time.Now().UTC()
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-50 * time.Hour)
		tk.ContextID = nil
		tk.ProgressPercentage = 95
		tk.Assignees = models.StringArray{"agent-1", "agent-2"}
	})
	for i := 0; i < 3; i++ {
		pred := seedTask(f, func(tk *models.Task) {
			tk.BranchID = target.BranchID
			tk.Status = models.StatusTodo
		})
		blockTask(f, target, pred, false)
	}
	return target
}

func TestEngine_Generate_HealthyTaskYieldsNothing(t *testing.T) {
	f := newHintFixture()
	task := seedTask(f, nil)

	hints, err := f.engine.Generate(userCtx(), task.ID, GenerateOptions{})
	require.NoError(t, err)
	assert.Empty(t, hints)
	assert.Empty(t, f.store.ofType(events.TypeHintGenerated))
}

func TestEngine_Generate_UnknownTask(t *testing.T) {
	f := newHintFixture()

	_, err := f.engine.Generate(userCtx(), uuid.New(), GenerateOptions{})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestEngine_Generate_RanksByUrgencyThenRegistrationOrder(t *testing.T) {
	f := newHintFixture()
	target := troubledTask(f)

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 5)

	rules := make([]string, 0, len(hints))
	for _, h := range hints {
		rules = append(rules, h.SourceRule)
		assert.Equal(t, target.ID, h.TaskID)
		assert.Equal(t, defaultEffectiveness, h.EffectivenessScore)
	}
	// High-impact hints first, then the medium ones in evaluation order.
	assert.Equal(t, []string{
		"stalled_progress",
		"complex_dependency",
		"missing_context",
		"near_completion",
		"collaboration_needed",
	}, rules)

	generated := f.store.ofType(events.TypeHintGenerated)
	require.Len(t, generated, 5)
	for _, ev := range generated {
		assert.Equal(t, "alice", ev.Metadata["user_id"])
		assert.Equal(t, target.ID.String(), ev.Data["task_id"])
		assert.NotEmpty(t, ev.Data["rule"])
		require.NotNil(t, ev.AggregateID)
	}
}

func TestEngine_Generate_DueDateBoostsUrgency(t *testing.T) {
	f := newHintFixture()
	now := time.Now().UTC()
	due := now.Add(12 * time.Hour)
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-50 * time.Hour)
		tk.ProgressPercentage = 95
		tk.DueDate = &due
	})

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 2)

	assert.Equal(t, "stalled_progress", hints[0].SourceRule)
	assert.Equal(t, "near_completion", hints[1].SourceRule)
	require.NotNil(t, hints[0].ExpiresAt)
	assert.InDelta(t, 1.0, hints[0].UrgencyScore(now), 0.001)
	assert.InDelta(t, 0.75, hints[1].UrgencyScore(now), 0.001)
}

func TestEngine_Generate_FiltersByType(t *testing.T) {
	f := newHintFixture()
	target := troubledTask(f)

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{
		Types: []models.HintType{models.HintTypeBlocker},
	})
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "complex_dependency", hints[0].SourceRule)

	// Filtered-out hints leave no trace in the event log.
	assert.Len(t, f.store.ofType(events.TypeHintGenerated), 1)
}

func TestEngine_Generate_LimitCapsTheRanking(t *testing.T) {
	f := newHintFixture()
	target := troubledTask(f)

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hints, 2)
	assert.Equal(t, "stalled_progress", hints[0].SourceRule)
	assert.Equal(t, "complex_dependency", hints[1].SourceRule)
	assert.Len(t, f.store.ofType(events.TypeHintGenerated), 2)
}

func TestEngine_Generate_EffectivenessBreaksUrgencyTies(t *testing.T) {
	f := newHintFixture()
	now := time.Now().UTC()
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-30 * time.Hour)
		tk.ContextID = nil
		tk.ProgressPercentage = 95
		tk.Assignees = models.StringArray{"agent-1", "agent-2"}
	})

	f.engine.eff.apply("near_completion", 1.0)

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 3)
	assert.Equal(t, "near_completion", hints[0].SourceRule)
	assert.InDelta(t, 0.55, hints[0].EffectivenessScore, 1e-9)
	assert.Equal(t, "missing_context", hints[1].SourceRule)
	assert.Equal(t, "collaboration_needed", hints[2].SourceRule)
}

func TestEngine_Generate_CountsCrossBranchAndMissingPredecessors(t *testing.T) {
	f := newHintFixture()
	target := seedTask(f, nil)

	open1 := seedTask(f, func(tk *models.Task) { tk.Status = models.StatusTodo })
	open2 := seedTask(f, func(tk *models.Task) { tk.Status = models.StatusInProgress })
	finished := seedTask(f, func(tk *models.Task) { tk.Status = models.StatusDone })
	blockTask(f, target, open1, true)
	blockTask(f, target, open2, true)
	blockTask(f, target, finished, true)

	ghost := uuid.New()
	f.tasks.deps[target.ID] = append(f.tasks.deps[target.ID], &models.TaskDependency{
		ID:              uuid.New(),
		TaskID:          target.ID,
		DependsOnTaskID: ghost,
		DependencyType:  models.DependencyBlocks,
		CrossBranch:     true,
		UserID:          "alice",
	})

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 1)
	require.Equal(t, "complex_dependency", hints[0].SourceRule)

	assert.Len(t, hints[0].AffectedTasks, 3)
	assert.Contains(t, hints[0].AffectedTasks, open1.ID)
	assert.Contains(t, hints[0].AffectedTasks, open2.ID)
	assert.Contains(t, hints[0].AffectedTasks, ghost)
	assert.NotContains(t, hints[0].AffectedTasks, finished.ID)
}

func TestEngine_Generate_ResolutionFailureReadsAsMissingContext(t *testing.T) {
	f := newHintFixture()
	f.resolver.err = errors.New("resolver down")
	target := seedTask(f, nil)

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "missing_context", hints[0].SourceRule)
}

func TestEngine_Accept_RaisesRuleEffectiveness(t *testing.T) {
	f := newHintFixture()
	now := time.Now().UTC()
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-50 * time.Hour)
	})

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 1)

	res, err := f.engine.Accept(userCtx(), hints[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "stalled_progress", res.Rule)
	assert.Equal(t, "accepted", res.Action)
	assert.InDelta(t, 0.55, res.Effectiveness, 1e-9)

	fb := f.store.ofType(events.TypeHintFeedback)
	require.Len(t, fb, 1)
	assert.Equal(t, "accepted", fb[0].Data["action"])
	assert.Equal(t, 1.0, fb[0].Data["signal"])
	assert.Equal(t, hints[0].ID.String(), fb[0].Data["hint_id"])
	assert.Equal(t, "alice", fb[0].Metadata["user_id"])

	// A fresh generation pass carries the learned score.
	again, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.InDelta(t, 0.55, again[0].EffectivenessScore, 1e-9)
}

func TestEngine_Dismiss_LowersRuleEffectiveness(t *testing.T) {
	f := newHintFixture()
	now := time.Now().UTC()
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-50 * time.Hour)
	})

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 1)

	res, err := f.engine.Dismiss(userCtx(), hints[0].ID, "already being handled")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, res.Effectiveness, 1e-9)

	fb := f.store.ofType(events.TypeHintFeedback)
	require.Len(t, fb, 1)
	assert.Equal(t, "dismissed", fb[0].Data["action"])
	assert.Equal(t, "already being handled", fb[0].Data["reason"])
}

func TestEngine_Feedback_ScoreOverridesHelpful(t *testing.T) {
	f := newHintFixture()
	now := time.Now().UTC()
	target := seedTask(f, func(tk *models.Task) {
		tk.UpdatedAt = now.Add(-50 * time.Hour)
	})

	hints, err := f.engine.Generate(userCtx(), target.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Len(t, hints, 1)

	score := 0.9
	res, err := f.engine.Feedback(userCtx(), hints[0].ID, false, &score)
	require.NoError(t, err)
	assert.InDelta(t, 0.54, res.Effectiveness, 1e-9)

	fb := f.store.ofType(events.TypeHintFeedback)
	require.Len(t, fb, 1)
	assert.Equal(t, false, fb[0].Data["helpful"])
	assert.Equal(t, 0.9, fb[0].Data["score"])
	assert.Equal(t, 0.9, fb[0].Data["signal"])
}

func TestEngine_Feedback_RejectsOutOfRangeScore(t *testing.T) {
	f := newHintFixture()

	bad := 1.2
	_, err := f.engine.Feedback(userCtx(), uuid.New(), true, &bad)
	assert.ErrorIs(t, err, ErrScoreRange)
	assert.Empty(t, f.store.ofType(events.TypeHintFeedback))
}

func TestEngine_Feedback_UnknownHint(t *testing.T) {
	f := newHintFixture()

	_, err := f.engine.Accept(userCtx(), uuid.New())
	assert.ErrorIs(t, err, ErrHintNotFound)
}

func TestEngine_Feedback_RequiresEventStore(t *testing.T) {
	f := newHintFixture()
	engine := NewEngine(f.tasks, f.subtasks, f.resolver, nil, nil, nil, nil)

	_, err := engine.Accept(userCtx(), uuid.New())
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestEngine_Hydrate_ReplaysFeedbackHistory(t *testing.T) {
	f := newHintFixture()
	ctx := userCtx()

	for _, signal := range []float64{1.0, 0.0} {
		_, err := f.store.Append(ctx, events.NewEvent(events.TypeHintFeedback, models.JSONMap{
			"rule":   "stalled_progress",
			"action": "feedback",
			"signal": signal,
		}))
		require.NoError(t, err)
	}
	// Malformed rows are skipped, not fatal.
	_, err := f.store.Append(ctx, events.NewEvent(events.TypeHintFeedback, models.JSONMap{"signal": 1.0}))
	require.NoError(t, err)

	require.NoError(t, f.engine.Hydrate(ctx))

	stats := f.engine.Stats()
	require.NotEmpty(t, stats)
	assert.Equal(t, "stalled_progress", stats[0].Rule)
	assert.InDelta(t, 0.495, stats[0].Effectiveness, 1e-9)
	assert.Equal(t, 2, stats[0].FeedbackCount)
}

func TestEngine_Stats_DefaultsBeforeAnyFeedback(t *testing.T) {
	f := newHintFixture()

	stats := f.engine.Stats()
	require.Len(t, stats, len(StandardRules()))
	for _, s := range stats {
		assert.Equal(t, defaultEffectiveness, s.Effectiveness)
		assert.Zero(t, s.FeedbackCount)
	}
}
