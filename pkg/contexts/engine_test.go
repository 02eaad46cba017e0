package contexts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

const testUser = "alice"

func userCtx() context.Context {
	return auth.WithUserID(context.Background(), testUser)
}

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (t *fakeTx) Savepoint(ctx context.Context, name string) error           { return nil }
func (t *fakeTx) RollbackToSavepoint(ctx context.Context, name string) error { return nil }
func (t *fakeTx) Commit() error                                              { t.committed = true; return nil }
func (t *fakeTx) Rollback() error                                            { t.rolledBack = true; return nil }

// fakeContextRepo keeps context rows in memory with the same keying and
// version semantics as the postgres repository, including delete cascades.
type fakeContextRepo struct {
	interfaces.ContextRepository
	mu          sync.Mutex
	globals     map[uuid.UUID]*models.GlobalContext
	projects    map[uuid.UUID]*models.ProjectContext
	branches    map[uuid.UUID]*models.BranchContext
	tasks       map[uuid.UUID]*models.TaskContext
	delegations map[uuid.UUID]*models.ContextDelegation
	lastTx      *fakeTx
}

func newFakeContextRepo() *fakeContextRepo {
	return &fakeContextRepo{
		globals:     map[uuid.UUID]*models.GlobalContext{},
		projects:    map[uuid.UUID]*models.ProjectContext{},
		branches:    map[uuid.UUID]*models.BranchContext{},
		tasks:       map[uuid.UUID]*models.TaskContext{},
		delegations: map[uuid.UUID]*models.ContextDelegation{},
	}
}

func (f *fakeContextRepo) WithTx(tx types.Transaction) interfaces.ContextRepository { return f }

func (f *fakeContextRepo) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

func (f *fakeContextRepo) CreateGlobal(ctx context.Context, gc *models.GlobalContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.globals {
		if g.UserID == gc.UserID {
			return interfaces.ErrDuplicate
		}
	}
	if gc.ID == uuid.Nil {
		gc.ID = uuid.New()
	}
	now := time.Now().UTC()
	gc.CreatedAt, gc.UpdatedAt, gc.Version = now, now, 1
	if gc.Data == nil {
		gc.Data = models.JSONMap{}
	}
	cp := *gc
	f.globals[gc.ID] = &cp
	return nil
}

func (f *fakeContextRepo) GetGlobal(ctx context.Context, id uuid.UUID) (*models.GlobalContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.globals[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeContextRepo) GetGlobalForUser(ctx context.Context, userID string) (*models.GlobalContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.globals {
		if g.UserID == userID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (f *fakeContextRepo) UpdateGlobal(ctx context.Context, gc *models.GlobalContext, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.globals[gc.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return interfaces.ErrOptimisticLock
	}
	gc.Version = expectedVersion + 1
	gc.UpdatedAt = time.Now().UTC()
	cp := *gc
	f.globals[gc.ID] = &cp
	return nil
}

func (f *fakeContextRepo) CreateProject(ctx context.Context, pc *models.ProjectContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.projects[pc.ProjectID]; exists {
		return interfaces.ErrDuplicate
	}
	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}
	now := time.Now().UTC()
	pc.CreatedAt, pc.UpdatedAt, pc.Version = now, now, 1
	if pc.Data == nil {
		pc.Data = models.JSONMap{}
	}
	cp := *pc
	f.projects[pc.ProjectID] = &cp
	return nil
}

func (f *fakeContextRepo) GetProject(ctx context.Context, projectID uuid.UUID) (*models.ProjectContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeContextRepo) UpdateProject(ctx context.Context, pc *models.ProjectContext, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.projects[pc.ProjectID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return interfaces.ErrOptimisticLock
	}
	pc.Version = expectedVersion + 1
	pc.UpdatedAt = time.Now().UTC()
	cp := *pc
	f.projects[pc.ProjectID] = &cp
	return nil
}

func (f *fakeContextRepo) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return interfaces.ErrNotFound
	}
	delete(f.projects, projectID)
	for branchID, bc := range f.branches {
		if bc.ParentProjectID != projectID {
			continue
		}
		delete(f.branches, branchID)
		for taskID, tc := range f.tasks {
			if tc.ParentBranchID == branchID {
				delete(f.tasks, taskID)
			}
		}
	}
	return nil
}

func (f *fakeContextRepo) CreateBranch(ctx context.Context, bc *models.BranchContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.branches[bc.BranchID]; exists {
		return interfaces.ErrDuplicate
	}
	if bc.ID == uuid.Nil {
		bc.ID = uuid.New()
	}
	now := time.Now().UTC()
	bc.CreatedAt, bc.UpdatedAt, bc.Version = now, now, 1
	if bc.Data == nil {
		bc.Data = models.JSONMap{}
	}
	cp := *bc
	f.branches[bc.BranchID] = &cp
	return nil
}

func (f *fakeContextRepo) GetBranch(ctx context.Context, branchID uuid.UUID) (*models.BranchContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.branches[branchID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeContextRepo) UpdateBranch(ctx context.Context, bc *models.BranchContext, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.branches[bc.BranchID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return interfaces.ErrOptimisticLock
	}
	bc.Version = expectedVersion + 1
	bc.UpdatedAt = time.Now().UTC()
	cp := *bc
	f.branches[bc.BranchID] = &cp
	return nil
}

func (f *fakeContextRepo) DeleteBranch(ctx context.Context, branchID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[branchID]; !ok {
		return interfaces.ErrNotFound
	}
	delete(f.branches, branchID)
	for taskID, tc := range f.tasks {
		if tc.ParentBranchID == branchID {
			delete(f.tasks, taskID)
		}
	}
	return nil
}

func (f *fakeContextRepo) CreateTask(ctx context.Context, tc *models.TaskContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tasks[tc.TaskID]; exists {
		return interfaces.ErrDuplicate
	}
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	now := time.Now().UTC()
	tc.CreatedAt, tc.UpdatedAt, tc.Version = now, now, 1
	if tc.Data == nil {
		tc.Data = models.JSONMap{}
	}
	cp := *tc
	f.tasks[tc.TaskID] = &cp
	return nil
}

func (f *fakeContextRepo) GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk, ok := f.tasks[taskID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *tk
	return &cp, nil
}

func (f *fakeContextRepo) UpdateTask(ctx context.Context, tc *models.TaskContext, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.tasks[tc.TaskID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return interfaces.ErrOptimisticLock
	}
	tc.Version = expectedVersion + 1
	tc.UpdatedAt = time.Now().UTC()
	cp := *tc
	f.tasks[tc.TaskID] = &cp
	return nil
}

func (f *fakeContextRepo) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return interfaces.ErrNotFound
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeContextRepo) GetVersions(ctx context.Context, refs []interfaces.ContextRef) (map[interfaces.ContextRef]interfaces.ContextVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[interfaces.ContextRef]interfaces.ContextVersion, len(refs))
	for _, ref := range refs {
		switch ref.Level {
		case models.ContextLevelGlobal:
			if g, ok := f.globals[ref.ID]; ok {
				out[ref] = interfaces.ContextVersion{Ref: ref, Version: g.Version}
			}
		case models.ContextLevelProject:
			if p, ok := f.projects[ref.ID]; ok {
				out[ref] = interfaces.ContextVersion{Ref: ref, Version: p.Version, InheritanceDisabled: p.InheritanceDisabled}
			}
		case models.ContextLevelBranch:
			if b, ok := f.branches[ref.ID]; ok {
				out[ref] = interfaces.ContextVersion{Ref: ref, Version: b.Version, InheritanceDisabled: b.InheritanceDisabled}
			}
		case models.ContextLevelTask:
			if tk, ok := f.tasks[ref.ID]; ok {
				out[ref] = interfaces.ContextVersion{Ref: ref, Version: tk.Version, InheritanceDisabled: tk.InheritanceDisabled}
			}
		}
	}
	return out, nil
}

func (f *fakeContextRepo) CreateDelegation(ctx context.Context, d *models.ContextDelegation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	f.delegations[d.ID] = &cp
	return nil
}

func (f *fakeContextRepo) GetDelegation(ctx context.Context, id uuid.UUID) (*models.ContextDelegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.delegations[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeContextRepo) ListDelegations(ctx context.Context, filters interfaces.DelegationFilters) ([]*models.ContextDelegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ContextDelegation
	for _, d := range f.delegations {
		if filters.Processed != nil && d.Processed != *filters.Processed {
			continue
		}
		if filters.TargetLevel != nil && d.TargetLevel != *filters.TargetLevel {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// Entity lookups back the topology fallback when context rows are absent.

type fakeProjectEntities struct {
	interfaces.ProjectRepository
	ids map[uuid.UUID]bool
}

func (f *fakeProjectEntities) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	if f.ids[id] {
		return &models.Project{ID: id, UserID: testUser}, nil
	}
	return nil, interfaces.ErrNotFound
}

type fakeBranchEntities struct {
	interfaces.BranchRepository
	projectOf map[uuid.UUID]uuid.UUID
}

func (f *fakeBranchEntities) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	projectID, ok := f.projectOf[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &models.Branch{ID: id, ProjectID: projectID, UserID: testUser}, nil
}

type fakeTaskEntities struct {
	interfaces.TaskRepository
	branchOf map[uuid.UUID]uuid.UUID
	linked   map[uuid.UUID]*uuid.UUID
}

func (f *fakeTaskEntities) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	branchID, ok := f.branchOf[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &models.Task{ID: id, BranchID: branchID, UserID: testUser, ContextID: f.linked[id]}, nil
}

func (f *fakeTaskEntities) Update(ctx context.Context, task *models.Task) error {
	if _, ok := f.branchOf[task.ID]; !ok {
		return interfaces.ErrNotFound
	}
	f.linked[task.ID] = task.ContextID
	return nil
}

type recordingStore struct {
	events.Store
	mu       sync.Mutex
	appended []*events.DomainEvent
}

func (s *recordingStore) Append(ctx context.Context, e *events.DomainEvent) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, e)
	return e.ID, nil
}

func (s *recordingStore) typesSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.appended))
	for i, e := range s.appended {
		out[i] = e.Type
	}
	return out
}

type engineFixture struct {
	repo     *fakeContextRepo
	projects *fakeProjectEntities
	branches *fakeBranchEntities
	tasks    *fakeTaskEntities
	store    *recordingStore
	engine   *Engine

	projectID uuid.UUID
	branchID  uuid.UUID
	taskID    uuid.UUID
}

func newEngineFixture(t *testing.T, cacheRepo interfaces.ContextCacheRepository) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo:      newFakeContextRepo(),
		projects:  &fakeProjectEntities{ids: map[uuid.UUID]bool{}},
		branches:  &fakeBranchEntities{projectOf: map[uuid.UUID]uuid.UUID{}},
		tasks:     &fakeTaskEntities{branchOf: map[uuid.UUID]uuid.UUID{}, linked: map[uuid.UUID]*uuid.UUID{}},
		store:     &recordingStore{},
		projectID: uuid.New(),
		branchID:  uuid.New(),
		taskID:    uuid.New(),
	}
	f.projects.ids[f.projectID] = true
	f.branches.projectOf[f.branchID] = f.projectID
	f.tasks.branchOf[f.taskID] = f.branchID

	f.engine = NewEngine(f.repo, cacheRepo, f.projects, f.branches, f.tasks, f.store,
		nil, nil, nil, DefaultConfig())
	return f
}

// seedContextRows creates context rows for the fixture topology through the
// engine's own lifecycle.
func (f *engineFixture) seedContextRows(t *testing.T, projectData, branchData, taskData models.JSONMap) {
	t.Helper()
	ctx := userCtx()
	_, err := f.engine.Create(ctx, models.ContextLevelProject, f.projectID, projectData, nil)
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, models.ContextLevelBranch, f.branchID, branchData, nil)
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, models.ContextLevelTask, f.taskID, taskData, nil)
	require.NoError(t, err)
}

func TestEngine_Resolve_GlobalAutoMaterialises(t *testing.T) {
	f := newEngineFixture(t, nil)

	res, err := f.engine.Resolve(userCtx(), models.ContextLevelGlobal, uuid.Nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"global"}, res.Chain)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, "Default Organization", res.Data["organization_name"])

	meta, ok := res.Data["_inheritance"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, meta["inheritance_depth"])

	gc, err := f.repo.GetGlobalForUser(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, res.ID, gc.ID)
}

func TestEngine_Resolve_ProjectWithoutRowInheritsGlobal(t *testing.T) {
	f := newEngineFixture(t, nil)

	res, err := f.engine.Resolve(userCtx(), models.ContextLevelProject, f.projectID)
	require.NoError(t, err)

	assert.Equal(t, []string{"global", "project"}, res.Chain)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, "Default Organization", res.Data["organization_name"])
	assert.Contains(t, res.Data, "global_settings")
}

func TestEngine_Resolve_UnknownEntityFails(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Resolve(userCtx(), models.ContextLevelProject, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestEngine_Resolve_RequiresAuthenticatedUser(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Resolve(context.Background(), models.ContextLevelGlobal, uuid.Nil)
	assert.ErrorIs(t, err, interfaces.ErrAuthRequired)
}

func TestEngine_Resolve_TaskMergesWholeChain(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t,
		models.JSONMap{"deploy_target": "staging", "tags": []interface{}{"backend"}},
		models.JSONMap{"deploy_target": "branch-env"},
		models.JSONMap{"tags": []interface{}{"urgent"}},
	)

	res, err := f.engine.Resolve(userCtx(), models.ContextLevelTask, f.taskID)
	require.NoError(t, err)

	assert.Equal(t, []string{"global", "project", "branch", "task"}, res.Chain)
	assert.Equal(t, 4, res.Depth)
	// Branch overrides the project scalar; lists accumulate down the chain.
	assert.Equal(t, "branch-env", res.Data["deploy_target"])
	assert.Equal(t, []interface{}{"backend", "urgent"}, res.Data["tags"])
	assert.Equal(t, "Default Organization", res.Data["organization_name"])
}

func TestEngine_Resolve_InheritanceDisabledTruncatesAbove(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t,
		models.JSONMap{"from_project": true},
		models.JSONMap{"from_branch": true},
		models.JSONMap{"from_task": true},
	)
	_, err := f.engine.Update(userCtx(), models.ContextLevelBranch, f.branchID, models.JSONMap{"inheritance_disabled": true})
	require.NoError(t, err)

	res, err := f.engine.Resolve(userCtx(), models.ContextLevelTask, f.taskID)
	require.NoError(t, err)

	assert.Equal(t, []string{"branch", "task"}, res.Chain)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, true, res.Data["from_branch"])
	assert.Equal(t, true, res.Data["from_task"])
	assert.NotContains(t, res.Data, "from_project")
	assert.NotContains(t, res.Data, "organization_name")
}

func TestEngine_Resolve_ForceLocalOnlySkipsInheritance(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t,
		models.JSONMap{"from_project": true},
		models.JSONMap{"from_branch": true},
		models.JSONMap{"from_task": true},
	)
	_, err := f.engine.Update(userCtx(), models.ContextLevelTask, f.taskID, models.JSONMap{"force_local_only": true})
	require.NoError(t, err)

	res, err := f.engine.Resolve(userCtx(), models.ContextLevelTask, f.taskID)
	require.NoError(t, err)

	assert.Equal(t, []string{"task"}, res.Chain)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, true, res.Data["from_task"])
	assert.NotContains(t, res.Data, "from_branch")
	assert.NotContains(t, res.Data, "from_project")
}

func TestEngine_Create_ProjectLinksToGlobal(t *testing.T) {
	f := newEngineFixture(t, nil)

	view, err := f.engine.Create(userCtx(), models.ContextLevelProject, f.projectID, models.JSONMap{"name": "svc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, f.projectID, view.ID)
	assert.Equal(t, 1, view.Version)
	assert.Equal(t, "svc", view.Data["name"])

	stored, err := f.repo.GetProject(context.Background(), f.projectID)
	require.NoError(t, err)
	gc, err := f.repo.GetGlobalForUser(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, gc.ID, stored.ParentGlobalID)
	assert.Contains(t, f.store.typesSeen(), events.TypeContextCreated)
}

func TestEngine_Create_TaskRequiresBranchContext(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Create(userCtx(), models.ContextLevelTask, f.taskID, nil, nil)
	assert.ErrorIs(t, err, ErrParentMissing)
}

func TestEngine_Create_UnknownEntityRejected(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Create(userCtx(), models.ContextLevelProject, uuid.New(), nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestEngine_Create_DuplicateRejected(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Create(userCtx(), models.ContextLevelProject, f.projectID, nil, nil)
	require.NoError(t, err)
	_, err = f.engine.Create(userCtx(), models.ContextLevelProject, f.projectID, nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrDuplicate)
}

func TestEngine_Create_TaskContextLinksTaskRow(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	tc, err := f.repo.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.NotNil(t, f.tasks.linked[f.taskID])
	assert.Equal(t, tc.ID, *f.tasks.linked[f.taskID])

	require.NoError(t, f.engine.Delete(userCtx(), models.ContextLevelTask, f.taskID))
	assert.Nil(t, f.tasks.linked[f.taskID])
}

func TestEngine_Update_MergesPatchAndBumpsVersion(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.Create(userCtx(), models.ContextLevelProject, f.projectID, models.JSONMap{"name": "svc"}, nil)
	require.NoError(t, err)

	view, err := f.engine.Update(userCtx(), models.ContextLevelProject, f.projectID, models.JSONMap{
		"name":             "svc-v2",
		"team_preferences": map[string]interface{}{"review_style": "pairing"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, view.Version)
	assert.Equal(t, "svc-v2", view.Data["name"])
	prefs, ok := view.Data["team_preferences"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pairing", prefs["review_style"])

	stored, err := f.repo.GetProject(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.Equal(t, "pairing", stored.TeamPreferences["review_style"])
	assert.Contains(t, f.store.typesSeen(), events.TypeContextUpdated)
}

func TestEngine_Update_ConcurrentWriteSurfacesLockError(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.Create(userCtx(), models.ContextLevelProject, f.projectID, nil, nil)
	require.NoError(t, err)

	// Another writer bumps the row between our load and store.
	f.repo.mu.Lock()
	f.repo.projects[f.projectID].Version = 7
	f.repo.mu.Unlock()

	_, err = f.engine.Update(userCtx(), models.ContextLevelProject, f.projectID, models.JSONMap{"x": 1})
	assert.ErrorIs(t, err, interfaces.ErrOptimisticLock)
}

func TestEngine_Delete_GlobalForbidden(t *testing.T) {
	f := newEngineFixture(t, nil)

	err := f.engine.Delete(userCtx(), models.ContextLevelGlobal, uuid.New())
	assert.ErrorIs(t, err, ErrGlobalDelete)
}

func TestEngine_Delete_RemovesRowAndDescendants(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	err := f.engine.Delete(userCtx(), models.ContextLevelBranch, f.branchID)
	require.NoError(t, err)

	_, err = f.repo.GetBranch(context.Background(), f.branchID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = f.repo.GetTask(context.Background(), f.taskID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Contains(t, f.store.typesSeen(), events.TypeContextDeleted)
}

func TestEngine_Delegate_ManualIsQueued(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, models.JSONMap{"name": "svc"}, nil, nil)

	d, err := f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelTask,
		SourceID:    f.taskID,
		TargetLevel: models.ContextLevelProject,
		TargetID:    f.projectID,
		Data:        models.JSONMap{"pattern": "retry-with-backoff"},
		Reason:      "worked well on this task",
		Trigger:     models.TriggerManual,
	})
	require.NoError(t, err)

	assert.False(t, d.Processed)
	assert.Nil(t, d.Approved)
	assert.False(t, d.AutoDelegated)

	stored, err := f.repo.GetDelegation(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	// Target untouched until approved.
	pc, err := f.repo.GetProject(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.NotContains(t, pc.Data, "pattern")
}

func TestEngine_Delegate_AutoApplyAtConfidence(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, models.JSONMap{"name": "svc"}, nil, nil)

	confidence := 0.9
	d, err := f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelTask,
		SourceID:    f.taskID,
		TargetLevel: models.ContextLevelProject,
		TargetID:    f.projectID,
		Data:        models.JSONMap{"conventions": map[string]interface{}{"http_client": "shared"}},
		Trigger:     models.TriggerAutoPattern,
		Confidence:  &confidence,
	})
	require.NoError(t, err)

	assert.True(t, d.Processed)
	require.NotNil(t, d.Approved)
	assert.True(t, *d.Approved)
	assert.NotNil(t, d.ProcessedAt)
	require.NotNil(t, f.repo.lastTx)
	assert.True(t, f.repo.lastTx.committed)

	pc, err := f.repo.GetProject(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.Equal(t, 2, pc.Version)

	// The delegated keys are visible to resolves below the target.
	res, err := f.engine.Resolve(userCtx(), models.ContextLevelTask, f.taskID)
	require.NoError(t, err)
	conventions, ok := res.Data["conventions"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "shared", conventions["http_client"])
}

func TestEngine_Delegate_LowConfidenceQueues(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	confidence := 0.5
	d, err := f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelTask,
		SourceID:    f.taskID,
		TargetLevel: models.ContextLevelProject,
		TargetID:    f.projectID,
		Data:        models.JSONMap{"pattern": "x"},
		Trigger:     models.TriggerAutoThreshold,
		Confidence:  &confidence,
	})
	require.NoError(t, err)

	assert.False(t, d.Processed)
	assert.True(t, d.AutoDelegated)
	pc, err := f.repo.GetProject(context.Background(), f.projectID)
	require.NoError(t, err)
	assert.NotContains(t, pc.Data, "pattern")
}

func TestEngine_Delegate_RejectsNonUpwardFlow(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelProject,
		SourceID:    f.projectID,
		TargetLevel: models.ContextLevelTask,
		TargetID:    f.taskID,
		Data:        models.JSONMap{"x": 1},
		Trigger:     models.TriggerManual,
	})
	assert.ErrorIs(t, err, ErrBadDelegation)

	_, err = f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelBranch,
		SourceID:    f.branchID,
		TargetLevel: models.ContextLevelBranch,
		TargetID:    f.branchID,
		Data:        models.JSONMap{"x": 1},
		Trigger:     models.TriggerManual,
	})
	assert.ErrorIs(t, err, ErrBadDelegation)
}

func TestEngine_Delegate_RequiresData(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Delegate(userCtx(), DelegationRequest{
		SourceLevel: models.ContextLevelTask,
		SourceID:    f.taskID,
		TargetLevel: models.ContextLevelProject,
		TargetID:    f.projectID,
		Trigger:     models.TriggerManual,
	})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestEngine_AddInsight_AppendsTimestampedEntries(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	_, err := f.engine.AddInsight(userCtx(), models.ContextLevelTask, f.taskID, Insight{
		Category: "performance",
		Content:  "queries fan out per branch",
	})
	require.NoError(t, err)
	view, err := f.engine.AddInsight(userCtx(), models.ContextLevelTask, f.taskID, Insight{
		Content: "cache layer absorbs most reads",
	})
	require.NoError(t, err)

	insights, ok := view.Data["insights"].([]interface{})
	require.True(t, ok)
	require.Len(t, insights, 2)

	first, ok := insights[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "performance", first["category"])
	assert.Equal(t, "queries fan out per branch", first["content"])
	assert.NotEmpty(t, first["timestamp"])

	second, ok := insights[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "general", second["category"])
	assert.Equal(t, "medium", second["importance"])

	assert.Contains(t, f.store.typesSeen(), events.TypeInsightAdded)
}

func TestEngine_AddInsight_RequiresContent(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	_, err := f.engine.AddInsight(userCtx(), models.ContextLevelTask, f.taskID, Insight{Content: "   "})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestEngine_AddProgress_AppendsEntry(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedContextRows(t, nil, nil, nil)

	view, err := f.engine.AddProgress(userCtx(), models.ContextLevelTask, f.taskID, ProgressEntry{
		Action:  "implemented",
		Content: "repository layer finished",
		Agent:   "coding-agent",
	})
	require.NoError(t, err)

	progress, ok := view.Data["progress"].([]interface{})
	require.True(t, ok)
	require.Len(t, progress, 1)
	entry, ok := progress[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "implemented", entry["action"])
	assert.Equal(t, "coding-agent", entry["agent"])
	assert.Contains(t, f.store.typesSeen(), events.TypeProgressAdded)
}
