package scoped_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/scoped"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// fakeTaskRepo is an in-memory TaskRepository. Methods not implemented here
// panic through the embedded nil interface.
type fakeTaskRepo struct {
	interfaces.TaskRepository

	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.Task
	deps     []*models.TaskDependency
	lastList *interfaces.TaskFilters
	creates  int
	updates  int
	deletes  int
}

func newFakeTaskRepo(seed ...*models.Task) *fakeTaskRepo {
	f := &fakeTaskRepo{tasks: make(map[uuid.UUID]*models.Task)}
	for _, task := range seed {
		f.tasks[task.ID] = task
	}
	return f
}

func (f *fakeTaskRepo) WithTx(tx types.Transaction) interfaces.TaskRepository { return f }

func (f *fakeTaskRepo) Create(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeTaskRepo) Get(_ context.Context, id uuid.UUID) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return task, nil
}

func (f *fakeTaskRepo) Update(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; !ok {
		return interfaces.ErrNotFound
	}
	f.updates++
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskRepo) List(_ context.Context, filters interfaces.TaskFilters) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = &filters
	var out []*models.Task
	for _, task := range f.tasks {
		if filters.UserID == nil || task.UserID == *filters.UserID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) ListByBranch(_ context.Context, branchID uuid.UUID) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, task := range f.tasks {
		if task.BranchID == branchID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) AddDependency(_ context.Context, dep *models.TaskDependency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps = append(f.deps, dep)
	return nil
}

func (f *fakeTaskRepo) GetDependenciesForTasks(_ context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]*models.TaskDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID][]*models.TaskDependency)
	for _, id := range taskIDs {
		for _, dep := range f.deps {
			if dep.TaskID == id {
				out[id] = append(out[id], dep)
			}
		}
	}
	return out, nil
}

func asUser(userID string) context.Context {
	return auth.WithUserID(context.Background(), userID)
}

func TestScopedTaskRepository_RequiresIdentity(t *testing.T) {
	inner := newFakeTaskRepo()
	repo := scoped.NewTaskRepository(inner, nil, nil)
	ctx := context.Background()

	err := repo.Create(ctx, &models.Task{ID: uuid.New(), Title: "orphan"})
	assert.ErrorIs(t, err, interfaces.ErrAuthRequired)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrAuthRequired)

	_, err = repo.List(ctx, interfaces.TaskFilters{})
	assert.ErrorIs(t, err, interfaces.ErrAuthRequired)

	assert.Equal(t, 0, inner.creates, "storage must not be touched without identity")
}

func TestScopedTaskRepository_CreateStampsOwner(t *testing.T) {
	inner := newFakeTaskRepo()
	repo := scoped.NewTaskRepository(inner, nil, nil)

	task := &models.Task{ID: uuid.New(), Title: "stamped"}
	require.NoError(t, repo.Create(asUser("alice"), task))
	assert.Equal(t, "alice", task.UserID)

	forged := &models.Task{ID: uuid.New(), Title: "forged", UserID: "bob"}
	err := repo.Create(asUser("alice"), forged)
	assert.ErrorIs(t, err, interfaces.ErrCrossTenantWrite)
	assert.Equal(t, 1, inner.creates)
}

func TestScopedTaskRepository_GetMasksForeignRows(t *testing.T) {
	mine := &models.Task{ID: uuid.New(), UserID: "alice", Title: "mine"}
	theirs := &models.Task{ID: uuid.New(), UserID: "bob", Title: "theirs"}
	repo := scoped.NewTaskRepository(newFakeTaskRepo(mine, theirs), nil, nil)

	got, err := repo.Get(asUser("alice"), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = repo.Get(asUser("alice"), theirs.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "foreign rows read as absent")
}

func TestScopedTaskRepository_UpdateRejectsForeignRow(t *testing.T) {
	theirs := &models.Task{ID: uuid.New(), UserID: "bob", Title: "theirs"}
	inner := newFakeTaskRepo(theirs)
	repo := scoped.NewTaskRepository(inner, nil, nil)

	update := *theirs
	update.Title = "hijacked"
	update.UserID = ""

	err := repo.Update(asUser("alice"), &update)
	assert.ErrorIs(t, err, interfaces.ErrCrossTenantWrite)
	assert.Equal(t, 0, inner.updates)
	assert.Equal(t, "theirs", inner.tasks[theirs.ID].Title)
}

func TestScopedTaskRepository_UpdateChecksStoredOwnerNotClaim(t *testing.T) {
	mine := &models.Task{ID: uuid.New(), UserID: "alice", Title: "mine"}
	inner := newFakeTaskRepo(mine)
	repo := scoped.NewTaskRepository(inner, nil, nil)

	// A claim of another owner on the caller's own row is still rejected.
	update := *mine
	update.UserID = "bob"
	err := repo.Update(asUser("alice"), &update)
	assert.ErrorIs(t, err, interfaces.ErrCrossTenantWrite)

	update = *mine
	update.Title = "renamed"
	require.NoError(t, repo.Update(asUser("alice"), &update))
	assert.Equal(t, "renamed", inner.tasks[mine.ID].Title)
}

func TestScopedTaskRepository_DeleteGatedByRead(t *testing.T) {
	theirs := &models.Task{ID: uuid.New(), UserID: "bob", Title: "theirs"}
	inner := newFakeTaskRepo(theirs)
	repo := scoped.NewTaskRepository(inner, nil, nil)

	err := repo.Delete(asUser("alice"), theirs.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, 0, inner.deletes)

	require.NoError(t, repo.Delete(asUser("bob"), theirs.ID))
	assert.Equal(t, 1, inner.deletes)
}

func TestScopedTaskRepository_ListForcesUserFilter(t *testing.T) {
	mine := &models.Task{ID: uuid.New(), UserID: "alice"}
	theirs := &models.Task{ID: uuid.New(), UserID: "bob"}
	inner := newFakeTaskRepo(mine, theirs)
	repo := scoped.NewTaskRepository(inner, nil, nil)

	// A caller-supplied filter for another user is overridden, not honored.
	bob := "bob"
	tasks, err := repo.List(asUser("alice"), interfaces.TaskFilters{UserID: &bob})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, mine.ID, tasks[0].ID)
	require.NotNil(t, inner.lastList.UserID)
	assert.Equal(t, "alice", *inner.lastList.UserID)
}

func TestScopedTaskRepository_ListByBranchFiltersForeign(t *testing.T) {
	branchID := uuid.New()
	mine := &models.Task{ID: uuid.New(), BranchID: branchID, UserID: "alice"}
	theirs := &models.Task{ID: uuid.New(), BranchID: branchID, UserID: "bob"}
	repo := scoped.NewTaskRepository(newFakeTaskRepo(mine, theirs), nil, nil)

	tasks, err := repo.ListByBranch(asUser("alice"), branchID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, mine.ID, tasks[0].ID)
}

func TestScopedTaskRepository_AddDependencyVerifiesBothEndpoints(t *testing.T) {
	mine := &models.Task{ID: uuid.New(), UserID: "alice"}
	alsoMine := &models.Task{ID: uuid.New(), UserID: "alice"}
	theirs := &models.Task{ID: uuid.New(), UserID: "bob"}
	inner := newFakeTaskRepo(mine, alsoMine, theirs)
	repo := scoped.NewTaskRepository(inner, nil, nil)

	err := repo.AddDependency(asUser("alice"), &models.TaskDependency{
		TaskID:          mine.ID,
		DependsOnTaskID: theirs.ID,
	})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Empty(t, inner.deps)

	dep := &models.TaskDependency{TaskID: mine.ID, DependsOnTaskID: alsoMine.ID}
	require.NoError(t, repo.AddDependency(asUser("alice"), dep))
	assert.Equal(t, "alice", dep.UserID)
	require.Len(t, inner.deps, 1)
}

func TestScopedTaskRepository_DependencyReadsDropForeignEdges(t *testing.T) {
	mine := &models.Task{ID: uuid.New(), UserID: "alice"}
	inner := newFakeTaskRepo(mine)
	inner.deps = []*models.TaskDependency{
		{TaskID: mine.ID, DependsOnTaskID: uuid.New(), UserID: "alice"},
		{TaskID: mine.ID, DependsOnTaskID: uuid.New(), UserID: "bob"},
	}
	repo := scoped.NewTaskRepository(inner, nil, nil)

	deps, err := repo.GetDependenciesForTasks(asUser("alice"), []uuid.UUID{mine.ID})
	require.NoError(t, err)
	require.Len(t, deps[mine.ID], 1)
	assert.Equal(t, "alice", deps[mine.ID][0].UserID)
}
