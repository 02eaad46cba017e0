package scoped_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/scoped"
)

type fakeContextRepo struct {
	interfaces.ContextRepository

	globals map[uuid.UUID]*models.GlobalContext
	byUser  map[string]*models.GlobalContext
	tasks   map[uuid.UUID]*models.TaskContext
	updates int
}

func newFakeContextRepo() *fakeContextRepo {
	return &fakeContextRepo{
		globals: make(map[uuid.UUID]*models.GlobalContext),
		byUser:  make(map[string]*models.GlobalContext),
		tasks:   make(map[uuid.UUID]*models.TaskContext),
	}
}

func (f *fakeContextRepo) seedGlobal(gc *models.GlobalContext) *fakeContextRepo {
	f.globals[gc.ID] = gc
	if gc.UserID != "" {
		f.byUser[gc.UserID] = gc
	}
	return f
}

func (f *fakeContextRepo) CreateGlobal(_ context.Context, gc *models.GlobalContext) error {
	f.seedGlobal(gc)
	return nil
}

func (f *fakeContextRepo) GetGlobal(_ context.Context, id uuid.UUID) (*models.GlobalContext, error) {
	gc, ok := f.globals[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return gc, nil
}

func (f *fakeContextRepo) GetGlobalForUser(_ context.Context, userID string) (*models.GlobalContext, error) {
	gc, ok := f.byUser[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return gc, nil
}

func (f *fakeContextRepo) UpdateGlobal(_ context.Context, gc *models.GlobalContext, _ int) error {
	f.updates++
	f.seedGlobal(gc)
	return nil
}

func (f *fakeContextRepo) GetTask(_ context.Context, taskID uuid.UUID) (*models.TaskContext, error) {
	tc, ok := f.tasks[taskID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return tc, nil
}

func TestScopedContextRepository_SharedTemplateReadableByAnyUser(t *testing.T) {
	template := &models.GlobalContext{
		ID:   uuid.New(),
		Data: models.JSONMap{"organization_name": "Default Organization"},
	}
	inner := newFakeContextRepo().seedGlobal(template)
	repo := scoped.NewContextRepository(inner, nil, nil)

	got, err := repo.GetGlobal(asUser("alice"), template.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSharedTemplate())

	got, err = repo.GetGlobal(asUser("bob"), template.ID)
	require.NoError(t, err)
	assert.Equal(t, template.ID, got.ID)
}

func TestScopedContextRepository_SharedTemplateNotWritable(t *testing.T) {
	template := &models.GlobalContext{ID: uuid.New()}
	inner := newFakeContextRepo().seedGlobal(template)
	repo := scoped.NewContextRepository(inner, nil, nil)

	update := *template
	update.Data = models.JSONMap{"stolen": true}
	err := repo.UpdateGlobal(asUser("alice"), &update, 1)
	assert.ErrorIs(t, err, interfaces.ErrCrossTenantWrite)
	assert.Equal(t, 0, inner.updates)
}

func TestScopedContextRepository_GlobalIsolation(t *testing.T) {
	alice := &models.GlobalContext{ID: uuid.New(), UserID: "alice"}
	bob := &models.GlobalContext{ID: uuid.New(), UserID: "bob"}
	inner := newFakeContextRepo().seedGlobal(alice).seedGlobal(bob)
	repo := scoped.NewContextRepository(inner, nil, nil)

	_, err := repo.GetGlobal(asUser("alice"), bob.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = repo.GetGlobalForUser(asUser("alice"), "bob")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	got, err := repo.GetGlobalForUser(asUser("alice"), "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
}

func TestScopedContextRepository_CreateGlobalStampsOwner(t *testing.T) {
	inner := newFakeContextRepo()
	repo := scoped.NewContextRepository(inner, nil, nil)

	gc := &models.GlobalContext{ID: uuid.New()}
	require.NoError(t, repo.CreateGlobal(asUser("alice"), gc))
	assert.Equal(t, "alice", gc.UserID)
	assert.False(t, gc.IsSharedTemplate())
}

func TestScopedContextRepository_TaskTierMasksForeignRows(t *testing.T) {
	taskID := uuid.New()
	inner := newFakeContextRepo()
	inner.tasks[taskID] = &models.TaskContext{ID: uuid.New(), TaskID: taskID, UserID: "bob"}
	repo := scoped.NewContextRepository(inner, nil, nil)

	_, err := repo.GetTask(asUser("alice"), taskID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	got, err := repo.GetTask(asUser("bob"), taskID)
	require.NoError(t, err)
	assert.Equal(t, taskID, got.TaskID)
}
