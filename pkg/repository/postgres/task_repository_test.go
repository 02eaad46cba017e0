package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/postgres"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

func newTaskRepo(t *testing.T) (interfaces.TaskRepository, sqlmock.Sqlmock, *stubCache, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "postgres")
	stub := &stubCache{getErr: cache.ErrNotFound}

	repo := postgres.NewTaskRepository(
		sqlxDB,
		sqlxDB, // Use same DB for read/write in tests
		stub,
		observability.NewNoopLogger(),
		observability.NoopStartSpan,
		observability.NewNoOpMetricsClient(),
	)

	return repo, mock, stub, func() { _ = db.Close() }
}

func TestTaskRepository_Create(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	ctx := context.Background()
	task := &models.Task{
		BranchID:    uuid.New(),
		UserID:      "user-1",
		Title:       "Implement login endpoint",
		Description: "JWT-based session issuance",
	}

	mock.ExpectPrepare("INSERT INTO tasks")
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			sqlmock.AnyArg(), // ID
			task.BranchID,
			task.UserID,
			task.Title,
			"todo",   // defaulted status
			"medium", // defaulted priority
			task.Description,
			"", // details
			"", // estimated_effort
			"", // testing_notes
			"", // completion_summary
			0.0,
			sqlmock.AnyArg(), // assignees (JSON)
			sqlmock.AnyArg(), // labels (JSON)
			nil,              // context_id
			nil,              // due_date
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // updated_at
			nil,              // completed_at
			1,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(ctx, task)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Equal(t, 1, task.Version)
	assert.Equal(t, models.StatusTodo, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_Get(t *testing.T) {
	repo, mock, stub, closeDB := newTaskRepo(t)
	defer closeDB()

	ctx := context.Background()
	taskID := uuid.New()
	branchID := uuid.New()

	columns := []string{
		"id", "branch_id", "user_id", "title", "status", "priority",
		"description", "details", "estimated_effort", "testing_notes", "completion_summary",
		"progress_percentage", "assignees", "labels", "context_id",
		"due_date", "created_at", "updated_at", "completed_at", "version",
	}

	mock.ExpectQuery("SELECT .* FROM tasks WHERE id = \\$1").
		WithArgs(taskID).
		WillReturnRows(
			sqlmock.NewRows(columns).
				AddRow(
					taskID,
					branchID,
					"user-1",
					"Implement login endpoint",
					"in_progress",
					"high",
					"JWT-based session issuance",
					"",
					"2h",
					"",
					"",
					40.0,
					[]byte(`["alice"]`),
					[]byte(`["backend"]`),
					nil,
					nil,
					time.Now(),
					time.Now(),
					nil,
					3,
				),
		)

	task, err := repo.Get(ctx, taskID)
	assert.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, branchID, task.BranchID)
	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Equal(t, models.StringArray{"alice"}, task.Assignees)
	assert.Equal(t, 3, task.Version)

	// The loaded row should have been written through to the cache
	assert.NotEmpty(t, stub.data)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_Get_NotFound(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	taskID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM tasks WHERE id = \\$1").
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	task, err := repo.Get(context.Background(), taskID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Nil(t, task)
}

func TestTaskRepository_UpdateWithVersion(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	ctx := context.Background()
	task := &models.Task{
		ID:       uuid.New(),
		BranchID: uuid.New(),
		UserID:   "user-1",
		Title:    "Implement login endpoint",
		Status:   models.StatusInProgress,
		Priority: models.PriorityHigh,
		Version:  1,
	}

	mock.ExpectExec("UPDATE tasks SET").
		WithArgs(
			task.Title,
			"in_progress",
			"high",
			task.Description,
			"", // details
			"", // estimated_effort
			"", // testing_notes
			"", // completion_summary
			0.0,
			sqlmock.AnyArg(), // assignees (JSON)
			sqlmock.AnyArg(), // labels (JSON)
			nil,              // context_id
			nil,              // due_date
			nil,              // completed_at
			sqlmock.AnyArg(), // updated_at
			2,                // New version
			task.ID,
			1, // Expected version
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateWithVersion(ctx, task, 1)
	assert.NoError(t, err)
	assert.Equal(t, 2, task.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_UpdateWithVersion_Conflict(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	task := &models.Task{
		ID:       uuid.New(),
		BranchID: uuid.New(),
		UserID:   "user-1",
		Title:    "Implement login endpoint",
		Status:   models.StatusInProgress,
		Priority: models.PriorityHigh,
		Version:  1,
	}

	// Stale version: no rows updated, but the row exists
	mock.ExpectExec("UPDATE tasks SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(task.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.UpdateWithVersion(context.Background(), task, 1)
	assert.ErrorIs(t, err, interfaces.ErrOptimisticLock)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_AddDependency(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	dep := &models.TaskDependency{
		TaskID:          uuid.New(),
		DependsOnTaskID: uuid.New(),
		UserID:          "user-1",
	}

	mock.ExpectExec("INSERT INTO task_dependencies").
		WithArgs(
			sqlmock.AnyArg(), // ID
			dep.TaskID,
			dep.DependsOnTaskID,
			"blocks", // defaulted type
			false,
			dep.UserID,
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddDependency(context.Background(), dep)
	assert.NoError(t, err)
	assert.Equal(t, models.DependencyBlocks, dep.DependencyType)

	// Duplicate link hits ON CONFLICT DO NOTHING and still succeeds
	mock.ExpectExec("INSERT INTO task_dependencies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.AddDependency(context.Background(), dep)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_Transaction(t *testing.T) {
	repo, mock, _, closeDB := newTaskRepo(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 5000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := repo.BeginTx(context.Background(), &types.TxOptions{
		Isolation: types.IsolationSerializable,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	err = tx.Commit()
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// stubCache implements cache.Cache for repository tests
type stubCache struct {
	getErr error
	data   map[string]interface{}
}

func (m *stubCache) Get(ctx context.Context, key string, value any) error {
	if m.getErr != nil {
		return m.getErr
	}
	if m.data != nil {
		if _, ok := m.data[key]; ok {
			return nil
		}
	}
	return cache.ErrNotFound
}

func (m *stubCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if m.data == nil {
		m.data = make(map[string]interface{})
	}
	m.data[key] = value
	return nil
}

func (m *stubCache) Delete(ctx context.Context, key string) error {
	if m.data != nil {
		delete(m.data, key)
	}
	return nil
}

func (m *stubCache) Exists(ctx context.Context, key string) (bool, error) {
	if m.data != nil {
		_, ok := m.data[key]
		return ok, nil
	}
	return false, nil
}

func (m *stubCache) Flush(ctx context.Context) error {
	m.data = make(map[string]interface{})
	return nil
}

func (m *stubCache) Close() error {
	return nil
}
