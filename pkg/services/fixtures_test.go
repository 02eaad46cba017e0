package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// Map-backed repositories for service tests. Rows are stored and returned
// as copies so a test cannot mutate repository state through a pointer it
// already holds. Transactions are accepted and ignored: the fakes apply
// writes immediately.

type memTx struct {
	committed  bool
	rolledBack bool
}

func (t *memTx) Execute(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
func (t *memTx) Savepoint(ctx context.Context, name string) error                      { return nil }
func (t *memTx) RollbackToSavepoint(ctx context.Context, name string) error            { return nil }
func (t *memTx) Commit() error                                                         { t.committed = true; return nil }
func (t *memTx) Rollback() error                                                       { t.rolledBack = true; return nil }

// memClock hands out strictly increasing timestamps so creation order is a
// stable sort key even inside one test.
type memClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMemClock() *memClock {
	return &memClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *memClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type memTasks struct {
	mu    sync.Mutex
	clock *memClock
	rows  map[uuid.UUID]*models.Task
	deps  []*models.TaskDependency
}

func newMemTasks(clock *memClock) *memTasks {
	return &memTasks{clock: clock, rows: map[uuid.UUID]*models.Task{}}
}

func cloneTask(t *models.Task) *models.Task { c := *t; return &c }

func (m *memTasks) WithTx(tx types.Transaction) interfaces.TaskRepository { return m }

func (m *memTasks) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	return &memTx{}, nil
}

func (m *memTasks) Create(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.clock.next()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Version == 0 {
		task.Version = 1
	}
	m.rows[task.ID] = cloneTask(task)
	return nil
}

func (m *memTasks) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "task %s", id)
	}
	return cloneTask(row), nil
}

func (m *memTasks) Update(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[task.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "task %s", task.ID)
	}
	task.Version = row.Version + 1
	task.UpdatedAt = m.clock.next()
	m.rows[task.ID] = cloneTask(task)
	return nil
}

func (m *memTasks) UpdateWithVersion(ctx context.Context, task *models.Task, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[task.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "task %s", task.ID)
	}
	if row.Version != expected {
		return errors.Wrapf(interfaces.ErrOptimisticLock, "task %s at version %d, expected %d", task.ID, row.Version, expected)
	}
	task.Version = expected + 1
	task.UpdatedAt = m.clock.next()
	m.rows[task.ID] = cloneTask(task)
	return nil
}

func (m *memTasks) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "task %s", id)
	}
	delete(m.rows, id)
	kept := m.deps[:0]
	for _, d := range m.deps {
		if d.TaskID != id && d.DependsOnTaskID != id {
			kept = append(kept, d)
		}
	}
	m.deps = kept
	return nil
}

func (m *memTasks) List(ctx context.Context, filters interfaces.TaskFilters) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, row := range m.rows {
		if filters.BranchID != nil && row.BranchID != *filters.BranchID {
			continue
		}
		if len(filters.Status) > 0 && !containsString(filters.Status, string(row.Status)) {
			continue
		}
		if filters.Query != nil && *filters.Query != "" {
			q := strings.ToLower(*filters.Query)
			haystack := strings.ToLower(row.Title + " " + row.Description + " " + row.Details)
			if !strings.Contains(haystack, q) {
				continue
			}
		}
		out = append(out, cloneTask(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTasks) ListByBranch(ctx context.Context, branchID uuid.UUID) ([]*models.Task, error) {
	return m.List(ctx, interfaces.TaskFilters{BranchID: &branchID})
}

func (m *memTasks) GetStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]models.Status, len(ids))
	for _, id := range ids {
		if row, ok := m.rows[id]; ok {
			out[id] = row.Status
		}
	}
	return out, nil
}

func (m *memTasks) AddDependency(ctx context.Context, dep *models.TaskDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d.TaskID == dep.TaskID && d.DependsOnTaskID == dep.DependsOnTaskID {
			return errors.Wrap(interfaces.ErrDuplicate, "dependency")
		}
	}
	c := *dep
	m.deps = append(m.deps, &c)
	return nil
}

func (m *memTasks) RemoveDependency(ctx context.Context, taskID, dependsOnID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.deps {
		if d.TaskID == taskID && d.DependsOnTaskID == dependsOnID {
			m.deps = append(m.deps[:i], m.deps[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(interfaces.ErrNotFound, "dependency")
}

func (m *memTasks) GetDependencies(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TaskDependency
	for _, d := range m.deps {
		if d.TaskID == taskID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memTasks) GetDependents(ctx context.Context, taskID uuid.UUID) ([]*models.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TaskDependency
	for _, d := range m.deps {
		if d.DependsOnTaskID == taskID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memTasks) GetDependenciesForTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID][]*models.TaskDependency, error) {
	out := make(map[uuid.UUID][]*models.TaskDependency, len(taskIDs))
	for _, id := range taskIDs {
		deps, err := m.GetDependencies(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(deps) > 0 {
			out[id] = deps
		}
	}
	return out, nil
}

type memSubtasks struct {
	mu    sync.Mutex
	clock *memClock
	rows  map[uuid.UUID]*models.Subtask
}

func newMemSubtasks(clock *memClock) *memSubtasks {
	return &memSubtasks{clock: clock, rows: map[uuid.UUID]*models.Subtask{}}
}

func cloneSubtask(s *models.Subtask) *models.Subtask { c := *s; return &c }

func (m *memSubtasks) WithTx(tx types.Transaction) interfaces.SubtaskRepository { return m }

func (m *memSubtasks) Create(ctx context.Context, subtask *models.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subtask.CreatedAt.IsZero() {
		subtask.CreatedAt = m.clock.next()
	}
	if subtask.Version == 0 {
		subtask.Version = 1
	}
	m.rows[subtask.ID] = cloneSubtask(subtask)
	return nil
}

func (m *memSubtasks) Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "subtask %s", id)
	}
	return cloneSubtask(row), nil
}

func (m *memSubtasks) Update(ctx context.Context, subtask *models.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[subtask.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "subtask %s", subtask.ID)
	}
	subtask.Version = row.Version + 1
	m.rows[subtask.ID] = cloneSubtask(subtask)
	return nil
}

func (m *memSubtasks) UpdateWithVersion(ctx context.Context, subtask *models.Subtask, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[subtask.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "subtask %s", subtask.ID)
	}
	if row.Version != expected {
		return errors.Wrapf(interfaces.ErrOptimisticLock, "subtask %s at version %d, expected %d", subtask.ID, row.Version, expected)
	}
	subtask.Version = expected + 1
	m.rows[subtask.ID] = cloneSubtask(subtask)
	return nil
}

func (m *memSubtasks) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "subtask %s", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memSubtasks) List(ctx context.Context, filters interfaces.SubtaskFilters) ([]*models.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subtask
	for _, row := range m.rows {
		if filters.TaskID != nil && row.TaskID != *filters.TaskID {
			continue
		}
		out = append(out, cloneSubtask(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memSubtasks) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	return m.List(ctx, interfaces.SubtaskFilters{TaskID: &taskID})
}

func (m *memSubtasks) CountByTask(ctx context.Context, taskID uuid.UUID) (int, int, error) {
	subs, err := m.ListByTask(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	completed := 0
	for _, s := range subs {
		if s.Status == models.StatusDone {
			completed++
		}
	}
	return len(subs), completed, nil
}

func (m *memSubtasks) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.TaskID == taskID {
			delete(m.rows, id)
		}
	}
	return nil
}

type memBranches struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*models.Branch
	recalcs []uuid.UUID
}

func newMemBranches() *memBranches {
	return &memBranches{rows: map[uuid.UUID]*models.Branch{}}
}

func cloneBranch(b *models.Branch) *models.Branch { c := *b; return &c }

func (m *memBranches) WithTx(tx types.Transaction) interfaces.BranchRepository { return m }

func (m *memBranches) Create(ctx context.Context, branch *models.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ProjectID == branch.ProjectID && row.Name == branch.Name {
			return errors.Wrapf(interfaces.ErrDuplicate, "branch %q", branch.Name)
		}
	}
	if branch.Version == 0 {
		branch.Version = 1
	}
	m.rows[branch.ID] = cloneBranch(branch)
	return nil
}

func (m *memBranches) Get(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "branch %s", id)
	}
	return cloneBranch(row), nil
}

func (m *memBranches) Update(ctx context.Context, branch *models.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[branch.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "branch %s", branch.ID)
	}
	branch.Version = row.Version + 1
	m.rows[branch.ID] = cloneBranch(branch)
	return nil
}

func (m *memBranches) UpdateWithVersion(ctx context.Context, branch *models.Branch, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[branch.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "branch %s", branch.ID)
	}
	if row.Version != expected {
		return errors.Wrapf(interfaces.ErrOptimisticLock, "branch %s at version %d, expected %d", branch.ID, row.Version, expected)
	}
	branch.Version = expected + 1
	m.rows[branch.ID] = cloneBranch(branch)
	return nil
}

func (m *memBranches) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "branch %s", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memBranches) List(ctx context.Context, filters interfaces.BranchFilters) ([]*models.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Branch
	for _, row := range m.rows {
		if filters.ProjectID != nil && row.ProjectID != *filters.ProjectID {
			continue
		}
		out = append(out, cloneBranch(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memBranches) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	return m.List(ctx, interfaces.BranchFilters{ProjectID: &projectID})
}

func (m *memBranches) RecalculateTaskCounts(ctx context.Context, branchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[branchID]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "branch %s", branchID)
	}
	m.recalcs = append(m.recalcs, branchID)
	return nil
}

func (m *memBranches) AssignAgent(ctx context.Context, branchID uuid.UUID, agentID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[branchID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "branch %s", branchID)
	}
	row.AssignedAgentID = agentID
	return nil
}

type memProjects struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Project
}

func newMemProjects() *memProjects {
	return &memProjects{rows: map[uuid.UUID]*models.Project{}}
}

func cloneProject(p *models.Project) *models.Project { c := *p; return &c }

func (m *memProjects) WithTx(tx types.Transaction) interfaces.ProjectRepository { return m }

func (m *memProjects) BeginTx(ctx context.Context, opts *types.TxOptions) (types.Transaction, error) {
	return &memTx{}, nil
}

func (m *memProjects) Create(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Name == project.Name {
			return errors.Wrapf(interfaces.ErrDuplicate, "project %q", project.Name)
		}
	}
	if project.Version == 0 {
		project.Version = 1
	}
	m.rows[project.ID] = cloneProject(project)
	return nil
}

func (m *memProjects) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "project %s", id)
	}
	return cloneProject(row), nil
}

func (m *memProjects) Update(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[project.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "project %s", project.ID)
	}
	project.Version = row.Version + 1
	m.rows[project.ID] = cloneProject(project)
	return nil
}

func (m *memProjects) UpdateWithVersion(ctx context.Context, project *models.Project, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[project.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "project %s", project.ID)
	}
	if row.Version != expected {
		return errors.Wrapf(interfaces.ErrOptimisticLock, "project %s at version %d, expected %d", project.ID, row.Version, expected)
	}
	project.Version = expected + 1
	m.rows[project.ID] = cloneProject(project)
	return nil
}

func (m *memProjects) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "project %s", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memProjects) List(ctx context.Context, filters interfaces.ProjectFilters) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Project
	for _, row := range m.rows {
		out = append(out, cloneProject(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memAgents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Agent
}

func newMemAgents() *memAgents {
	return &memAgents{rows: map[uuid.UUID]*models.Agent{}}
}

func cloneAgent(a *models.Agent) *models.Agent { c := *a; return &c }

func (m *memAgents) WithTx(tx types.Transaction) interfaces.AgentRepository { return m }

func (m *memAgents) Create(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent.Version == 0 {
		agent.Version = 1
	}
	m.rows[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *memAgents) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "agent %s", id)
	}
	return cloneAgent(row), nil
}

func (m *memAgents) Update(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[agent.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "agent %s", agent.ID)
	}
	agent.Version = row.Version + 1
	m.rows[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *memAgents) UpdateWithVersion(ctx context.Context, agent *models.Agent, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[agent.ID]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "agent %s", agent.ID)
	}
	if row.Version != expected {
		return errors.Wrapf(interfaces.ErrOptimisticLock, "agent %s at version %d, expected %d", agent.ID, row.Version, expected)
	}
	agent.Version = expected + 1
	m.rows[agent.ID] = cloneAgent(agent)
	return nil
}

func (m *memAgents) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "agent %s", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memAgents) List(ctx context.Context, filters interfaces.AgentFilters) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Agent
	for _, row := range m.rows {
		if filters.ProjectID != nil && (row.ProjectID == nil || *row.ProjectID != *filters.ProjectID) {
			continue
		}
		out = append(out, cloneAgent(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memAgents) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	return m.List(ctx, interfaces.AgentFilters{ProjectID: &projectID})
}

type memTokens struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.APIToken
}

func newMemTokens() *memTokens {
	return &memTokens{rows: map[uuid.UUID]*models.APIToken{}}
}

func cloneToken(t *models.APIToken) *models.APIToken { c := *t; return &c }

func (m *memTokens) Create(ctx context.Context, token *models.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	m.rows[token.ID] = cloneToken(token)
	return nil
}

func (m *memTokens) Get(ctx context.Context, id uuid.UUID) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "token %s", id)
	}
	return cloneToken(row), nil
}

func (m *memTokens) GetByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.TokenHash == hash {
			return cloneToken(row), nil
		}
	}
	return nil, errors.Wrap(interfaces.ErrNotFound, "token")
}

func (m *memTokens) Update(ctx context.Context, token *models.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[token.ID]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "token %s", token.ID)
	}
	m.rows[token.ID] = cloneToken(token)
	return nil
}

func (m *memTokens) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "token %s", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memTokens) List(ctx context.Context, filters interfaces.TokenFilters) ([]*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIToken
	for _, row := range m.rows {
		if filters.UserID != nil && row.UserID != *filters.UserID {
			continue
		}
		if !filters.IncludeInactive && !row.IsActive {
			continue
		}
		out = append(out, cloneToken(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memTokens) Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errors.Wrapf(interfaces.ErrNotFound, "token %s", id)
	}
	row.UsageCount++
	row.LastUsedAt = &usedAt
	return nil
}

func (m *memTokens) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, row := range m.rows {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(cutoff) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memTokens) Stats(ctx context.Context, userID string) ([]*models.TokenStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*models.TokenStats
	for _, row := range m.rows {
		if row.UserID != userID {
			continue
		}
		out = append(out, &models.TokenStats{
			TokenID:    row.ID,
			Name:       row.Name,
			UsageCount: row.UsageCount,
			LastUsedAt: row.LastUsedAt,
			IsActive:   row.IsActive,
			IsExpired:  row.IsExpired(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// memContexts covers the slice of the context repository the services
// touch. Unimplemented methods panic through the embedded nil interface.
type memContexts struct {
	interfaces.ContextRepository
	mu       sync.Mutex
	projects map[uuid.UUID]*models.ProjectContext
	branches map[uuid.UUID]*models.BranchContext
	tasks    map[uuid.UUID]*models.TaskContext
}

func newMemContexts() *memContexts {
	return &memContexts{
		projects: map[uuid.UUID]*models.ProjectContext{},
		branches: map[uuid.UUID]*models.BranchContext{},
		tasks:    map[uuid.UUID]*models.TaskContext{},
	}
}

func (m *memContexts) WithTx(tx types.Transaction) interfaces.ContextRepository { return m }

func (m *memContexts) CreateProject(ctx context.Context, pc *models.ProjectContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *pc
	m.projects[pc.ProjectID] = &c
	return nil
}

func (m *memContexts) GetProject(ctx context.Context, projectID uuid.UUID) (*models.ProjectContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.projects[projectID]
	if !ok {
		return nil, errors.Wrap(interfaces.ErrNotFound, "project context")
	}
	c := *row
	return &c, nil
}

func (m *memContexts) CreateBranch(ctx context.Context, bc *models.BranchContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *bc
	m.branches[bc.BranchID] = &c
	return nil
}

func (m *memContexts) GetBranch(ctx context.Context, branchID uuid.UUID) (*models.BranchContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.branches[branchID]
	if !ok {
		return nil, errors.Wrap(interfaces.ErrNotFound, "branch context")
	}
	c := *row
	return &c, nil
}

func (m *memContexts) CreateTask(ctx context.Context, tc *models.TaskContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc.Version == 0 {
		tc.Version = 1
	}
	c := *tc
	m.tasks[tc.TaskID] = &c
	return nil
}

func (m *memContexts) GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.Wrap(interfaces.ErrNotFound, "task context")
	}
	c := *row
	return &c, nil
}

func (m *memContexts) UpdateTask(ctx context.Context, tc *models.TaskContext, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tasks[tc.TaskID]
	if !ok {
		return errors.Wrap(interfaces.ErrNotFound, "task context")
	}
	if row.Version != expected {
		return errors.Wrap(interfaces.ErrOptimisticLock, "task context")
	}
	tc.Version = expected + 1
	c := *tc
	m.tasks[tc.TaskID] = &c
	return nil
}

func (m *memContexts) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return errors.Wrap(interfaces.ErrNotFound, "task context")
	}
	delete(m.tasks, taskID)
	return nil
}

// memEventLog is an in-memory events.Store covering what the services use.
type memEventLog struct {
	mu   sync.Mutex
	rows []*events.DomainEvent
}

func (m *memEventLog) Append(ctx context.Context, event *events.DomainEvent) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, event)
	return event.ID, nil
}

func (m *memEventLog) Get(ctx context.Context, filter events.Filter) ([]*events.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*events.DomainEvent
	for _, e := range m.rows {
		if filter.EventType != "" && e.Type != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memEventLog) GetAggregate(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]*events.DomainEvent, error) {
	return nil, nil
}

func (m *memEventLog) Snapshot(ctx context.Context, aggregateID uuid.UUID, aggregateType string, data models.JSONMap, version int) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (m *memEventLog) LatestSnapshot(ctx context.Context, aggregateID uuid.UUID) (*events.DomainEvent, error) {
	return nil, nil
}

func (m *memEventLog) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	return nil
}

func (m *memEventLog) typesSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.rows))
	for i, e := range m.rows {
		out[i] = e.Type
	}
	return out
}

func (m *memEventLog) hasType(eventType string) bool {
	for _, t := range m.typesSeen() {
		if t == eventType {
			return true
		}
	}
	return false
}

type memBus struct {
	mu        sync.Mutex
	published []*events.DomainEvent
}

func (m *memBus) Publish(ctx context.Context, event *events.DomainEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, event)
}

func (m *memBus) Subscribe(eventType string, handler events.Handler) {}
func (m *memBus) Close()                                             {}

// fixture bundles the fakes behind ready-to-use services.
type fixture struct {
	clock    *memClock
	tasks    *memTasks
	subtasks *memSubtasks
	branches *memBranches
	projects *memProjects
	agents   *memAgents
	tokens   *memTokens
	contexts *memContexts
	log      *memEventLog
	bus      *memBus

	projectID uuid.UUID
	branchID  uuid.UUID
}

func newFixture() *fixture {
	clock := newMemClock()
	f := &fixture{
		clock:    clock,
		tasks:    newMemTasks(clock),
		subtasks: newMemSubtasks(clock),
		branches: newMemBranches(),
		projects: newMemProjects(),
		agents:   newMemAgents(),
		tokens:   newMemTokens(),
		contexts: newMemContexts(),
		log:      &memEventLog{},
		bus:      &memBus{},
	}

	project := &models.Project{ID: uuid.New(), Name: "apollo", Status: models.ProjectStatusActive}
	_ = f.projects.Create(context.Background(), project)
	f.projectID = project.ID

	branch := &models.Branch{ID: uuid.New(), ProjectID: project.ID, Name: "main", Status: models.StatusInProgress, Priority: models.PriorityMedium}
	_ = f.branches.Create(context.Background(), branch)
	f.branchID = branch.ID
	return f
}

func (f *fixture) taskService() *TaskService {
	return NewTaskService(ServiceConfig{}, f.tasks, f.subtasks, f.branches, f.contexts, nil, f.log, f.bus)
}

func (f *fixture) subtaskService() *SubtaskService {
	return NewSubtaskService(ServiceConfig{}, f.subtasks, f.tasks, f.log, f.bus)
}

func (f *fixture) agentService() *AgentService {
	return NewAgentService(ServiceConfig{}, f.agents, f.branches, f.projects, f.log, f.bus)
}

func (f *fixture) tokenService() *TokenService {
	return NewTokenService(ServiceConfig{}, f.tokens, nil, f.log, f.bus)
}

// seedTask inserts a task row directly, bypassing service validation.
func (f *fixture) seedTask(status models.Status, priority models.Priority, title string) *models.Task {
	task := &models.Task{
		ID:       uuid.New(),
		BranchID: f.branchID,
		Title:    title,
		Status:   status,
		Priority: priority,
	}
	if err := f.tasks.Create(context.Background(), task); err != nil {
		panic(err)
	}
	return task
}

func (f *fixture) seedBranch(name string) *models.Branch {
	branch := &models.Branch{
		ID:        uuid.New(),
		ProjectID: f.projectID,
		Name:      name,
		Status:    models.StatusInProgress,
		Priority:  models.PriorityMedium,
	}
	if err := f.branches.Create(context.Background(), branch); err != nil {
		panic(err)
	}
	return branch
}

func (f *fixture) seedSubtask(taskID uuid.UUID, status models.Status, title string) *models.Subtask {
	subtask := &models.Subtask{
		ID:       uuid.New(),
		TaskID:   taskID,
		Title:    title,
		Status:   status,
		Priority: models.PriorityMedium,
	}
	if err := f.subtasks.Create(context.Background(), subtask); err != nil {
		panic(err)
	}
	return subtask
}
