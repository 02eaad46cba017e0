package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

const (
	// stalledBranchAfter is how long a branch with open tasks may sit
	// without any task update before the health check flags it.
	stalledBranchAfter = 7 * 24 * time.Hour

	// healthCheckFanout bounds the concurrent branch loads.
	healthCheckFanout = 4

	// cleanupPace caps obsolete-task deletions per second so maintenance
	// never starves the request path.
	cleanupPace = rate.Limit(10)

	// defaultCleanupAge is the cutoff when the caller gives none.
	defaultCleanupAge = 30 * 24 * time.Hour
)

// ContextMaterialiser is the slice of the context engine the project
// service drives: materialising project contexts on creation and sweeping
// the resolution cache during cleanup. *contexts.Engine implements it.
type ContextMaterialiser interface {
	Create(ctx context.Context, level models.ContextLevel, id uuid.UUID, data models.JSONMap, parentID *uuid.UUID) (*contexts.View, error)
	SweepCache(ctx context.Context) (int64, error)
}

// TaskRemover is the slice of the task service maintenance uses to delete
// tasks with their full cleanup semantics. *TaskService implements it.
type TaskRemover interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProjectService owns projects and their branches, plus the maintenance
// operations: health checks, obsolete cleanup and integrity validation.
type ProjectService struct {
	BaseService
	projects interfaces.ProjectRepository
	branches interfaces.BranchRepository
	tasks    interfaces.TaskRepository
	agents   interfaces.AgentRepository
	contexts interfaces.ContextRepository
	engine   ContextMaterialiser
	remover  TaskRemover
}

// NewProjectService wires the project service. engine and remover may be
// nil in tests; the dependent steps are then skipped.
func NewProjectService(
	cfg ServiceConfig,
	projects interfaces.ProjectRepository,
	branches interfaces.BranchRepository,
	tasks interfaces.TaskRepository,
	agents interfaces.AgentRepository,
	contextRepo interfaces.ContextRepository,
	engine ContextMaterialiser,
	remover TaskRemover,
	store events.Store,
	publisher events.Publisher,
) *ProjectService {
	return &ProjectService{
		BaseService: newBaseService(cfg, store, publisher),
		projects:    projects,
		branches:    branches,
		tasks:       tasks,
		agents:      agents,
		contexts:    contextRepo,
		engine:      engine,
		remover:     remover,
	}
}

// CreateProjectInput carries the fields accepted when creating a project.
type CreateProjectInput struct {
	Name        string
	Description string
	Metadata    models.JSONMap
}

// Create stores a new active project and materialises its project-level
// context. A context failure is logged, not fatal: the row can be created
// on demand later.
func (s *ProjectService) Create(ctx context.Context, in CreateProjectInput) (project *models.Project, err error) {
	ctx, span := s.tracer(ctx, "ProjectService.Create")
	defer span.End()
	defer func() { s.count("project_operations", "create", err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required", Expected: "non-empty string"}
	}

	project = &models.Project{
		ID:          uuid.New(),
		Name:        name,
		Description: in.Description,
		Status:      models.ProjectStatusActive,
		Metadata:    in.Metadata,
	}
	if err = s.projects.Create(ctx, project); err != nil {
		return nil, err
	}

	if s.engine != nil {
		if _, cerr := s.engine.Create(ctx, models.ContextLevelProject, project.ID, nil, nil); cerr != nil {
			s.logger.Warn("Failed to materialise project context", map[string]interface{}{
				"project_id": project.ID.String(),
				"error":      cerr.Error(),
			})
		}
	}

	s.emit(ctx, events.NewEvent(events.TypeProjectCreated, models.JSONMap{
		"project_id": project.ID.String(),
		"name":       project.Name,
	}).ForAggregate("Project", project.ID, project.Version).ByUser(auth.GetUserID(ctx)))

	s.logger.Info("Project created", map[string]interface{}{
		"project_id": project.ID.String(),
		"name":       project.Name,
	})
	return project, nil
}

// Get returns a project with its branches attached.
func (s *ProjectService) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	ctx, span := s.tracer(ctx, "ProjectService.Get")
	defer span.End()

	project, err := s.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.Branches, err = s.branches.ListByProject(ctx, id); err != nil {
		return nil, err
	}
	return project, nil
}

// UpdateProjectInput is a partial update; nil fields are left untouched.
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Status      *models.ProjectStatus
	Metadata    models.JSONMap
}

// Update applies a partial update to a project.
func (s *ProjectService) Update(ctx context.Context, id uuid.UUID, in UpdateProjectInput) (project *models.Project, err error) {
	ctx, span := s.tracer(ctx, "ProjectService.Update")
	defer span.End()
	defer func() { s.count("project_operations", "update", err) }()

	project, err = s.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := project.Version

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("name", "name cannot be empty")
		}
		project.Name = name
	}
	if in.Description != nil {
		project.Description = *in.Description
	}
	if in.Status != nil {
		if !in.Status.IsValid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown project status %q", *in.Status), Expected: "active|archived"}
		}
		project.Status = *in.Status
	}
	if in.Metadata != nil {
		project.Metadata = in.Metadata
	}

	if err = s.projects.UpdateWithVersion(ctx, project, expected); err != nil {
		return nil, err
	}
	return project, nil
}

// List returns projects matching the filters.
func (s *ProjectService) List(ctx context.Context, filters interfaces.ProjectFilters) ([]*models.Project, error) {
	ctx, span := s.tracer(ctx, "ProjectService.List")
	defer span.End()
	return s.projects.List(ctx, filters)
}

// CreateBranchInput carries the fields accepted when creating a branch.
type CreateBranchInput struct {
	ProjectID   uuid.UUID
	Name        string
	Description string
	Priority    models.Priority
}

// CreateBranch stores a new branch workspace under a project. Names are
// unique within the project.
func (s *ProjectService) CreateBranch(ctx context.Context, in CreateBranchInput) (branch *models.Branch, err error) {
	ctx, span := s.tracer(ctx, "ProjectService.CreateBranch")
	defer span.End()
	defer func() { s.count("project_operations", "create_branch", err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required", Expected: "non-empty string"}
	}
	if in.ProjectID == uuid.Nil {
		return nil, &ValidationError{Field: "project_id", Message: "project_id is required", Expected: "uuid"}
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", in.Priority), Expected: "low|medium|high|urgent|critical"}
	}
	if _, err = s.projects.Get(ctx, in.ProjectID); err != nil {
		return nil, errors.Wrapf(err, "project %s", in.ProjectID)
	}

	branch = &models.Branch{
		ID:          uuid.New(),
		ProjectID:   in.ProjectID,
		Name:        name,
		Description: in.Description,
		Status:      models.StatusTodo,
		Priority:    priority,
	}
	if err = s.branches.Create(ctx, branch); err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeBranchCreated, models.JSONMap{
		"branch_id":  branch.ID.String(),
		"project_id": branch.ProjectID.String(),
		"name":       branch.Name,
	}).ForAggregate("Branch", branch.ID, branch.Version).ByUser(auth.GetUserID(ctx)))
	return branch, nil
}

// GetBranch returns a single branch.
func (s *ProjectService) GetBranch(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	ctx, span := s.tracer(ctx, "ProjectService.GetBranch")
	defer span.End()
	return s.branches.Get(ctx, id)
}

// ListBranches returns the branches of a project.
func (s *ProjectService) ListBranches(ctx context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	ctx, span := s.tracer(ctx, "ProjectService.ListBranches")
	defer span.End()
	return s.branches.ListByProject(ctx, projectID)
}

// UpdateBranchInput is a partial branch update; nil fields are untouched.
type UpdateBranchInput struct {
	Name        *string
	Description *string
	Status      *models.Status
	Priority    *models.Priority
	Metadata    models.JSONMap
}

// UpdateBranch applies a partial update to a branch.
func (s *ProjectService) UpdateBranch(ctx context.Context, id uuid.UUID, in UpdateBranchInput) (branch *models.Branch, err error) {
	ctx, span := s.tracer(ctx, "ProjectService.UpdateBranch")
	defer span.End()
	defer func() { s.count("project_operations", "update_branch", err) }()

	branch, err = s.branches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := branch.Version

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("name", "name cannot be empty")
		}
		branch.Name = name
	}
	if in.Description != nil {
		branch.Description = *in.Description
	}
	if in.Status != nil {
		if !in.Status.IsValid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *in.Status), Expected: "todo|in_progress|blocked|review|testing|done|cancelled"}
		}
		branch.Status = *in.Status
	}
	if in.Priority != nil {
		if !in.Priority.IsValid() {
			return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *in.Priority), Expected: "low|medium|high|urgent|critical"}
		}
		branch.Priority = *in.Priority
	}
	if in.Metadata != nil {
		branch.Metadata = in.Metadata
	}

	if err = s.branches.UpdateWithVersion(ctx, branch, expected); err != nil {
		return nil, err
	}
	return branch, nil
}

// DeleteBranch removes a branch; its tasks and contexts go with it through
// the schema's cascades.
func (s *ProjectService) DeleteBranch(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.tracer(ctx, "ProjectService.DeleteBranch")
	defer span.End()
	defer func() { s.count("project_operations", "delete_branch", err) }()

	return s.branches.Delete(ctx, id)
}

// HealthCheck inspects a project: branch and task counts, dangling
// dependencies, stalled branches, context coverage and agent load. Branch
// loads fan out concurrently.
func (s *ProjectService) HealthCheck(ctx context.Context, projectID uuid.UUID) (*models.ProjectHealth, error) {
	ctx, span := s.tracer(ctx, "ProjectService.HealthCheck")
	defer span.End()

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	branches, err := s.branches.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	allTasks, err := s.tasks.List(ctx, interfaces.TaskFilters{})
	if err != nil {
		return nil, err
	}
	knownIDs := make(map[uuid.UUID]bool, len(allTasks))
	for _, t := range allTasks {
		knownIDs[t.ID] = true
	}

	health := &models.ProjectHealth{
		ProjectID:   projectID,
		BranchCount: len(branches),
		AgentLoad:   map[string]int{},
		CheckedAt:   time.Now().UTC(),
	}

	var (
		mu             sync.Mutex
		unassignedBusy int
		withContext    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckFanout)
	for _, branch := range branches {
		branch := branch
		g.Go(func() error {
			tasks, err := s.tasks.ListByBranch(gctx, branch.ID)
			if err != nil {
				return errors.Wrapf(err, "branch %s", branch.ID)
			}
			ids := make([]uuid.UUID, len(tasks))
			for i, t := range tasks {
				ids[i] = t.ID
			}
			edges, err := s.tasks.GetDependenciesForTasks(gctx, ids)
			if err != nil {
				return errors.Wrapf(err, "branch %s dependencies", branch.ID)
			}

			var (
				completed  int
				open       int
				lastTouch  time.Time
				contextful int
				orphaned   []uuid.UUID
			)
			for _, t := range tasks {
				if t.Status == models.StatusDone {
					completed++
				}
				if !t.IsTerminal() {
					open++
				}
				if t.UpdatedAt.After(lastTouch) {
					lastTouch = t.UpdatedAt
				}
				if t.ContextID != nil {
					contextful++
				}
				for _, d := range edges[t.ID] {
					if !knownIDs[d.DependsOnTaskID] {
						orphaned = append(orphaned, t.ID)
						break
					}
				}
			}

			mu.Lock()
			defer mu.Unlock()
			health.TaskCount += len(tasks)
			health.CompletedTasks += completed
			withContext += contextful
			health.OrphanedTasks = append(health.OrphanedTasks, orphaned...)
			if open > 0 && time.Since(lastTouch) > stalledBranchAfter {
				health.StalledBranches = append(health.StalledBranches, branch.ID)
			}
			if open > 0 && branch.AssignedAgentID == nil {
				unassignedBusy++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agents, err := s.agents.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	assigned := map[uuid.UUID]int{}
	for _, b := range branches {
		if b.AssignedAgentID != nil {
			assigned[*b.AssignedAgentID]++
		}
	}
	for _, a := range agents {
		health.AgentLoad[a.Name] = assigned[a.ID]
	}

	health.ContextCoverage = 1
	if health.TaskCount > 0 {
		health.ContextCoverage = float64(withContext) / float64(health.TaskCount)
	}
	health.Healthy = len(health.OrphanedTasks) == 0 && len(health.StalledBranches) == 0

	if len(health.OrphanedTasks) > 0 {
		health.Recommendations = append(health.Recommendations,
			fmt.Sprintf("%d task(s) reference dependencies that no longer exist; remove the dangling edges.", len(health.OrphanedTasks)))
	}
	if len(health.StalledBranches) > 0 {
		health.Recommendations = append(health.Recommendations,
			fmt.Sprintf("%d branch(es) have had no task updates for over %d days.", len(health.StalledBranches), int(stalledBranchAfter.Hours()/24)))
	}
	if health.TaskCount > 0 && health.ContextCoverage < 0.5 {
		health.Recommendations = append(health.Recommendations,
			fmt.Sprintf("Only %.0f%% of tasks carry a context; create task contexts to improve guidance.", health.ContextCoverage*100))
	}
	if unassignedBusy > 0 {
		health.Recommendations = append(health.Recommendations,
			fmt.Sprintf("%d branch(es) with open tasks have no assigned agent; consider rebalance_agents.", unassignedBusy))
	}

	s.metrics.RecordGauge("project_health_score", boolToFloat(health.Healthy), map[string]string{"project_id": projectID.String()})
	return health, nil
}

// CleanupReport summarises a cleanup_obsolete run.
type CleanupReport struct {
	TasksRemoved        int       `json:"tasks_removed"`
	CacheEntriesRemoved int64     `json:"cache_entries_removed"`
	Cutoff              time.Time `json:"cutoff"`
}

// CleanupObsolete removes terminal tasks untouched since the cutoff and
// sweeps expired context-cache rows. Deletions are paced so maintenance
// cannot starve the request path. Context rows never orphan here: the
// schema cascades them with their entities.
func (s *ProjectService) CleanupObsolete(ctx context.Context, projectID uuid.UUID, olderThan time.Duration) (*CleanupReport, error) {
	ctx, span := s.tracer(ctx, "ProjectService.CleanupObsolete")
	defer span.End()

	if olderThan <= 0 {
		olderThan = defaultCleanupAge
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	branches, err := s.branches.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{Cutoff: cutoff}
	limiter := rate.NewLimiter(cleanupPace, 1)
	for _, branch := range branches {
		tasks, err := s.tasks.ListByBranch(ctx, branch.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if !t.IsTerminal() || !t.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return report, err
			}
			if s.remover == nil {
				err = s.tasks.Delete(ctx, t.ID)
			} else {
				err = s.remover.Delete(ctx, t.ID)
			}
			if err != nil {
				return report, errors.Wrapf(err, "task %s", t.ID)
			}
			report.TasksRemoved++
		}
		if err := s.branches.RecalculateTaskCounts(ctx, branch.ID); err != nil {
			return report, err
		}
	}

	if s.engine != nil {
		removed, err := s.engine.SweepCache(ctx)
		if err != nil {
			s.logger.Warn("Cache sweep failed during cleanup", map[string]interface{}{"error": err.Error()})
		} else {
			report.CacheEntriesRemoved = removed
		}
	}

	s.logger.Info("Obsolete cleanup finished", map[string]interface{}{
		"project_id":    projectID.String(),
		"tasks_removed": report.TasksRemoved,
	})
	return report, nil
}

// IntegrityReport summarises a validate_integrity run.
type IntegrityReport struct {
	Valid              bool        `json:"valid"`
	Cycle              []uuid.UUID `json:"dependency_cycle,omitempty"`
	MissingParents     []string    `json:"missing_context_parents,omitempty"`
	CountersReconciled int         `json:"counters_reconciled"`
}

// ValidateIntegrity checks the dependency graph for cycles, verifies the
// context tree has no missing parents and reconciles the branch task
// counters from the tasks table.
func (s *ProjectService) ValidateIntegrity(ctx context.Context, projectID uuid.UUID) (*IntegrityReport, error) {
	ctx, span := s.tracer(ctx, "ProjectService.ValidateIntegrity")
	defer span.End()

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	report := &IntegrityReport{}

	// Cycles can cross project boundaries through cross-branch edges, so
	// the scan covers the user's whole graph.
	allTasks, err := s.tasks.List(ctx, interfaces.TaskFilters{})
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(allTasks))
	for i, t := range allTasks {
		ids[i] = t.ID
	}
	edges, err := s.tasks.GetDependenciesForTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	report.Cycle = newDependencyGraph(edges).findCycle()

	branches, err := s.branches.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	_, projectCtxErr := s.contexts.GetProject(ctx, projectID)
	projectCtxMissing := errors.Is(projectCtxErr, interfaces.ErrNotFound)
	if projectCtxErr != nil && !projectCtxMissing {
		return nil, projectCtxErr
	}

	for _, branch := range branches {
		branchCtxMissing := false
		if _, err := s.contexts.GetBranch(ctx, branch.ID); err != nil {
			if !errors.Is(err, interfaces.ErrNotFound) {
				return nil, err
			}
			branchCtxMissing = true
		}
		if !branchCtxMissing && projectCtxMissing {
			report.MissingParents = append(report.MissingParents,
				fmt.Sprintf("branch %s has a context but project %s has none", branch.ID, projectID))
		}

		tasks, err := s.tasks.ListByBranch(ctx, branch.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.ContextID != nil && branchCtxMissing {
				report.MissingParents = append(report.MissingParents,
					fmt.Sprintf("task %s has a context but branch %s has none", t.ID, branch.ID))
			}
		}

		if err := s.branches.RecalculateTaskCounts(ctx, branch.ID); err != nil {
			return nil, err
		}
		report.CountersReconciled++
	}

	report.Valid = len(report.Cycle) == 0 && len(report.MissingParents) == 0
	return report, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
