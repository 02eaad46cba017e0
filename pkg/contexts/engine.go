package contexts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// Engine errors surfaced to the orchestration layer.
var (
	ErrLevelInvalid  = errors.New("context level is not recognised")
	ErrParentMissing = errors.New("parent context does not exist")
	ErrGlobalDelete  = errors.New("global context cannot be deleted")
	ErrBadDelegation = errors.New("delegation source must be below its target")
)

// DefaultOrganization names the auto-materialised global context when the
// user has never written one.
const DefaultOrganization = "Default Organization"

// Config holds the engine tunables.
type Config struct {
	Cache               CacheConfig
	DefaultOrganization string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Cache:               DefaultCacheConfig(),
		DefaultOrganization: DefaultOrganization,
	}
}

// Engine resolves, mutates and delegates hierarchical contexts. All
// operations act on behalf of the user carried in the request context; the
// repositories it is built with are expected to be tenant-scoped.
type Engine struct {
	cfg      Config
	contexts interfaces.ContextRepository
	projects interfaces.ProjectRepository
	branches interfaces.BranchRepository
	tasks    interfaces.TaskRepository
	store    events.Store
	cache    *resolveCache
	logger   observability.Logger
	tracer   observability.StartSpanFunc
	metrics  observability.MetricsClient
}

// NewEngine creates a context engine. The event store may be nil, in which
// case lifecycle events are not recorded.
func NewEngine(
	contextRepo interfaces.ContextRepository,
	cacheRepo interfaces.ContextCacheRepository,
	projectRepo interfaces.ProjectRepository,
	branchRepo interfaces.BranchRepository,
	taskRepo interfaces.TaskRepository,
	store events.Store,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
	cfg Config,
) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache = DefaultCacheConfig()
	}
	if cfg.DefaultOrganization == "" {
		cfg.DefaultOrganization = DefaultOrganization
	}

	return &Engine{
		cfg:      cfg,
		contexts: contextRepo,
		projects: projectRepo,
		branches: branchRepo,
		tasks:    taskRepo,
		store:    store,
		cache:    newResolveCache(cacheRepo, contextRepo, logger, metrics, cfg.Cache),
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Resolution is a fully merged context document together with its
// inheritance metadata. Instances returned by Resolve may be shared between
// concurrent callers and must be treated as read-only.
type Resolution struct {
	Level      models.ContextLevel `json:"level"`
	ID         uuid.UUID           `json:"id"`
	Data       models.JSONMap      `json:"data"`
	Chain      []string            `json:"chain"`
	Depth      int                 `json:"inheritance_depth"`
	ResolvedAt time.Time           `json:"resolved_at"`

	Refs             []interfaces.ContextRef `json:"-"`
	DependenciesHash string                  `json:"-"`
	FromCache        bool                    `json:"-"`
}

// View is the stored form of a single context row, independent of its
// level. ID is the entity the context describes; for global contexts the
// row is its own entity.
type View struct {
	Level               models.ContextLevel `json:"level"`
	ID                  uuid.UUID           `json:"id"`
	ContextID           uuid.UUID           `json:"context_id"`
	Data                models.JSONMap      `json:"data"`
	InheritanceDisabled bool                `json:"inheritance_disabled,omitempty"`
	ForceLocalOnly      bool                `json:"force_local_only,omitempty"`
	Version             int                 `json:"version"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Resolve walks the inheritance chain for the context at the given level
// and returns the merged document, serving from the resolution cache when
// the cached entry's dependency hash still matches the stored rows.
func (e *Engine) Resolve(ctx context.Context, level models.ContextLevel, id uuid.UUID) (*Resolution, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.Resolve")
	defer span.End()

	if !level.IsValid() {
		return nil, ErrLevelInvalid
	}
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return nil, interfaces.ErrAuthRequired
	}

	// Global contexts are addressed by user, not by the caller-supplied id.
	if level == models.ContextLevelGlobal {
		gc, err := e.globalFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		id = gc.ID
	}

	return e.cache.getOrResolve(ctx, userID, level, id, func() (*Resolution, error) {
		return e.resolveFresh(ctx, userID, level, id)
	})
}

// chainLink is one tier of a resolution walk, ordered global first. doc is
// nil when the tier has no context row yet; the tier still participates in
// the chain so the cache can be invalidated when a row appears later.
type chainLink struct {
	ref        interfaces.ContextRef
	doc        map[string]interface{}
	disabled   bool
	forceLocal bool
}

func (e *Engine) resolveFresh(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID) (*Resolution, error) {
	chain, err := e.loadChain(ctx, userID, level, id)
	if err != nil {
		return nil, err
	}

	// inheritance_disabled truncates the walk at the deepest disabled tier;
	// force_local_only on the requested task keeps only that tier.
	start := 0
	for i, link := range chain {
		if link.disabled {
			start = i
		}
	}
	if chain[len(chain)-1].forceLocal {
		start = len(chain) - 1
	}
	contributing := chain[start:]

	merged := map[string]interface{}{}
	levels := make([]string, 0, len(contributing))
	for _, link := range contributing {
		levels = append(levels, string(link.ref.Level))
		if link.doc != nil {
			merged = Merge(merged, link.doc)
		}
	}
	merged["_inheritance"] = map[string]interface{}{
		"chain":             levels,
		"inheritance_depth": len(levels),
	}

	refs := make([]interfaces.ContextRef, len(chain))
	for i, link := range chain {
		refs[i] = link.ref
	}
	versions, err := e.contexts.GetVersions(ctx, refs)
	if err != nil {
		return nil, errors.Wrap(err, "loading context versions")
	}

	return &Resolution{
		Level:            level,
		ID:               id,
		Data:             merged,
		Chain:            levels,
		Depth:            len(levels),
		ResolvedAt:       time.Now().UTC(),
		Refs:             refs,
		DependenciesHash: hashVersions(refs, versions),
	}, nil
}

// loadChain builds the topological chain from global down to the requested
// context. Context rows may be absent at any tier below global; the chain
// then carries the tier with an empty contribution. The entity the context
// describes must exist.
func (e *Engine) loadChain(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID) ([]chainLink, error) {
	gc, err := e.globalFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	global := chainLink{
		ref: interfaces.ContextRef{Level: models.ContextLevelGlobal, ID: gc.ID},
		doc: globalDoc(gc),
	}

	switch level {
	case models.ContextLevelGlobal:
		return []chainLink{global}, nil

	case models.ContextLevelProject:
		link, err := e.projectLink(ctx, id)
		if err != nil {
			return nil, err
		}
		return []chainLink{global, link}, nil

	case models.ContextLevelBranch:
		link, projectID, err := e.branchLink(ctx, id)
		if err != nil {
			return nil, err
		}
		plink, err := e.projectLink(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return []chainLink{global, plink, link}, nil

	case models.ContextLevelTask:
		link, branchID, err := e.taskLink(ctx, id)
		if err != nil {
			return nil, err
		}
		blink, projectID, err := e.branchLink(ctx, branchID)
		if err != nil {
			return nil, err
		}
		plink, err := e.projectLink(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return []chainLink{global, plink, blink, link}, nil
	}
	return nil, ErrLevelInvalid
}

func (e *Engine) projectLink(ctx context.Context, projectID uuid.UUID) (chainLink, error) {
	ref := interfaces.ContextRef{Level: models.ContextLevelProject, ID: projectID}
	pc, err := e.contexts.GetProject(ctx, projectID)
	if err == nil {
		return chainLink{ref: ref, doc: projectDoc(pc), disabled: pc.InheritanceDisabled}, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return chainLink{}, err
	}
	if _, err := e.projects.Get(ctx, projectID); err != nil {
		return chainLink{}, errors.Wrapf(err, "project %s", projectID)
	}
	return chainLink{ref: ref}, nil
}

func (e *Engine) branchLink(ctx context.Context, branchID uuid.UUID) (chainLink, uuid.UUID, error) {
	ref := interfaces.ContextRef{Level: models.ContextLevelBranch, ID: branchID}
	bc, err := e.contexts.GetBranch(ctx, branchID)
	if err == nil {
		return chainLink{ref: ref, doc: branchDoc(bc), disabled: bc.InheritanceDisabled}, bc.ParentProjectID, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return chainLink{}, uuid.Nil, err
	}
	branch, err := e.branches.Get(ctx, branchID)
	if err != nil {
		return chainLink{}, uuid.Nil, errors.Wrapf(err, "branch %s", branchID)
	}
	return chainLink{ref: ref}, branch.ProjectID, nil
}

func (e *Engine) taskLink(ctx context.Context, taskID uuid.UUID) (chainLink, uuid.UUID, error) {
	ref := interfaces.ContextRef{Level: models.ContextLevelTask, ID: taskID}
	tc, err := e.contexts.GetTask(ctx, taskID)
	if err == nil {
		return chainLink{
			ref:        ref,
			doc:        taskDoc(tc),
			disabled:   tc.InheritanceDisabled,
			forceLocal: tc.ForceLocalOnly,
		}, tc.ParentBranchID, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return chainLink{}, uuid.Nil, err
	}
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return chainLink{}, uuid.Nil, errors.Wrapf(err, "task %s", taskID)
	}
	return chainLink{ref: ref}, task.BranchID, nil
}

// globalFor returns the user's global context, materialising the default
// one on first access.
func (e *Engine) globalFor(ctx context.Context, userID string) (*models.GlobalContext, error) {
	gc, err := e.contexts.GetGlobalForUser(ctx, userID)
	if err == nil {
		return gc, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	gc = &models.GlobalContext{
		ID:     uuid.New(),
		UserID: userID,
		Data: models.JSONMap{
			"organization_name": e.cfg.DefaultOrganization,
			"global_settings":   map[string]interface{}{},
		},
	}
	if err := e.contexts.CreateGlobal(ctx, gc); err != nil {
		// Concurrent first access; the other writer won.
		if errors.Is(err, interfaces.ErrDuplicate) {
			return e.contexts.GetGlobalForUser(ctx, userID)
		}
		return nil, err
	}
	return gc, nil
}

func hashVersions(refs []interfaces.ContextRef, versions map[interfaces.ContextRef]interfaces.ContextVersion) string {
	h := sha256.New()
	for _, ref := range refs {
		v, ok := versions[ref]
		if !ok {
			continue
		}
		fmt.Fprintf(h, "%s:%d:%t\n", ref.Key(), v.Version, v.InheritanceDisabled)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Create stores a new context row at the given level. The parent context
// must already exist, except for global which is the per-user root. For
// branch and task levels parentID overrides the parent derived from the
// entity when set.
func (e *Engine) Create(ctx context.Context, level models.ContextLevel, id uuid.UUID, data models.JSONMap, parentID *uuid.UUID) (*View, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.Create")
	defer span.End()

	if !level.IsValid() {
		return nil, ErrLevelInvalid
	}
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return nil, interfaces.ErrAuthRequired
	}
	if data == nil {
		data = models.JSONMap{}
	}

	var view *View
	switch level {
	case models.ContextLevelGlobal:
		gc := &models.GlobalContext{UserID: userID, Data: data}
		if id != uuid.Nil {
			gc.ID = id
		}
		if err := e.contexts.CreateGlobal(ctx, gc); err != nil {
			return nil, err
		}
		view = globalView(gc)

	case models.ContextLevelProject:
		if _, err := e.projects.Get(ctx, id); err != nil {
			return nil, errors.Wrapf(err, "project %s", id)
		}
		gc, err := e.globalFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		pc := &models.ProjectContext{ProjectID: id, ParentGlobalID: gc.ID, UserID: userID, Data: data}
		if err := e.contexts.CreateProject(ctx, pc); err != nil {
			return nil, err
		}
		view = projectView(pc)

	case models.ContextLevelBranch:
		branch, err := e.branches.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "branch %s", id)
		}
		projectID := branch.ProjectID
		if parentID != nil {
			projectID = *parentID
		}
		if _, err := e.contexts.GetProject(ctx, projectID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, errors.Wrapf(ErrParentMissing, "project context %s", projectID)
			}
			return nil, err
		}
		bc := &models.BranchContext{BranchID: id, ParentProjectID: projectID, UserID: userID, Data: data}
		if err := e.contexts.CreateBranch(ctx, bc); err != nil {
			return nil, err
		}
		view = branchView(bc)

	case models.ContextLevelTask:
		task, err := e.tasks.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", id)
		}
		branchID := task.BranchID
		if parentID != nil {
			branchID = *parentID
		}
		bc, err := e.contexts.GetBranch(ctx, branchID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, errors.Wrapf(ErrParentMissing, "branch context %s", branchID)
			}
			return nil, err
		}
		tc := &models.TaskContext{
			TaskID:                id,
			ParentBranchID:        branchID,
			ParentBranchContextID: &bc.ID,
			UserID:                userID,
			Data:                  data,
		}
		if err := e.contexts.CreateTask(ctx, tc); err != nil {
			return nil, err
		}
		task.ContextID = &tc.ID
		if err := e.tasks.Update(ctx, task); err != nil {
			e.logger.Warn("Failed to link task to its new context", map[string]interface{}{
				"task_id":    id.String(),
				"context_id": tc.ID.String(),
				"error":      err.Error(),
			})
		}
		view = taskView(tc)
	}

	ref := interfaces.ContextRef{Level: level, ID: view.ID}
	e.emit(ctx, userID, events.TypeContextCreated, ref, view.Version, models.JSONMap{
		"level":      string(level),
		"id":         view.ID.String(),
		"context_id": view.ContextID.String(),
	})
	e.cache.invalidateScope(ctx, userID, ref, "context_created")
	e.metrics.IncrementCounterWithLabels("context_operations", 1, map[string]string{"operation": "create", "level": string(level)})
	return view, nil
}

// Update merges a patch into the context at the given level and bumps its
// version. Patch keys naming a known section merge into that section; the
// rest merge into the data document. The inheritance flags are settable
// through the patch.
func (e *Engine) Update(ctx context.Context, level models.ContextLevel, id uuid.UUID, patch models.JSONMap) (*View, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.Update")
	defer span.End()

	view, userID, err := e.update(ctx, level, id, patch)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ref := interfaces.ContextRef{Level: level, ID: view.ID}
	e.emit(ctx, userID, events.TypeContextUpdated, ref, view.Version, models.JSONMap{
		"level":        string(level),
		"id":           view.ID.String(),
		"updated_keys": keys,
	})
	e.metrics.IncrementCounterWithLabels("context_operations", 1, map[string]string{"operation": "update", "level": string(level)})
	return view, nil
}

func (e *Engine) update(ctx context.Context, level models.ContextLevel, id uuid.UUID, patch models.JSONMap) (*View, string, error) {
	if !level.IsValid() {
		return nil, "", ErrLevelInvalid
	}
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return nil, "", interfaces.ErrAuthRequired
	}

	view, err := e.patchLevel(ctx, e.contexts, userID, level, id, patch)
	if err != nil {
		return nil, "", err
	}
	e.cache.invalidateScope(ctx, userID, interfaces.ContextRef{Level: level, ID: view.ID}, "context_updated")
	return view, userID, nil
}

// patchLevel loads, patches and writes back one context row using the
// given repository, which may be transaction-bound.
func (e *Engine) patchLevel(ctx context.Context, repo interfaces.ContextRepository, userID string, level models.ContextLevel, id uuid.UUID, patch models.JSONMap) (*View, error) {
	switch level {
	case models.ContextLevelGlobal:
		var gc *models.GlobalContext
		var err error
		if id == uuid.Nil {
			gc, err = repo.GetGlobalForUser(ctx, userID)
		} else {
			gc, err = repo.GetGlobal(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		expected := gc.Version
		applyGlobalPatch(gc, patch)
		if err := repo.UpdateGlobal(ctx, gc, expected); err != nil {
			return nil, err
		}
		return globalView(gc), nil

	case models.ContextLevelProject:
		pc, err := repo.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := pc.Version
		applyProjectPatch(pc, patch)
		if err := repo.UpdateProject(ctx, pc, expected); err != nil {
			return nil, err
		}
		return projectView(pc), nil

	case models.ContextLevelBranch:
		bc, err := repo.GetBranch(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := bc.Version
		applyBranchPatch(bc, patch)
		if err := repo.UpdateBranch(ctx, bc, expected); err != nil {
			return nil, err
		}
		return branchView(bc), nil

	case models.ContextLevelTask:
		tc, err := repo.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := tc.Version
		applyTaskPatch(tc, patch)
		if err := repo.UpdateTask(ctx, tc, expected); err != nil {
			return nil, err
		}
		return taskView(tc), nil
	}
	return nil, ErrLevelInvalid
}

// Delete removes a context row. Descendant context rows and cache entries
// go with it; the entity the context described is untouched. The global
// root cannot be deleted.
func (e *Engine) Delete(ctx context.Context, level models.ContextLevel, id uuid.UUID) error {
	ctx, span := e.tracer(ctx, "ContextEngine.Delete")
	defer span.End()

	if !level.IsValid() {
		return ErrLevelInvalid
	}
	if level == models.ContextLevelGlobal {
		return ErrGlobalDelete
	}
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return interfaces.ErrAuthRequired
	}

	var err error
	switch level {
	case models.ContextLevelProject:
		err = e.contexts.DeleteProject(ctx, id)
	case models.ContextLevelBranch:
		err = e.contexts.DeleteBranch(ctx, id)
	case models.ContextLevelTask:
		if err = e.contexts.DeleteTask(ctx, id); err == nil {
			e.unlinkTask(ctx, id)
		}
	}
	if err != nil {
		return err
	}

	ref := interfaces.ContextRef{Level: level, ID: id}
	e.emit(ctx, userID, events.TypeContextDeleted, ref, 0, models.JSONMap{
		"level": string(level),
		"id":    id.String(),
	})
	e.cache.invalidateScope(ctx, userID, ref, "context_deleted")
	e.metrics.IncrementCounterWithLabels("context_operations", 1, map[string]string{"operation": "delete", "level": string(level)})
	return nil
}

// unlinkTask drops the context pointer from the task row once its context is
// gone. The pointer is advisory, so failures only log.
func (e *Engine) unlinkTask(ctx context.Context, taskID uuid.UUID) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil || task.ContextID == nil {
		return
	}
	task.ContextID = nil
	if err := e.tasks.Update(ctx, task); err != nil {
		e.logger.Warn("Failed to unlink task context", map[string]interface{}{
			"task_id": taskID.String(),
			"error":   err.Error(),
		})
	}
}

// DelegationRequest asks for a pattern to be promoted from a lower tier to
// a higher one.
type DelegationRequest struct {
	SourceLevel models.ContextLevel `json:"source_level"`
	SourceID    uuid.UUID           `json:"source_id"`
	TargetLevel models.ContextLevel `json:"target_level"`
	TargetID    uuid.UUID           `json:"target_id"`
	Data        models.JSONMap      `json:"delegated_data"`
	Reason      string              `json:"delegation_reason,omitempty"`
	Trigger     models.TriggerType  `json:"trigger_type"`
	Confidence  *float64            `json:"confidence_score,omitempty"`
}

// Delegate records a delegation request. Manual delegations are queued for
// approval. Auto-triggered delegations with sufficient confidence are
// applied to the target immediately; the target patch and the delegation
// record commit in one transaction and descendant caches are invalidated
// after commit.
func (e *Engine) Delegate(ctx context.Context, req DelegationRequest) (*models.ContextDelegation, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.Delegate")
	defer span.End()

	if !req.SourceLevel.IsValid() || !req.TargetLevel.IsValid() {
		return nil, ErrLevelInvalid
	}
	if !req.SourceLevel.IsBelow(req.TargetLevel) {
		return nil, ErrBadDelegation
	}
	if !req.Trigger.IsValid() {
		return nil, errors.Wrapf(interfaces.ErrValidation, "unknown trigger type %q", req.Trigger)
	}
	if len(req.Data) == 0 {
		return nil, errors.Wrap(interfaces.ErrValidation, "delegated_data is required")
	}
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return nil, interfaces.ErrAuthRequired
	}

	d := &models.ContextDelegation{
		ID:               uuid.New(),
		UserID:           userID,
		SourceLevel:      req.SourceLevel,
		SourceID:         req.SourceID,
		TargetLevel:      req.TargetLevel,
		TargetID:         req.TargetID,
		DelegatedData:    req.Data,
		DelegationReason: req.Reason,
		TriggerType:      req.Trigger,
		AutoDelegated:    req.Trigger.IsAuto(),
		ConfidenceScore:  req.Confidence,
		CreatedAt:        time.Now().UTC(),
	}

	applied := d.AutoDelegated && req.Confidence != nil && *req.Confidence >= models.AutoApplyConfidence
	if applied {
		if err := e.applyDelegation(ctx, userID, d); err != nil {
			return nil, err
		}
		targetRef := interfaces.ContextRef{Level: d.TargetLevel, ID: d.TargetID}
		e.cache.invalidateScope(ctx, userID, targetRef, "delegation_applied")
	} else {
		if err := e.contexts.CreateDelegation(ctx, d); err != nil {
			return nil, err
		}
	}

	data := models.JSONMap{
		"source_level": string(d.SourceLevel),
		"source_id":    d.SourceID.String(),
		"target_level": string(d.TargetLevel),
		"target_id":    d.TargetID.String(),
		"trigger_type": string(d.TriggerType),
		"auto_applied": applied,
	}
	if d.ConfidenceScore != nil {
		data["confidence_score"] = *d.ConfidenceScore
	}
	ev := events.NewEvent(events.TypeContextDelegated, data).
		ForAggregate("ContextDelegation", d.ID, 1).
		ByUser(userID)
	e.append(ctx, ev)
	e.metrics.IncrementCounterWithLabels("context_delegations", 1, map[string]string{
		"trigger": string(d.TriggerType),
		"applied": fmt.Sprintf("%t", applied),
	})
	return d, nil
}

func (e *Engine) applyDelegation(ctx context.Context, userID string, d *models.ContextDelegation) error {
	tx, err := e.contexts.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning delegation transaction")
	}
	txRepo := e.contexts.WithTx(tx)

	now := time.Now().UTC()
	approved := true
	d.Processed = true
	d.Approved = &approved
	d.ProcessedAt = &now

	if _, err := e.patchLevel(ctx, txRepo, userID, d.TargetLevel, d.TargetID, d.DelegatedData); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := txRepo.CreateDelegation(ctx, d); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing delegation")
	}
	return nil
}

// Insight is a discovery recorded against a context.
type Insight struct {
	Category   string `json:"category,omitempty"`
	Content    string `json:"content"`
	Agent      string `json:"agent,omitempty"`
	Importance string `json:"importance,omitempty"`
}

// AddInsight appends a timestamped insight to the context's insight list.
func (e *Engine) AddInsight(ctx context.Context, level models.ContextLevel, id uuid.UUID, in Insight) (*View, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.AddInsight")
	defer span.End()

	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.Wrap(interfaces.ErrValidation, "insight content is required")
	}
	if in.Category == "" {
		in.Category = "general"
	}
	if in.Importance == "" {
		in.Importance = "medium"
	}

	entry := map[string]interface{}{
		"id":         uuid.New().String(),
		"category":   in.Category,
		"content":    in.Content,
		"importance": in.Importance,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if in.Agent != "" {
		entry["agent"] = in.Agent
	}

	view, userID, err := e.update(ctx, level, id, models.JSONMap{"insights": []interface{}{entry}})
	if err != nil {
		return nil, err
	}

	ref := interfaces.ContextRef{Level: level, ID: view.ID}
	e.emit(ctx, userID, events.TypeInsightAdded, ref, view.Version, models.JSONMap{
		"level":      string(level),
		"id":         view.ID.String(),
		"category":   in.Category,
		"importance": in.Importance,
	})
	return view, nil
}

// ProgressEntry is one progress note recorded against a context.
type ProgressEntry struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// AddProgress appends a timestamped progress note to the context's
// progress list.
func (e *Engine) AddProgress(ctx context.Context, level models.ContextLevel, id uuid.UUID, p ProgressEntry) (*View, error) {
	ctx, span := e.tracer(ctx, "ContextEngine.AddProgress")
	defer span.End()

	if strings.TrimSpace(p.Action) == "" {
		return nil, errors.Wrap(interfaces.ErrValidation, "progress action is required")
	}

	entry := map[string]interface{}{
		"id":        uuid.New().String(),
		"action":    p.Action,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if p.Content != "" {
		entry["content"] = p.Content
	}
	if p.Agent != "" {
		entry["agent"] = p.Agent
	}

	view, userID, err := e.update(ctx, level, id, models.JSONMap{"progress": []interface{}{entry}})
	if err != nil {
		return nil, err
	}

	ref := interfaces.ContextRef{Level: level, ID: view.ID}
	e.emit(ctx, userID, events.TypeProgressAdded, ref, view.Version, models.JSONMap{
		"level":  string(level),
		"id":     view.ID.String(),
		"action": p.Action,
	})
	return view, nil
}

// SweepCache removes expired and invalidated cache entries. Intended to be
// called from a background loop.
func (e *Engine) SweepCache(ctx context.Context) (int64, error) {
	return e.cache.sweep(ctx)
}

func (e *Engine) emit(ctx context.Context, userID, eventType string, ref interfaces.ContextRef, version int, data models.JSONMap) {
	ev := events.NewEvent(eventType, data).ForAggregate("Context", ref.ID, version).ByUser(userID)
	e.append(ctx, ev)
}

// append records an event best-effort; context mutations never fail on
// event store errors.
func (e *Engine) append(ctx context.Context, ev *events.DomainEvent) {
	if e.store == nil {
		return
	}
	if _, err := e.store.Append(ctx, ev); err != nil {
		e.logger.Warn("Failed to record context event", map[string]interface{}{
			"event_type": ev.Type,
			"error":      err.Error(),
		})
	}
}
