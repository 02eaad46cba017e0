package hints

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// Engine errors surfaced to the orchestration layer.
var (
	ErrHintNotFound  = errors.New("hint not found")
	ErrScoreRange    = errors.New("feedback score must be between 0 and 1")
	ErrStoreRequired = errors.New("hint feedback requires an event store")
)

// Feedback replay bounds for Hydrate.
const (
	feedbackReplayWindow = 30 * 24 * time.Hour
	feedbackReplayLimit  = 5000
)

// ContextResolver yields the merged context document for an entity. It is
// satisfied by contexts.Engine.
type ContextResolver interface {
	Resolve(ctx context.Context, level models.ContextLevel, id uuid.UUID) (*contexts.Resolution, error)
}

// Engine runs the registered rules against tasks, ranks the resulting
// hints and folds user feedback back into per-rule effectiveness.
type Engine struct {
	rules    []Rule
	tasks    interfaces.TaskRepository
	subtasks interfaces.SubtaskRepository
	resolver ContextResolver
	store    events.Store
	eff      *effectivenessTracker
	logger   observability.Logger
	tracer   observability.StartSpanFunc
	metrics  observability.MetricsClient
}

// NewEngine creates a hint engine; pass no rules to get StandardRules.
// The resolver and event store may be nil, which disables context
// enrichment and feedback persistence respectively.
func NewEngine(
	taskRepo interfaces.TaskRepository,
	subtaskRepo interfaces.SubtaskRepository,
	resolver ContextResolver,
	store events.Store,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
	rules ...Rule,
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
	if len(rules) == 0 {
		rules = StandardRules()
	}

	return &Engine{
		rules:    rules,
		tasks:    taskRepo,
		subtasks: subtaskRepo,
		resolver: resolver,
		store:    store,
		eff:      newEffectivenessTracker(),
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// GenerateOptions narrows a generation pass.
type GenerateOptions struct {
	// Types keeps only hints of the listed types. Empty keeps everything.
	Types []models.HintType

	// Limit caps the ranked result. Zero means no cap.
	Limit int
}

// Generate runs every rule against the task and returns the surviving
// hints ranked by urgency, ties broken by rule effectiveness. One
// HintGenerated event is appended per returned hint.
func (e *Engine) Generate(ctx context.Context, taskID uuid.UUID, opts GenerateOptions) ([]*models.Hint, error) {
	ctx, span := e.tracer(ctx, "HintEngine.Generate")
	defer span.End()

	rc, err := e.buildRuleContext(ctx, taskID)
	if err != nil {
		return nil, err
	}

	hints := make([]*models.Hint, 0, len(e.rules))
	for _, rule := range e.rules {
		if !rule.IsApplicable(rc) {
			continue
		}
		h := rule.GenerateHint(rc)
		if h == nil {
			continue
		}
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		h.TaskID = rc.Task.ID
		h.SourceRule = rule.Name()
		h.EffectivenessScore = e.eff.score(rule.Name())
		if h.CreatedAt.IsZero() {
			h.CreatedAt = rc.Now
		}
		hints = append(hints, h)
		e.metrics.IncrementCounterWithLabels("hints_generated", 1, map[string]string{
			"rule": rule.Name(),
			"type": string(h.Type),
		})
	}

	hints = filterTypes(hints, opts.Types)
	rank(hints, rc.Now)
	if opts.Limit > 0 && len(hints) > opts.Limit {
		hints = hints[:opts.Limit]
	}

	userID := auth.GetUserID(ctx)
	for _, h := range hints {
		e.append(ctx, events.NewEvent(events.TypeHintGenerated, models.JSONMap{
			"hint_id":             h.ID.String(),
			"task_id":             h.TaskID.String(),
			"rule":                h.SourceRule,
			"hint_type":           string(h.Type),
			"impact":              string(h.Impact),
			"title":               h.Title,
			"effectiveness_score": h.EffectivenessScore,
		}).ForAggregate("Hint", h.ID, 1).ByUser(userID))
	}
	return hints, nil
}

// buildRuleContext loads everything the rules inspect: the task with its
// subtasks and dependencies, its neighbours, the merged context and the
// current effectiveness scores.
func (e *Engine) buildRuleContext(ctx context.Context, taskID uuid.UUID) (*RuleContext, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subtasks, err := e.subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load subtasks for hint generation")
	}
	task.Subtasks = subtasks
	deps, err := e.tasks.GetDependencies(ctx, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dependencies for hint generation")
	}
	task.Dependencies = deps

	related, err := e.loadRelated(ctx, task)
	if err != nil {
		return nil, err
	}

	rc := &RuleContext{
		Task:         task,
		RelatedTasks: related,
		Patterns:     e.eff.snapshot(),
		Now:          time.Now().UTC(),
	}
	if e.resolver != nil {
		res, err := e.resolver.Resolve(ctx, models.ContextLevelTask, taskID)
		if err != nil {
			e.logger.Warn("Failed to resolve task context for hint generation", map[string]interface{}{
				"task_id": taskID.String(),
				"error":   err.Error(),
			})
		} else {
			rc.TaskContext = res.Data
		}
	}
	return rc, nil
}

// loadRelated collects same-branch neighbours plus the targets of
// cross-branch dependencies. Unloadable dependency targets are skipped;
// the rules treat absent predecessors as unfinished.
func (e *Engine) loadRelated(ctx context.Context, task *models.Task) ([]*models.Task, error) {
	branch, err := e.tasks.ListByBranch(ctx, task.BranchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load branch tasks for hint generation")
	}

	out := make([]*models.Task, 0, len(branch))
	seen := map[uuid.UUID]bool{task.ID: true}
	for _, t := range branch {
		if t == nil || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	for _, dep := range task.Dependencies {
		if dep == nil || seen[dep.DependsOnTaskID] {
			continue
		}
		seen[dep.DependsOnTaskID] = true
		t, err := e.tasks.Get(ctx, dep.DependsOnTaskID)
		if err != nil {
			if !errors.Is(err, interfaces.ErrNotFound) {
				e.logger.Warn("Failed to load dependency target for hint generation", map[string]interface{}{
					"task_id":       task.ID.String(),
					"depends_on_id": dep.DependsOnTaskID.String(),
					"error":         err.Error(),
				})
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func filterTypes(hints []*models.Hint, types []models.HintType) []*models.Hint {
	if len(types) == 0 {
		return hints
	}
	keep := make(map[models.HintType]bool, len(types))
	for _, t := range types {
		keep[t] = true
	}
	out := hints[:0]
	for _, h := range hints {
		if keep[h.Type] {
			out = append(out, h)
		}
	}
	return out
}

// rank orders hints by urgency, breaking ties with rule effectiveness.
// The sort is stable, so equal hints keep rule registration order.
func rank(hints []*models.Hint, now time.Time) {
	sort.SliceStable(hints, func(i, j int) bool {
		ui, uj := hints[i].UrgencyScore(now), hints[j].UrgencyScore(now)
		if ui != uj {
			return ui > uj
		}
		return hints[i].EffectivenessScore > hints[j].EffectivenessScore
	})
}

// FeedbackResult reports the rule and score movement caused by one
// feedback call.
type FeedbackResult struct {
	HintID        uuid.UUID `json:"hint_id"`
	Rule          string    `json:"rule"`
	Action        string    `json:"action"`
	Effectiveness float64   `json:"effectiveness"`
}

// Accept records that the user acted on the hint.
func (e *Engine) Accept(ctx context.Context, hintID uuid.UUID) (*FeedbackResult, error) {
	return e.feedback(ctx, hintID, "accepted", 1.0, nil)
}

// Dismiss records that the user rejected the hint.
func (e *Engine) Dismiss(ctx context.Context, hintID uuid.UUID, reason string) (*FeedbackResult, error) {
	var extra models.JSONMap
	if reason != "" {
		extra = models.JSONMap{"reason": reason}
	}
	return e.feedback(ctx, hintID, "dismissed", 0.0, extra)
}

// Feedback records graded feedback. The optional score overrides the
// helpful flag as the signal strength.
func (e *Engine) Feedback(ctx context.Context, hintID uuid.UUID, helpful bool, score *float64) (*FeedbackResult, error) {
	signal := 0.0
	if helpful {
		signal = 1.0
	}
	extra := models.JSONMap{"helpful": helpful}
	if score != nil {
		if *score < 0 || *score > 1 {
			return nil, ErrScoreRange
		}
		signal = *score
		extra["score"] = *score
	}
	return e.feedback(ctx, hintID, "feedback", signal, extra)
}

// feedback persists the event first and only then moves the in-memory
// average, so replayed history and live state cannot drift apart.
func (e *Engine) feedback(ctx context.Context, hintID uuid.UUID, action string, signal float64, extra models.JSONMap) (*FeedbackResult, error) {
	ctx, span := e.tracer(ctx, "HintEngine.Feedback")
	defer span.End()

	if e.store == nil {
		return nil, ErrStoreRequired
	}
	rule, err := e.ruleFor(ctx, hintID)
	if err != nil {
		return nil, err
	}

	data := models.JSONMap{
		"hint_id": hintID.String(),
		"rule":    rule,
		"action":  action,
		"signal":  signal,
	}
	for k, v := range extra {
		data[k] = v
	}
	ev := events.NewEvent(events.TypeHintFeedback, data).
		ForAggregate("Hint", hintID, 1).
		ByUser(auth.GetUserID(ctx))
	if _, err := e.store.Append(ctx, ev); err != nil {
		return nil, errors.Wrap(err, "failed to record hint feedback")
	}

	eff := e.eff.apply(rule, signal)
	e.metrics.IncrementCounterWithLabels("hint_feedback", 1, map[string]string{
		"rule":   rule,
		"action": action,
	})
	return &FeedbackResult{HintID: hintID, Rule: rule, Action: action, Effectiveness: eff}, nil
}

// ruleFor recovers the producing rule from the hint's generation event.
// Hints are ephemeral; the event log is their only durable record.
func (e *Engine) ruleFor(ctx context.Context, hintID uuid.UUID) (string, error) {
	evs, err := e.store.GetAggregate(ctx, hintID, 0)
	if err != nil {
		return "", errors.Wrap(err, "failed to load hint history")
	}
	for _, ev := range evs {
		if ev.Type != events.TypeHintGenerated {
			continue
		}
		if rule, ok := ev.Data["rule"].(string); ok && rule != "" {
			return rule, nil
		}
	}
	return "", ErrHintNotFound
}

// Hydrate replays recent feedback events so effectiveness scores survive
// restarts. Missing history is not an error.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	since := time.Now().UTC().Add(-feedbackReplayWindow)
	evs, err := e.store.Get(ctx, events.Filter{
		EventType: events.TypeHintFeedback,
		Since:     &since,
		Limit:     feedbackReplayLimit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to load hint feedback history")
	}

	applied := 0
	for _, ev := range evs {
		rule, _ := ev.Data["rule"].(string)
		signal, ok := asFloat(ev.Data["signal"])
		if rule == "" || !ok {
			continue
		}
		e.eff.apply(rule, signal)
		applied++
	}
	if applied > 0 {
		e.logger.Info("Hydrated hint effectiveness from feedback history", map[string]interface{}{
			"events": applied,
		})
	}
	return nil
}

// Stats reports the standing of every registered rule in registration
// order.
func (e *Engine) Stats() []RuleStats {
	out := make([]RuleStats, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleStats{
			Rule:          r.Name(),
			Effectiveness: e.eff.score(r.Name()),
			FeedbackCount: e.eff.updateCount(r.Name()),
		})
	}
	return out
}

func (e *Engine) append(ctx context.Context, ev *events.DomainEvent) {
	if e.store == nil {
		return
	}
	if _, err := e.store.Append(ctx, ev); err != nil {
		e.logger.Warn("Failed to record hint event", map[string]interface{}{
			"event_type": ev.Type,
			"error":      err.Error(),
		})
	}
}

// asFloat tolerates the numeric types a JSON round trip can produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
