package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
	"github.com/taskhub/taskhub/pkg/repository/types"
)

// SubtaskService owns subtask lifecycle and keeps the parent task's stored
// progress in step with its subtasks on every change.
type SubtaskService struct {
	BaseService
	subtasks interfaces.SubtaskRepository
	tasks    interfaces.TaskRepository
}

// NewSubtaskService wires the subtask service over user-scoped
// repositories.
func NewSubtaskService(
	cfg ServiceConfig,
	subtasks interfaces.SubtaskRepository,
	tasks interfaces.TaskRepository,
	store events.Store,
	publisher events.Publisher,
) *SubtaskService {
	return &SubtaskService{
		BaseService: newBaseService(cfg, store, publisher),
		subtasks:    subtasks,
		tasks:       tasks,
	}
}

// CreateSubtaskInput carries the fields accepted when creating a subtask.
type CreateSubtaskInput struct {
	TaskID      uuid.UUID
	Title       string
	Description string
	Priority    models.Priority
	Assignees   []string
}

// Create stores a new subtask under an open parent task and recomputes the
// parent's progress.
func (s *SubtaskService) Create(ctx context.Context, in CreateSubtaskInput) (subtask *models.Subtask, err error) {
	ctx, span := s.tracer(ctx, "SubtaskService.Create")
	defer span.End()
	defer func() { s.count("subtask_operations", "create", err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "title is required", Expected: "non-empty string"}
	}
	if in.TaskID == uuid.Nil {
		return nil, &ValidationError{Field: "task_id", Message: "task_id is required", Expected: "uuid"}
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", in.Priority), Expected: "low|medium|high|urgent|critical"}
	}
	parent, err := s.tasks.Get(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if parent.IsTerminal() {
		return nil, &ValidationError{
			Field:   "task_id",
			Message: fmt.Sprintf("cannot add subtasks to a %s task", parent.Status),
			Hint:    "Reopen the task or create a new one",
		}
	}

	subtask = &models.Subtask{
		ID:          uuid.New(),
		TaskID:      in.TaskID,
		Title:       title,
		Description: in.Description,
		Status:      models.StatusTodo,
		Priority:    priority,
		Assignees:   dedupeStrings(in.Assignees),
	}
	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.subtasks.WithTx(tx).Create(ctx, subtask); err != nil {
			return err
		}
		return s.rollupParent(ctx, tx, in.TaskID)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeSubtaskCreated, models.JSONMap{
		"subtask_id": subtask.ID.String(),
		"task_id":    subtask.TaskID.String(),
		"title":      subtask.Title,
	}).ForAggregate("Subtask", subtask.ID, subtask.Version).ByUser(auth.GetUserID(ctx)))
	return subtask, nil
}

// Get returns a single subtask.
func (s *SubtaskService) Get(ctx context.Context, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := s.tracer(ctx, "SubtaskService.Get")
	defer span.End()
	return s.subtasks.Get(ctx, id)
}

// List returns subtasks matching the filters.
func (s *SubtaskService) List(ctx context.Context, filters interfaces.SubtaskFilters) ([]*models.Subtask, error) {
	ctx, span := s.tracer(ctx, "SubtaskService.List")
	defer span.End()
	return s.subtasks.List(ctx, filters)
}

// UpdateSubtaskInput is a partial update; nil fields are left untouched.
type UpdateSubtaskInput struct {
	Title              *string
	Description        *string
	Status             *models.Status
	Priority           *models.Priority
	Assignees          *[]string
	ProgressPercentage *int
	ProgressNotes      *string
	Blockers           *string
	CompletionSummary  *string
	ImpactOnParent     *string
	InsightsFound      *[]string
}

// Update applies a partial update. Status changes follow the same
// transition table as tasks; moving into done requires a completion
// summary and records progress as 100.
func (s *SubtaskService) Update(ctx context.Context, id uuid.UUID, in UpdateSubtaskInput) (subtask *models.Subtask, err error) {
	ctx, span := s.tracer(ctx, "SubtaskService.Update")
	defer span.End()
	defer func() { s.count("subtask_operations", "update", err) }()

	subtask, err = s.subtasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := subtask.Version
	from := subtask.Status

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, NewValidationError("title", "title cannot be empty")
		}
		subtask.Title = title
	}
	if in.Description != nil {
		subtask.Description = *in.Description
	}
	if in.Priority != nil {
		if !in.Priority.IsValid() {
			return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *in.Priority), Expected: "low|medium|high|urgent|critical"}
		}
		subtask.Priority = *in.Priority
	}
	if in.Assignees != nil {
		subtask.Assignees = dedupeStrings(*in.Assignees)
	}
	if in.ProgressPercentage != nil {
		if *in.ProgressPercentage < 0 || *in.ProgressPercentage > 100 {
			return nil, &ValidationError{Field: "progress_percentage", Message: "progress must be between 0 and 100", Expected: "0..100"}
		}
		subtask.ProgressPercentage = *in.ProgressPercentage
	}
	if in.ProgressNotes != nil {
		subtask.ProgressNotes = *in.ProgressNotes
	}
	if in.Blockers != nil {
		subtask.Blockers = *in.Blockers
	}
	if in.CompletionSummary != nil {
		subtask.CompletionSummary = strings.TrimSpace(*in.CompletionSummary)
	}
	if in.ImpactOnParent != nil {
		subtask.ImpactOnParent = *in.ImpactOnParent
	}
	if in.InsightsFound != nil {
		subtask.InsightsFound = dedupeStrings(*in.InsightsFound)
	}

	if in.Status != nil && *in.Status != subtask.Status {
		if err = s.applyTransition(subtask, *in.Status); err != nil {
			return nil, err
		}
	}

	err = runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.subtasks.WithTx(tx).UpdateWithVersion(ctx, subtask, expected); err != nil {
			return err
		}
		return s.rollupParent(ctx, tx, subtask.TaskID)
	})
	if err != nil {
		return nil, err
	}

	if subtask.Status == models.StatusDone && from != models.StatusDone {
		s.emit(ctx, events.NewEvent(events.TypeSubtaskCompleted, models.JSONMap{
			"subtask_id":         subtask.ID.String(),
			"task_id":            subtask.TaskID.String(),
			"completion_summary": subtask.CompletionSummary,
		}).ForAggregate("Subtask", subtask.ID, subtask.Version).ByUser(auth.GetUserID(ctx)))
	}
	return subtask, nil
}

// Complete moves a subtask to done with the given summary.
func (s *SubtaskService) Complete(ctx context.Context, id uuid.UUID, summary string) (*models.Subtask, error) {
	ctx, span := s.tracer(ctx, "SubtaskService.Complete")
	defer span.End()

	done := models.StatusDone
	return s.Update(ctx, id, UpdateSubtaskInput{Status: &done, CompletionSummary: &summary})
}

// Delete removes a subtask and recomputes the parent's progress.
func (s *SubtaskService) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.tracer(ctx, "SubtaskService.Delete")
	defer span.End()
	defer func() { s.count("subtask_operations", "delete", err) }()

	subtask, err := s.subtasks.Get(ctx, id)
	if err != nil {
		return err
	}
	return runInTx(ctx, s.tasks.BeginTx, func(tx types.Transaction) error {
		if err := s.subtasks.WithTx(tx).Delete(ctx, id); err != nil {
			return err
		}
		return s.rollupParent(ctx, tx, subtask.TaskID)
	})
}

// applyTransition mutates the subtask for a status change. Subtasks share
// the task transition table but carry no dependency guard.
func (s *SubtaskService) applyTransition(subtask *models.Subtask, to models.Status) error {
	if !to.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to), Expected: "todo|in_progress|blocked|review|testing|done|cancelled"}
	}
	if !allowedTransition(subtask.Status, to) {
		return &TransitionError{From: subtask.Status, To: to}
	}
	if to == models.StatusDone {
		if subtask.CompletionSummary == "" {
			return &ValidationError{
				Field:    "completion_summary",
				Message:  "completion_summary is required to complete a subtask",
				Expected: "non-empty string",
			}
		}
		now := time.Now().UTC()
		subtask.CompletedAt = &now
		subtask.ProgressPercentage = 100
	}
	subtask.Status = to
	return nil
}

// rollupParent recomputes the parent task's progress from its remaining
// subtasks inside tx. Parents without subtasks keep their stored value.
func (s *SubtaskService) rollupParent(ctx context.Context, tx types.Transaction, taskID uuid.UUID) error {
	subs, err := s.subtasks.WithTx(tx).ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	repo := s.tasks.WithTx(tx)
	task, err := repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.ProgressPercentage = models.RollupProgress(subs)
	return repo.Update(ctx, task)
}
