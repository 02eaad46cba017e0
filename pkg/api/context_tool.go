package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/models"
)

type contextOps interface {
	Resolve(ctx context.Context, level models.ContextLevel, id uuid.UUID) (*contexts.Resolution, error)
	Create(ctx context.Context, level models.ContextLevel, id uuid.UUID, data models.JSONMap, parentID *uuid.UUID) (*contexts.View, error)
	Update(ctx context.Context, level models.ContextLevel, id uuid.UUID, patch models.JSONMap) (*contexts.View, error)
	Delete(ctx context.Context, level models.ContextLevel, id uuid.UUID) error
	Delegate(ctx context.Context, req contexts.DelegationRequest) (*models.ContextDelegation, error)
	AddInsight(ctx context.Context, level models.ContextLevel, id uuid.UUID, in contexts.Insight) (*contexts.View, error)
	AddProgress(ctx context.Context, level models.ContextLevel, id uuid.UUID, p contexts.ProgressEntry) (*contexts.View, error)
}

type contextRequest struct {
	Action      string                 `json:"action"`
	Level       string                 `json:"level" validate:"omitempty,oneof=global project branch task"`
	ID          string                 `json:"id" validate:"omitempty,uuid"`
	Data        map[string]interface{} `json:"data"`
	Patch       map[string]interface{} `json:"patch"`
	ParentID    string                 `json:"parent_id" validate:"omitempty,uuid"`
	TargetLevel string                 `json:"target_level" validate:"omitempty,oneof=global project branch"`
	TargetID    string                 `json:"target_id" validate:"omitempty,uuid"`
	Reason      string                 `json:"reason"`
	Trigger     string                 `json:"trigger" validate:"omitempty,oneof=manual auto_pattern auto_threshold"`
	Confidence  *float64               `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	Category    string                 `json:"category"`
	Content     string                 `json:"content"`
	Agent       string                 `json:"agent"`
	Importance  string                 `json:"importance" validate:"omitempty,oneof=low medium high critical"`
	ActionTaken string                 `json:"action_taken"`
}

// entityID resolves the addressed entity. The global level has exactly one
// context per user, so its id may be omitted.
func (r *contextRequest) entityID(level models.ContextLevel) (uuid.UUID, *toolError) {
	if strings.TrimSpace(r.ID) == "" {
		if level == models.ContextLevelGlobal {
			return uuid.Nil, nil
		}
		return uuid.Nil, errMissingField("id", "a UUID string", "The "+string(level)+" whose context to address.")
	}
	return parseUUID("id", r.ID)
}

func (s *Server) contextAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req contextRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	level := models.ContextLevel(req.Level)
	id, te := req.entityID(level)
	if te != nil {
		return nil, nil, te
	}

	switch action {
	case "create":
		parentID, te := parseOptionalUUID("parent_id", req.ParentID)
		if te != nil {
			return nil, nil, te
		}
		view, err := s.deps.Contexts.Create(ctx, level, id, models.JSONMap(req.Data), parentID)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"context": view},
			guide("Lower levels now inherit this document; check the merged result with resolve."), nil

	case "get", "resolve":
		resolution, err := s.deps.Contexts.Resolve(ctx, level, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"context": resolution}, nil, nil

	case "update":
		patch := models.JSONMap(req.Patch)
		if patch == nil {
			patch = models.JSONMap(req.Data)
		}
		if len(patch) == 0 {
			return nil, nil, errMissingField("patch", "a JSON object", "The keys to merge into the context document.")
		}
		view, err := s.deps.Contexts.Update(ctx, level, id, patch)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"context": view}, nil, nil

	case "delete":
		if err := s.deps.Contexts.Delete(ctx, level, id); err != nil {
			return nil, nil, err
		}
		return gin.H{"deleted": true, "level": level, "id": id}, nil, nil

	case "delegate":
		targetLevel := models.ContextLevel(req.TargetLevel)
		var targetID uuid.UUID
		if strings.TrimSpace(req.TargetID) != "" {
			targetID, te = parseUUID("target_id", req.TargetID)
			if te != nil {
				return nil, nil, te
			}
		} else if targetLevel != models.ContextLevelGlobal {
			return nil, nil, errMissingField("target_id", "a UUID string", "The "+req.TargetLevel+" receiving the pattern.")
		}
		trigger := models.TriggerType(req.Trigger)
		if req.Trigger == "" {
			trigger = models.TriggerManual
		}
		delegation, err := s.deps.Contexts.Delegate(ctx, contexts.DelegationRequest{
			SourceLevel: level,
			SourceID:    id,
			TargetLevel: targetLevel,
			TargetID:    targetID,
			Data:        models.JSONMap(req.Data),
			Reason:      req.Reason,
			Trigger:     trigger,
			Confidence:  req.Confidence,
		})
		if err != nil {
			return nil, nil, err
		}
		var guidance *Guidance
		if !delegation.AutoDelegated {
			guidance = guide("The delegation is queued; it applies once approved.")
		}
		return gin.H{"delegation": delegation}, guidance, nil

	case "add_insight":
		view, err := s.deps.Contexts.AddInsight(ctx, level, id, contexts.Insight{
			Category:   req.Category,
			Content:    req.Content,
			Agent:      req.Agent,
			Importance: req.Importance,
		})
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"context": view}, nil, nil

	case "add_progress":
		view, err := s.deps.Contexts.AddProgress(ctx, level, id, contexts.ProgressEntry{
			Action:  req.ActionTaken,
			Content: req.Content,
			Agent:   req.Agent,
		})
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"context": view}, nil, nil
	}
	return nil, nil, errUnknownAction(s.contextSchema, action)
}
