package models

import (
	"time"

	"github.com/google/uuid"
)

// HintType classifies a workflow hint
type HintType string

const (
	HintTypeRecommendation HintType = "recommendation"
	HintTypeWarning        HintType = "warning"
	HintTypeOpportunity    HintType = "opportunity"
	HintTypeBlocker        HintType = "blocker"
)

// IsValid reports whether h names a recognised hint type.
func (h HintType) IsValid() bool {
	switch h {
	case HintTypeRecommendation, HintTypeWarning, HintTypeOpportunity, HintTypeBlocker:
		return true
	}
	return false
}

// ImpactLevel grades how much a hint matters
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// Weight maps the impact to the urgency factor used for ranking.
func (i ImpactLevel) Weight() float64 {
	switch i {
	case ImpactLow:
		return 0.25
	case ImpactMedium:
		return 0.5
	case ImpactHigh:
		return 0.75
	case ImpactCritical:
		return 1.0
	default:
		return 0.25
	}
}

// Hint is an actionable workflow suggestion produced by a rule. Hints are
// ephemeral unless accepted.
type Hint struct {
	ID                 uuid.UUID   `json:"id"`
	TaskID             uuid.UUID   `json:"task_id"`
	Type               HintType    `json:"type"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Impact             ImpactLevel `json:"impact"`
	SuggestedActions   StringArray `json:"suggested_actions"`
	AffectedObjectives StringArray `json:"affected_objectives,omitempty"`
	AffectedTasks      []uuid.UUID `json:"affected_tasks,omitempty"`
	SourceRule         string      `json:"source_rule"`
	EffectivenessScore float64     `json:"effectiveness_score"`
	CreatedAt          time.Time   `json:"created_at"`
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
	Metadata           JSONMap     `json:"metadata,omitempty"`
}

// UrgencyScore combines impact weight with expiry proximity: x1.5 when the
// hint expires within a day, x1.2 within a week, capped at 1.0.
func (h *Hint) UrgencyScore(now time.Time) float64 {
	score := h.Impact.Weight()
	if h.ExpiresAt != nil {
		until := h.ExpiresAt.Sub(now)
		switch {
		case until <= 24*time.Hour:
			score *= 1.5
		case until <= 7*24*time.Hour:
			score *= 1.2
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
