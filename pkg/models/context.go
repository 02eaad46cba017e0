package models

import (
	"time"

	"github.com/google/uuid"
)

// ContextLevel identifies one of the four hierarchy tiers.
type ContextLevel string

const (
	ContextLevelGlobal  ContextLevel = "global"
	ContextLevelProject ContextLevel = "project"
	ContextLevelBranch  ContextLevel = "branch"
	ContextLevelTask    ContextLevel = "task"
)

// ContextLevels lists the tiers from least to most specific.
var ContextLevels = []ContextLevel{
	ContextLevelGlobal,
	ContextLevelProject,
	ContextLevelBranch,
	ContextLevelTask,
}

// IsValid reports whether l names a recognised tier.
func (l ContextLevel) IsValid() bool {
	for _, v := range ContextLevels {
		if l == v {
			return true
		}
	}
	return false
}

// Depth returns the inheritance depth of the tier: global(1) through
// task(4). Unknown levels return 0.
func (l ContextLevel) Depth() int {
	for i, v := range ContextLevels {
		if l == v {
			return i + 1
		}
	}
	return 0
}

// Parent returns the next-higher tier, or false for global.
func (l ContextLevel) Parent() (ContextLevel, bool) {
	d := l.Depth()
	if d <= 1 {
		return "", false
	}
	return ContextLevels[d-2], true
}

// IsBelow reports whether l is more specific than other
// (task is below branch is below project is below global).
func (l ContextLevel) IsBelow(other ContextLevel) bool {
	return l.Depth() > other.Depth()
}

// GlobalContext is the per-user root of the hierarchy, auto-materialised on
// first access. Exactly one row per user.
type GlobalContext struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	OrganizationID *string   `json:"organization_id,omitempty" db:"organization_id"`

	Data              JSONMap `json:"data" db:"data"`
	AutonomousRules   JSONMap `json:"autonomous_rules,omitempty" db:"autonomous_rules"`
	SecurityPolicies  JSONMap `json:"security_policies,omitempty" db:"security_policies"`
	CodingStandards   JSONMap `json:"coding_standards,omitempty" db:"coding_standards"`
	WorkflowTemplates JSONMap `json:"workflow_templates,omitempty" db:"workflow_templates"`
	DelegationRules   JSONMap `json:"delegation_rules,omitempty" db:"delegation_rules"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GetUserID returns the owning user; empty for shared template rows
func (g *GlobalContext) GetUserID() string { return g.UserID }

// SetUserID stamps the owning user (implements Owned)
func (g *GlobalContext) SetUserID(id string) { g.UserID = id }

// IsSharedTemplate reports whether this is a system row readable by any user
func (g *GlobalContext) IsSharedTemplate() bool { return g.UserID == "" }

// ProjectContext is the project-tier context, created alongside its project.
type ProjectContext struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ProjectID      uuid.UUID `json:"project_id" db:"project_id"`
	ParentGlobalID uuid.UUID `json:"parent_global_id" db:"parent_global_id"`
	UserID         string    `json:"user_id" db:"user_id"`

	Data            JSONMap `json:"data" db:"data"`
	TeamPreferences JSONMap `json:"team_preferences,omitempty" db:"team_preferences"`
	TechnologyStack JSONMap `json:"technology_stack,omitempty" db:"technology_stack"`
	ProjectWorkflow JSONMap `json:"project_workflow,omitempty" db:"project_workflow"`
	LocalStandards  JSONMap `json:"local_standards,omitempty" db:"local_standards"`
	GlobalOverrides JSONMap `json:"global_overrides,omitempty" db:"global_overrides"`
	DelegationRules JSONMap `json:"delegation_rules,omitempty" db:"delegation_rules"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GetUserID returns the owning user (implements Owned)
func (p *ProjectContext) GetUserID() string { return p.UserID }

// SetUserID stamps the owning user (implements Owned)
func (p *ProjectContext) SetUserID(id string) { p.UserID = id }

// BranchContext is the branch-tier context, created on demand.
type BranchContext struct {
	ID              uuid.UUID `json:"id" db:"id"`
	BranchID        uuid.UUID `json:"branch_id" db:"branch_id"`
	ParentProjectID uuid.UUID `json:"parent_project_id" db:"parent_project_id"`
	UserID          string    `json:"user_id" db:"user_id"`

	Data            JSONMap `json:"data" db:"data"`
	BranchWorkflow  JSONMap `json:"branch_workflow,omitempty" db:"branch_workflow"`
	FeatureFlags    JSONMap `json:"feature_flags,omitempty" db:"feature_flags"`
	ActivePatterns  JSONMap `json:"active_patterns,omitempty" db:"active_patterns"`
	LocalOverrides  JSONMap `json:"local_overrides,omitempty" db:"local_overrides"`
	DelegationRules JSONMap `json:"delegation_rules,omitempty" db:"delegation_rules"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GetUserID returns the owning user (implements Owned)
func (b *BranchContext) GetUserID() string { return b.UserID }

// SetUserID stamps the owning user (implements Owned)
func (b *BranchContext) SetUserID(id string) { b.UserID = id }

// TaskContext is the most specific tier, created on demand per task.
type TaskContext struct {
	ID                    uuid.UUID `json:"id" db:"id"`
	TaskID                uuid.UUID `json:"task_id" db:"task_id"`
	ParentBranchID        uuid.UUID `json:"parent_branch_id" db:"parent_branch_id"`
	ParentBranchContextID *uuid.UUID `json:"parent_branch_context_id,omitempty" db:"parent_branch_context_id"`
	UserID                string    `json:"user_id" db:"user_id"`

	Data               JSONMap `json:"data" db:"data"`
	TaskData           JSONMap `json:"task_data,omitempty" db:"task_data"`
	ExecutionContext   JSONMap `json:"execution_context,omitempty" db:"execution_context"`
	DiscoveredPatterns JSONMap `json:"discovered_patterns,omitempty" db:"discovered_patterns"`
	LocalDecisions     JSONMap `json:"local_decisions,omitempty" db:"local_decisions"`
	DelegationQueue    JSONMap `json:"delegation_queue,omitempty" db:"delegation_queue"`
	LocalOverrides     JSONMap `json:"local_overrides,omitempty" db:"local_overrides"`
	ImplementationNotes JSONMap `json:"implementation_notes,omitempty" db:"implementation_notes"`
	DelegationTriggers JSONMap `json:"delegation_triggers,omitempty" db:"delegation_triggers"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`
	ForceLocalOnly      bool `json:"force_local_only" db:"force_local_only"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GetUserID returns the owning user (implements Owned)
func (t *TaskContext) GetUserID() string { return t.UserID }

// SetUserID stamps the owning user (implements Owned)
func (t *TaskContext) SetUserID(id string) { t.UserID = id }

// TriggerType classifies how a delegation was initiated
type TriggerType string

const (
	TriggerManual        TriggerType = "manual"
	TriggerAutoPattern   TriggerType = "auto_pattern"
	TriggerAutoThreshold TriggerType = "auto_threshold"
)

// IsAuto reports whether the trigger allows automatic application.
func (t TriggerType) IsAuto() bool {
	return t == TriggerAutoPattern || t == TriggerAutoThreshold
}

// IsValid reports whether t names a recognised trigger.
func (t TriggerType) IsValid() bool {
	return t == TriggerManual || t.IsAuto()
}

// AutoApplyConfidence is the minimum confidence at which an auto-triggered
// delegation is applied without human approval.
const AutoApplyConfidence = 0.8

// ContextDelegation records the promotion of a pattern from a lower tier to
// a higher one. Source must be below target.
type ContextDelegation struct {
	ID               uuid.UUID    `json:"id" db:"id"`
	UserID           string       `json:"user_id" db:"user_id"`
	SourceLevel      ContextLevel `json:"source_level" db:"source_level"`
	SourceID         uuid.UUID    `json:"source_id" db:"source_id"`
	TargetLevel      ContextLevel `json:"target_level" db:"target_level"`
	TargetID         uuid.UUID    `json:"target_id" db:"target_id"`
	DelegatedData    JSONMap      `json:"delegated_data" db:"delegated_data"`
	DelegationReason string       `json:"delegation_reason,omitempty" db:"delegation_reason"`
	TriggerType      TriggerType  `json:"trigger_type" db:"trigger_type"`
	AutoDelegated    bool         `json:"auto_delegated" db:"auto_delegated"`
	ConfidenceScore  *float64     `json:"confidence_score,omitempty" db:"confidence_score"`
	Processed        bool         `json:"processed" db:"processed"`
	Approved         *bool        `json:"approved,omitempty" db:"approved"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
}

// GetUserID returns the owning user (implements Owned)
func (d *ContextDelegation) GetUserID() string { return d.UserID }

// SetUserID stamps the owning user (implements Owned)
func (d *ContextDelegation) SetUserID(id string) { d.UserID = id }

// ContextCacheEntry is one row of the inheritance cache, unique per
// (context_id, context_level) per user. ResolvedContext holds the
// gzip-compressed resolution.
type ContextCacheEntry struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	UserID          string       `json:"user_id" db:"user_id"`
	ContextID       uuid.UUID    `json:"context_id" db:"context_id"`
	ContextLevel    ContextLevel `json:"context_level" db:"context_level"`
	ResolvedContext []byte       `json:"-" db:"resolved_context"`
	DependenciesHash string      `json:"dependencies_hash" db:"dependencies_hash"`
	ResolutionPath  string       `json:"resolution_path" db:"resolution_path"`
	ParentChain     StringArray  `json:"parent_chain" db:"parent_chain"`
	CacheSizeBytes  int          `json:"cache_size_bytes" db:"cache_size_bytes"`
	HitCount        int          `json:"hit_count" db:"hit_count"`
	LastHit         time.Time    `json:"last_hit" db:"last_hit"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at" db:"expires_at"`
	Invalidated     bool         `json:"invalidated" db:"invalidated"`
	InvalidationReason *string   `json:"invalidation_reason,omitempty" db:"invalidation_reason"`
}

// IsLive reports whether the entry may serve a read at the given instant.
func (e *ContextCacheEntry) IsLive(now time.Time) bool {
	return !e.Invalidated && !now.After(e.ExpiresAt)
}
