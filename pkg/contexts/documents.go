package contexts

import (
	"github.com/taskhub/taskhub/pkg/models"
)

// Each tier contributes one document to resolution: its free-form data plus
// the named sections folded in under their own keys.

func contribution(data models.JSONMap, sections map[string]models.JSONMap) map[string]interface{} {
	doc := deepCopyMap(data)
	for name, section := range sections {
		if len(section) == 0 {
			continue
		}
		if existing, ok := asMap(doc[name]); ok {
			doc[name] = Merge(existing, section)
		} else {
			doc[name] = deepCopyMap(section)
		}
	}
	return doc
}

func globalSections(gc *models.GlobalContext) map[string]models.JSONMap {
	return map[string]models.JSONMap{
		"autonomous_rules":   gc.AutonomousRules,
		"security_policies":  gc.SecurityPolicies,
		"coding_standards":   gc.CodingStandards,
		"workflow_templates": gc.WorkflowTemplates,
		"delegation_rules":   gc.DelegationRules,
	}
}

func projectSections(pc *models.ProjectContext) map[string]models.JSONMap {
	return map[string]models.JSONMap{
		"team_preferences": pc.TeamPreferences,
		"technology_stack": pc.TechnologyStack,
		"project_workflow": pc.ProjectWorkflow,
		"local_standards":  pc.LocalStandards,
		"global_overrides": pc.GlobalOverrides,
		"delegation_rules": pc.DelegationRules,
	}
}

func branchSections(bc *models.BranchContext) map[string]models.JSONMap {
	return map[string]models.JSONMap{
		"branch_workflow":  bc.BranchWorkflow,
		"feature_flags":    bc.FeatureFlags,
		"active_patterns":  bc.ActivePatterns,
		"local_overrides":  bc.LocalOverrides,
		"delegation_rules": bc.DelegationRules,
	}
}

func taskSections(tc *models.TaskContext) map[string]models.JSONMap {
	return map[string]models.JSONMap{
		"task_data":            tc.TaskData,
		"execution_context":    tc.ExecutionContext,
		"discovered_patterns":  tc.DiscoveredPatterns,
		"local_decisions":      tc.LocalDecisions,
		"delegation_queue":     tc.DelegationQueue,
		"local_overrides":      tc.LocalOverrides,
		"implementation_notes": tc.ImplementationNotes,
		"delegation_triggers":  tc.DelegationTriggers,
	}
}

func globalDoc(gc *models.GlobalContext) map[string]interface{} {
	return contribution(gc.Data, globalSections(gc))
}

func projectDoc(pc *models.ProjectContext) map[string]interface{} {
	return contribution(pc.Data, projectSections(pc))
}

func branchDoc(bc *models.BranchContext) map[string]interface{} {
	return contribution(bc.Data, branchSections(bc))
}

func taskDoc(tc *models.TaskContext) map[string]interface{} {
	return contribution(tc.Data, taskSections(tc))
}

func globalView(gc *models.GlobalContext) *View {
	return &View{
		Level:     models.ContextLevelGlobal,
		ID:        gc.ID,
		ContextID: gc.ID,
		Data:      globalDoc(gc),
		Version:   gc.Version,
		CreatedAt: gc.CreatedAt,
		UpdatedAt: gc.UpdatedAt,
	}
}

func projectView(pc *models.ProjectContext) *View {
	return &View{
		Level:               models.ContextLevelProject,
		ID:                  pc.ProjectID,
		ContextID:           pc.ID,
		Data:                projectDoc(pc),
		InheritanceDisabled: pc.InheritanceDisabled,
		Version:             pc.Version,
		CreatedAt:           pc.CreatedAt,
		UpdatedAt:           pc.UpdatedAt,
	}
}

func branchView(bc *models.BranchContext) *View {
	return &View{
		Level:               models.ContextLevelBranch,
		ID:                  bc.BranchID,
		ContextID:           bc.ID,
		Data:                branchDoc(bc),
		InheritanceDisabled: bc.InheritanceDisabled,
		Version:             bc.Version,
		CreatedAt:           bc.CreatedAt,
		UpdatedAt:           bc.UpdatedAt,
	}
}

func taskView(tc *models.TaskContext) *View {
	return &View{
		Level:               models.ContextLevelTask,
		ID:                  tc.TaskID,
		ContextID:           tc.ID,
		Data:                taskDoc(tc),
		InheritanceDisabled: tc.InheritanceDisabled,
		ForceLocalOnly:      tc.ForceLocalOnly,
		Version:             tc.Version,
		CreatedAt:           tc.CreatedAt,
		UpdatedAt:           tc.UpdatedAt,
	}
}

// Patch application. Map-valued patch keys naming a section merge into that
// section; the inheritance flags are settable as booleans; everything else
// merges into the data document. The patch itself is never mutated.

func applyGlobalPatch(gc *models.GlobalContext, patch models.JSONMap) {
	rest := models.JSONMap{}
	for k, v := range patch {
		if vm, ok := asMap(v); ok {
			switch k {
			case "autonomous_rules":
				gc.AutonomousRules = Merge(gc.AutonomousRules, vm)
				continue
			case "security_policies":
				gc.SecurityPolicies = Merge(gc.SecurityPolicies, vm)
				continue
			case "coding_standards":
				gc.CodingStandards = Merge(gc.CodingStandards, vm)
				continue
			case "workflow_templates":
				gc.WorkflowTemplates = Merge(gc.WorkflowTemplates, vm)
				continue
			case "delegation_rules":
				gc.DelegationRules = Merge(gc.DelegationRules, vm)
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		gc.Data = Merge(gc.Data, rest)
	}
}

func applyProjectPatch(pc *models.ProjectContext, patch models.JSONMap) {
	rest := models.JSONMap{}
	for k, v := range patch {
		if k == "inheritance_disabled" {
			if b, ok := v.(bool); ok {
				pc.InheritanceDisabled = b
				continue
			}
		}
		if vm, ok := asMap(v); ok {
			switch k {
			case "team_preferences":
				pc.TeamPreferences = Merge(pc.TeamPreferences, vm)
				continue
			case "technology_stack":
				pc.TechnologyStack = Merge(pc.TechnologyStack, vm)
				continue
			case "project_workflow":
				pc.ProjectWorkflow = Merge(pc.ProjectWorkflow, vm)
				continue
			case "local_standards":
				pc.LocalStandards = Merge(pc.LocalStandards, vm)
				continue
			case "global_overrides":
				pc.GlobalOverrides = Merge(pc.GlobalOverrides, vm)
				continue
			case "delegation_rules":
				pc.DelegationRules = Merge(pc.DelegationRules, vm)
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		pc.Data = Merge(pc.Data, rest)
	}
}

func applyBranchPatch(bc *models.BranchContext, patch models.JSONMap) {
	rest := models.JSONMap{}
	for k, v := range patch {
		if k == "inheritance_disabled" {
			if b, ok := v.(bool); ok {
				bc.InheritanceDisabled = b
				continue
			}
		}
		if vm, ok := asMap(v); ok {
			switch k {
			case "branch_workflow":
				bc.BranchWorkflow = Merge(bc.BranchWorkflow, vm)
				continue
			case "feature_flags":
				bc.FeatureFlags = Merge(bc.FeatureFlags, vm)
				continue
			case "active_patterns":
				bc.ActivePatterns = Merge(bc.ActivePatterns, vm)
				continue
			case "local_overrides":
				bc.LocalOverrides = Merge(bc.LocalOverrides, vm)
				continue
			case "delegation_rules":
				bc.DelegationRules = Merge(bc.DelegationRules, vm)
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		bc.Data = Merge(bc.Data, rest)
	}
}

func applyTaskPatch(tc *models.TaskContext, patch models.JSONMap) {
	rest := models.JSONMap{}
	for k, v := range patch {
		if b, ok := v.(bool); ok {
			if k == "inheritance_disabled" {
				tc.InheritanceDisabled = b
				continue
			}
			if k == "force_local_only" {
				tc.ForceLocalOnly = b
				continue
			}
		}
		if vm, ok := asMap(v); ok {
			switch k {
			case "task_data":
				tc.TaskData = Merge(tc.TaskData, vm)
				continue
			case "execution_context":
				tc.ExecutionContext = Merge(tc.ExecutionContext, vm)
				continue
			case "discovered_patterns":
				tc.DiscoveredPatterns = Merge(tc.DiscoveredPatterns, vm)
				continue
			case "local_decisions":
				tc.LocalDecisions = Merge(tc.LocalDecisions, vm)
				continue
			case "delegation_queue":
				tc.DelegationQueue = Merge(tc.DelegationQueue, vm)
				continue
			case "local_overrides":
				tc.LocalOverrides = Merge(tc.LocalOverrides, vm)
				continue
			case "implementation_notes":
				tc.ImplementationNotes = Merge(tc.ImplementationNotes, vm)
				continue
			case "delegation_triggers":
				tc.DelegationTriggers = Merge(tc.DelegationTriggers, vm)
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		tc.Data = Merge(tc.Data, rest)
	}
}
