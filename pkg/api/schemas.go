package api

import (
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// toolSchema bundles what the dispatcher needs to vet a request before it
// reaches a handler: the action list, a JSON schema for argument types and
// the per-action required fields.
type toolSchema struct {
	tool        string
	description string
	primaryID   string
	actions     []string
	schema      *gojsonschema.Schema
	document    map[string]interface{}
	required    map[string][]requiredField
}

type requiredField struct {
	name     string
	expected string
	hint     string
}

func (ts *toolSchema) knows(action string) bool {
	for _, a := range ts.actions {
		if a == action {
			return true
		}
	}
	return false
}

// validateTypes checks the body against the tool's JSON schema. Only the
// first violation is reported; clients fix one field at a time anyway.
func (ts *toolSchema) validateTypes(body []byte) *toolError {
	result, err := ts.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errValidation("request body must be valid JSON")
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		field = ""
	}
	return errFieldValidation(field, first.Description(), "")
}

// checkRequired enforces the per-action required fields. The tool's
// canonical identifier also accepts the bare "id" alias.
func (ts *toolSchema) checkRequired(action string, raw rawRequest) *toolError {
	for _, rf := range ts.required[action] {
		if raw.hasValue(rf.name) {
			continue
		}
		if rf.name == ts.primaryID && raw.hasValue("id") {
			continue
		}
		return errMissingField(rf.name, rf.expected, rf.hint)
	}
	return nil
}

func errUnknownAction(ts *toolSchema, action string) *toolError {
	return &toolError{
		status: http.StatusBadRequest,
		body: ErrorBody{
			Message: "unknown action " + action + " for " + ts.tool,
			Code:    CodeUnknownAction,
			Field:   "action",
			Hint:    "Valid actions: " + strings.Join(ts.actions, ", ") + ".",
		},
	}
}

func mustSchema(doc map[string]interface{}) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		panic("api: invalid tool schema: " + err.Error())
	}
	return s
}

// Schema fragment builders. The documents double as the tool metadata
// served by GET /api/v1/tools, so they stay plain maps.

func schemaDoc(properties map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
}

func pString() map[string]interface{} { return map[string]interface{}{"type": "string"} }
func pBool() map[string]interface{}   { return map[string]interface{}{"type": "boolean"} }
func pNumber() map[string]interface{} { return map[string]interface{}{"type": "number"} }
func pInteger() map[string]interface{} {
	return map[string]interface{}{"type": "integer"}
}
func pObject() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func pUUID() map[string]interface{} {
	return map[string]interface{}{"type": "string", "format": "uuid"}
}
func pTime() map[string]interface{} {
	return map[string]interface{}{"type": "string", "format": "date-time"}
}
func pStringArray() map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
}
func pEnum(values ...string) map[string]interface{} {
	vs := make([]interface{}, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return map[string]interface{}{"type": "string", "enum": vs}
}

var (
	statusValues   = []string{"todo", "in_progress", "blocked", "review", "testing", "done", "cancelled"}
	priorityValues = []string{"low", "medium", "high", "urgent", "critical"}
	levelValues    = []string{"global", "project", "branch", "task"}
)

func newTaskSchema() *toolSchema {
	doc := schemaDoc(map[string]interface{}{
		"action":              pString(),
		"id":                  pUUID(),
		"task_id":             pUUID(),
		"branch_id":           pUUID(),
		"project_id":          pUUID(),
		"title":               pString(),
		"description":         pString(),
		"details":             pString(),
		"status":              pEnum(statusValues...),
		"priority":            pEnum(priorityValues...),
		"estimated_effort":    pString(),
		"testing_notes":       pString(),
		"completion_summary":  pString(),
		"progress_percentage": pNumber(),
		"assignees":           pStringArray(),
		"labels":              pStringArray(),
		"due_date":            pTime(),
		"clear_due_date":      pBool(),
		"depends_on":          pStringArray(),
		"depends_on_task_id":  pUUID(),
		"query":               pString(),
		"assignee":            pString(),
		"context_id":          pUUID(),
		"due_before":          pTime(),
		"created_after":       pTime(),
		"created_before":      pTime(),
		"limit":               pInteger(),
		"offset":              pInteger(),
		"include_context":     pBool(),
		"hint_id":             pUUID(),
		"hint_types":          pStringArray(),
		"helpful":             pBool(),
		"score":               pNumber(),
		"reason":              pString(),
	})
	return &toolSchema{
		tool:        "manage_task",
		description: "Create, query, advance and connect tasks; ask for the next actionable one.",
		primaryID:   "task_id",
		actions: []string{
			"create", "update", "get", "list", "search", "next", "complete", "delete",
			"add_dependency", "remove_dependency",
			"hints", "accept_hint", "dismiss_hint", "hint_feedback",
		},
		schema:   mustSchema(doc),
		document: doc,
		required: map[string][]requiredField{
			"create": {
				{"branch_id", "a UUID string", "Create a branch with manage_project(create_branch) first."},
				{"title", "a non-empty string", ""},
			},
			"update": {{"task_id", "a UUID string", ""}},
			"get":    {{"task_id", "a UUID string", ""}},
			"search": {{"query", "a non-empty string", "Matched against title, description and details."}},
			"complete": {
				{"task_id", "a UUID string", ""},
				{"completion_summary", "a non-empty string", "Summarise what was done; completions without a summary are rejected."},
			},
			"delete": {{"task_id", "a UUID string", ""}},
			"add_dependency": {
				{"task_id", "a UUID string", ""},
				{"depends_on_task_id", "a UUID string", "The task that must finish first."},
			},
			"remove_dependency": {
				{"task_id", "a UUID string", ""},
				{"depends_on_task_id", "a UUID string", ""},
			},
			"hints":        {{"task_id", "a UUID string", ""}},
			"accept_hint":  {{"hint_id", "a UUID string", ""}},
			"dismiss_hint": {{"hint_id", "a UUID string", ""}},
			"hint_feedback": {
				{"hint_id", "a UUID string", ""},
				{"helpful", "a boolean", ""},
			},
		},
	}
}

func newSubtaskSchema() *toolSchema {
	doc := schemaDoc(map[string]interface{}{
		"action":              pString(),
		"id":                  pUUID(),
		"subtask_id":          pUUID(),
		"task_id":             pUUID(),
		"title":               pString(),
		"description":         pString(),
		"status":              pEnum(statusValues...),
		"priority":            pEnum(priorityValues...),
		"assignees":           pStringArray(),
		"assignee_id":         pString(),
		"progress_percentage": pInteger(),
		"progress_notes":      pString(),
		"blockers":            pString(),
		"completion_summary":  pString(),
		"impact_on_parent":    pString(),
		"insights_found":      pStringArray(),
		"limit":               pInteger(),
		"offset":              pInteger(),
	})
	return &toolSchema{
		tool:        "manage_subtask",
		description: "Break a task into checklist items whose progress rolls up to the parent.",
		primaryID:   "subtask_id",
		actions:     []string{"create", "update", "get", "list", "complete", "delete"},
		schema:      mustSchema(doc),
		document:    doc,
		required: map[string][]requiredField{
			"create": {
				{"task_id", "a UUID string", "The parent task."},
				{"title", "a non-empty string", ""},
			},
			"update": {{"subtask_id", "a UUID string", ""}},
			"get":    {{"subtask_id", "a UUID string", ""}},
			"list":   {{"task_id", "a UUID string", "The parent task whose subtasks to list."}},
			"complete": {
				{"subtask_id", "a UUID string", ""},
				{"completion_summary", "a non-empty string", "Summarise what was done."},
			},
			"delete": {{"subtask_id", "a UUID string", ""}},
		},
	}
}

func newProjectSchema() *toolSchema {
	// status covers both project states and branch workspace states; the
	// service rejects values wrong for the specific action.
	doc := schemaDoc(map[string]interface{}{
		"action":          pString(),
		"id":              pUUID(),
		"project_id":      pUUID(),
		"branch_id":       pUUID(),
		"name":            pString(),
		"description":     pString(),
		"status":          pEnum(append([]string{"active", "archived"}, statusValues...)...),
		"priority":        pEnum(priorityValues...),
		"metadata":        pObject(),
		"older_than_days": pInteger(),
		"limit":           pInteger(),
		"offset":          pInteger(),
		"sort_by":         pString(),
		"sort_order":      pEnum("asc", "desc"),
	})
	return &toolSchema{
		tool:        "manage_project",
		description: "Projects and their branches, plus health, cleanup, integrity and rebalancing sweeps.",
		primaryID:   "project_id",
		actions: []string{
			"create", "get", "update", "list",
			"create_branch", "get_branch", "list_branches", "update_branch", "delete_branch",
			"project_health_check", "cleanup_obsolete", "validate_integrity", "rebalance_agents",
		},
		schema:   mustSchema(doc),
		document: doc,
		required: map[string][]requiredField{
			"create": {{"name", "a non-empty string", "Project names are unique per user."}},
			"get":    {{"project_id", "a UUID string", ""}},
			"update": {{"project_id", "a UUID string", ""}},
			"create_branch": {
				{"project_id", "a UUID string", ""},
				{"name", "a non-empty string", "Branch names are unique within the project."},
			},
			"get_branch":           {{"branch_id", "a UUID string", ""}},
			"list_branches":        {{"project_id", "a UUID string", ""}},
			"update_branch":        {{"branch_id", "a UUID string", ""}},
			"delete_branch":        {{"branch_id", "a UUID string", ""}},
			"project_health_check": {{"project_id", "a UUID string", ""}},
			"cleanup_obsolete":     {{"project_id", "a UUID string", ""}},
			"validate_integrity":   {{"project_id", "a UUID string", ""}},
			"rebalance_agents":     {{"project_id", "a UUID string", ""}},
		},
	}
}

func newContextSchema() *toolSchema {
	doc := schemaDoc(map[string]interface{}{
		"action":       pString(),
		"level":        pEnum(levelValues...),
		"id":           pUUID(),
		"data":         pObject(),
		"patch":        pObject(),
		"parent_id":    pUUID(),
		"target_level": pEnum(levelValues...),
		"target_id":    pUUID(),
		"reason":       pString(),
		"trigger":      pEnum("manual", "auto_pattern", "auto_threshold"),
		"confidence":   pNumber(),
		"category":     pString(),
		"content":      pString(),
		"agent":        pString(),
		"importance":   pEnum("low", "medium", "high", "critical"),
		"action_taken": pString(),
	})
	return &toolSchema{
		tool:        "manage_context",
		description: "Hierarchical context documents: resolve inheritance, patch, delegate, record insights and progress.",
		actions: []string{
			"create", "get", "update", "delete", "resolve", "delegate", "add_insight", "add_progress",
		},
		schema:   mustSchema(doc),
		document: doc,
		required: map[string][]requiredField{
			"create": {{"level", "one of: global, project, branch, task", ""}},
			"get":    {{"level", "one of: global, project, branch, task", ""}},
			"update": {{"level", "one of: global, project, branch, task", ""}},
			"delete": {{"level", "one of: global, project, branch, task", ""}},
			"resolve": {
				{"level", "one of: global, project, branch, task", ""},
			},
			"delegate": {
				{"level", "one of: project, branch, task", "The source level of the delegated pattern."},
				{"target_level", "one of: global, project, branch", "Must sit above the source level."},
				{"data", "a JSON object", "The pattern being promoted."},
			},
			"add_insight": {
				{"level", "one of: global, project, branch, task", ""},
				{"content", "a non-empty string", ""},
			},
			"add_progress": {
				{"level", "one of: global, project, branch, task", ""},
				{"action_taken", "a non-empty string", "What was just done, e.g. \"implemented retry loop\"."},
			},
		},
	}
}

func newAgentSchema() *toolSchema {
	doc := schemaDoc(map[string]interface{}{
		"action":             pString(),
		"id":                 pUUID(),
		"agent_id":           pUUID(),
		"branch_id":          pUUID(),
		"project_id":         pUUID(),
		"name":               pString(),
		"description":        pString(),
		"role":               pString(),
		"capabilities":       pStringArray(),
		"capability":         pString(),
		"status":             pEnum("available", "busy", "offline"),
		"availability_score": pNumber(),
		"metadata":           pObject(),
		"limit":              pInteger(),
		"offset":             pInteger(),
	})
	return &toolSchema{
		tool:        "manage_agent",
		description: "Register worker agents and control their branch assignments.",
		primaryID:   "agent_id",
		actions: []string{
			"register", "assign", "unassign", "get", "list", "update", "unregister", "rebalance",
		},
		schema:   mustSchema(doc),
		document: doc,
		required: map[string][]requiredField{
			"register": {{"name", "a non-empty string", ""}},
			"assign": {
				{"agent_id", "a UUID string", ""},
				{"branch_id", "a UUID string", "Each branch holds at most one agent."},
			},
			"unassign":   {{"agent_id", "a UUID string", ""}},
			"get":        {{"agent_id", "a UUID string", ""}},
			"update":     {{"agent_id", "a UUID string", ""}},
			"unregister": {{"agent_id", "a UUID string", ""}},
			"rebalance":  {{"project_id", "a UUID string", ""}},
		},
	}
}

func newTokenSchema() *toolSchema {
	doc := schemaDoc(map[string]interface{}{
		"action":           pString(),
		"id":               pUUID(),
		"token_id":         pUUID(),
		"name":             pString(),
		"scopes":           pStringArray(),
		"expires_in_days":  pInteger(),
		"rate_limit":       pInteger(),
		"metadata":         pObject(),
		"token":            pString(),
		"include_inactive": pBool(),
	})
	return &toolSchema{
		tool:        "manage_token",
		description: "Mint, rotate and audit the API tokens that authenticate callers.",
		primaryID:   "token_id",
		actions: []string{
			"create", "list", "get", "revoke", "reactivate", "rotate", "validate", "stats", "cleanup",
		},
		schema:   mustSchema(doc),
		document: doc,
		required: map[string][]requiredField{
			"create": {
				{"name", "a non-empty string", ""},
				{"scopes", "a non-empty array of resource:verb strings", "For example [\"tasks:manage\", \"projects:read\"]."},
			},
			"get":        {{"token_id", "a UUID string", ""}},
			"revoke":     {{"token_id", "a UUID string", ""}},
			"reactivate": {{"token_id", "a UUID string", ""}},
			"rotate":     {{"token_id", "a UUID string", ""}},
			"validate":   {{"token", "a raw token string", "The opaque credential, not its UUID."}},
		},
	}
}
