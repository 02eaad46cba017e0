package auth

import "fmt"

// Scope names follow resource:verb. Verbs are read, create, update, delete,
// write (any mutation) and manage (everything on the resource).

// toolResources maps each RPC tool to the resource its scopes guard.
// Subtasks live under their parent task, so manage_subtask checks tasks.
var toolResources = map[string]string{
	"manage_task":    "tasks",
	"manage_subtask": "tasks",
	"manage_project": "projects",
	"manage_context": "contexts",
	"manage_agent":   "agents",
	"manage_token":   "tokens",
}

// actionVerbs classifies every action per tool. Unlisted actions require
// the manage verb so an unrecognised action never slips past a narrow grant.
var actionVerbs = map[string]map[string]string{
	"manage_task": {
		"create":            "create",
		"update":            "update",
		"get":               "read",
		"list":              "read",
		"search":            "read",
		"next":              "read",
		"complete":          "update",
		"delete":            "delete",
		"add_dependency":    "update",
		"remove_dependency": "update",
		"hints":             "read",
		"accept_hint":       "update",
		"dismiss_hint":      "update",
		"hint_feedback":     "update",
	},
	"manage_subtask": {
		"create":   "create",
		"update":   "update",
		"get":      "read",
		"list":     "read",
		"complete": "update",
		"delete":   "delete",
	},
	"manage_project": {
		"create":               "create",
		"get":                  "read",
		"update":               "update",
		"list":                 "read",
		"create_branch":        "create",
		"get_branch":           "read",
		"list_branches":        "read",
		"update_branch":        "update",
		"delete_branch":        "delete",
		"project_health_check": "read",
		"cleanup_obsolete":     "delete",
		"validate_integrity":   "read",
		"rebalance_agents":     "update",
	},
	"manage_context": {
		"create":       "create",
		"get":          "read",
		"update":       "update",
		"delete":       "delete",
		"resolve":      "read",
		"delegate":     "update",
		"add_insight":  "update",
		"add_progress": "update",
	},
	"manage_agent": {
		"register":   "create",
		"assign":     "update",
		"unassign":   "update",
		"get":        "read",
		"list":       "read",
		"update":     "update",
		"unregister": "delete",
		"rebalance":  "update",
	},
	"manage_token": {
		"create":     "create",
		"list":       "read",
		"get":        "read",
		"revoke":     "update",
		"reactivate": "update",
		"rotate":     "update",
		"validate":   "read",
		"stats":      "read",
		"cleanup":    "delete",
	},
}

var knownVerbs = map[string]bool{
	"read": true, "create": true, "update": true, "delete": true,
	"write": true, "manage": true, "*": true,
}

var knownResources = map[string]bool{
	"tasks": true, "projects": true, "contexts": true, "agents": true, "tokens": true,
}

// ValidScope reports whether a scope string belongs to the vocabulary:
// "*" or resource:verb over the known resources and verbs.
func ValidScope(scope string) bool {
	if scope == "*" {
		return true
	}
	for i := 0; i < len(scope); i++ {
		if scope[i] == ':' {
			return knownResources[scope[:i]] && knownVerbs[scope[i+1:]]
		}
	}
	return false
}

// RequiredScope returns the scope guarding a tool action. The second return
// is false when the tool itself is unknown.
func RequiredScope(tool, action string) (string, bool) {
	resource, ok := toolResources[tool]
	if !ok {
		return "", false
	}
	verb, ok := actionVerbs[tool][action]
	if !ok {
		verb = "manage"
	}
	return resource + ":" + verb, true
}

// AuthorizeAction checks that the user may invoke the tool action. The
// returned error matches ErrInsufficientScope.
func AuthorizeAction(user *User, tool, action string) error {
	scope, ok := RequiredScope(tool, action)
	if !ok {
		return fmt.Errorf("%w: unknown tool %q", ErrInsufficientScope, tool)
	}
	if user == nil || !user.HasScope(scope) {
		return fmt.Errorf("%w: %s required for %s.%s", ErrInsufficientScope, scope, tool, action)
	}
	return nil
}
