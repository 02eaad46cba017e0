package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIToken is a stored bearer credential. Only the SHA-256 hash of the raw
// token is persisted; the raw value is shown once at creation.
type APIToken struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Name      string      `json:"name" db:"name"`
	TokenHash string      `json:"-" db:"token_hash"`
	Scopes    StringArray `json:"scopes" db:"scopes"`

	// Per-minute override for the sliding-window limiter; 0 uses the
	// configured default.
	RateLimit int `json:"rate_limit" db:"rate_limit"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	Metadata   JSONMap    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// GetUserID returns the owning user (implements Owned)
func (t *APIToken) GetUserID() string { return t.UserID }

// SetUserID stamps the owning user (implements Owned)
func (t *APIToken) SetUserID(id string) { t.UserID = id }

// IsExpired reports whether the token has passed its expiry.
func (t *APIToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// IsValid reports whether the token may authenticate a request.
func (t *APIToken) IsValid(now time.Time) bool {
	return t.IsActive && !t.IsExpired(now)
}

// HasScope reports whether the token carries the scope.
func (t *APIToken) HasScope(scope string) bool {
	return ScopeSatisfied(t.Scopes, scope)
}

// ScopeSatisfied reports whether any granted scope satisfies required.
// The wildcard "*" satisfies everything; "resource:*" and "resource:manage"
// satisfy any verb on that resource; "resource:write" covers the create,
// update and delete verbs. Read requirements are never satisfied by write
// grants.
func ScopeSatisfied(granted []string, required string) bool {
	resource, verb := splitScope(required)
	for _, g := range granted {
		if g == "*" || g == required {
			return true
		}
		if resource == "" {
			continue
		}
		gr, gv := splitScope(g)
		if gr != resource {
			continue
		}
		switch gv {
		case "*", "manage":
			return true
		case "write":
			if verb == "create" || verb == "update" || verb == "delete" {
				return true
			}
		}
	}
	return false
}

func splitScope(scope string) (resource, verb string) {
	if i := strings.IndexByte(scope, ':'); i > 0 {
		return scope[:i], scope[i+1:]
	}
	return "", scope
}

// TokenStats aggregates usage for the stats action.
type TokenStats struct {
	TokenID      uuid.UUID  `json:"token_id"`
	Name         string     `json:"name"`
	UsageCount   int64      `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsExpired    bool       `json:"is_expired"`
	DaysToExpiry *int       `json:"days_to_expiry,omitempty"`
}
