package auth

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	userIDKey  contextKey = "user_id"
	agentIDKey contextKey = "agent_id"
	tokenIDKey contextKey = "token_id"
	scopesKey  contextKey = "scopes"
)

// WithUserID attaches the authenticated user to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the authenticated user, or "" when unauthenticated
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithAgentID attaches the acting agent to the context
func WithAgentID(ctx context.Context, agentID uuid.UUID) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// GetAgentID returns the acting agent, or uuid.Nil when none registered
func GetAgentID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(agentIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithTokenID attaches the API token that authenticated the request
func WithTokenID(ctx context.Context, tokenID uuid.UUID) context.Context {
	return context.WithValue(ctx, tokenIDKey, tokenID)
}

// GetTokenID returns the authenticating token, or uuid.Nil for session auth
func GetTokenID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(tokenIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithScopes attaches the granted scopes to the context
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

// GetScopes returns the granted scopes, nil when unauthenticated
func GetScopes(ctx context.Context) []string {
	if v, ok := ctx.Value(scopesKey).([]string); ok {
		return v
	}
	return nil
}
