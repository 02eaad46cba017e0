// Package scoped layers tenant isolation over the base repositories. Every
// decorator implements the interface of the repository it wraps and derives
// the tenant from the request context, so nothing above this layer passes
// user IDs explicitly.
//
// Reads mask foreign rows as interfaces.ErrNotFound so row IDs cannot be
// probed across tenants. Writes against rows stored under another user fail
// with interfaces.ErrCrossTenantWrite. Requests without an authenticated
// user fail with interfaces.ErrAuthRequired before touching storage.
package scoped

import (
	"context"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// currentUser extracts the authenticated user from the context.
func currentUser(ctx context.Context) (string, error) {
	if uid := auth.GetUserID(ctx); uid != "" {
		return uid, nil
	}
	return "", interfaces.ErrAuthRequired
}

// filterOwned drops rows belonging to other users, preserving order.
func filterOwned[T models.Owned](rows []T, userID string) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if row.GetUserID() == userID {
			out = append(out, row)
		}
	}
	return out
}

// guard carries the observability hooks shared by all decorators and
// reports cross-tenant write rejections before returning them.
type guard struct {
	name    string
	logger  observability.Logger
	metrics observability.MetricsClient
}

func newGuard(name string, logger observability.Logger, metrics observability.MetricsClient) guard {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return guard{name: name, logger: logger, metrics: metrics}
}

// reject logs and counts a blocked cross-tenant write.
func (g *guard) reject(userID, ownerID string) error {
	g.logger.Warn("Cross-tenant write rejected", map[string]interface{}{
		"repository": g.name,
		"user_id":    userID,
		"owner_id":   ownerID,
	})
	g.metrics.IncrementCounterWithLabels("repository_cross_tenant_rejections", 1, map[string]string{
		"repository": g.name,
	})
	return interfaces.ErrCrossTenantWrite
}

// stamp fills the owner on a new entity and rejects a foreign claim.
func (g *guard) stamp(entity models.Owned, userID string) error {
	switch owner := entity.GetUserID(); owner {
	case "":
		entity.SetUserID(userID)
		return nil
	case userID:
		return nil
	default:
		return g.reject(userID, owner)
	}
}

// own verifies that a stored row belongs to the user.
func (g *guard) own(userID, ownerID string) error {
	if ownerID != userID {
		return g.reject(userID, ownerID)
	}
	return nil
}
