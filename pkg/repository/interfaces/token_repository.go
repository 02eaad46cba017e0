package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/pkg/models"
)

// TokenFilters defines filtering options for API token queries
type TokenFilters struct {
	UserID          *string
	IncludeInactive bool

	Limit  int
	Offset int
}

// TokenRepository defines the interface for API token persistence. Lookup by
// hash runs before any user identity exists, so this repository is used
// unscoped by the auth layer.
type TokenRepository interface {
	Create(ctx context.Context, token *models.APIToken) error
	Get(ctx context.Context, id uuid.UUID) (*models.APIToken, error)
	GetByHash(ctx context.Context, hash string) (*models.APIToken, error)
	Update(ctx context.Context, token *models.APIToken) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filters TokenFilters) ([]*models.APIToken, error)

	// Touch records a successful use without bumping the row version.
	Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error

	// DeleteExpired removes tokens whose expiry passed before the cutoff and
	// returns how many rows were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns per-token usage aggregates for a user's tokens.
	Stats(ctx context.Context, userID string) ([]*models.TokenStats, error)
}
