package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// TokenService manages API tokens. Tokens are immutable credentials: apart
// from usage tracking and the active flag, a change means issuing a new
// token via Rotate. The repository is used unscoped, so every operation
// here checks ownership against the calling user itself.
type TokenService struct {
	BaseService
	tokens    interfaces.TokenRepository
	validator *auth.Service
}

// NewTokenService wires the token service. validator may be nil in tests;
// Validate then refuses and revocations skip cache eviction.
func NewTokenService(cfg ServiceConfig, tokens interfaces.TokenRepository, validator *auth.Service, store events.Store, publisher events.Publisher) *TokenService {
	return &TokenService{
		BaseService: newBaseService(cfg, store, publisher),
		tokens:      tokens,
		validator:   validator,
	}
}

// CreateTokenInput carries the fields accepted when minting a token.
type CreateTokenInput struct {
	Name          string
	Scopes        []string
	ExpiresInDays int
	RateLimit     int
	Metadata      models.JSONMap
}

// CreatedToken pairs a stored token row with its raw value. The raw value
// is shown exactly once; only its hash is persisted.
type CreatedToken struct {
	Token *models.APIToken `json:"token"`
	Raw   string           `json:"raw_token"`
}

// Create mints a new token for the calling user.
func (s *TokenService) Create(ctx context.Context, in CreateTokenInput) (created *CreatedToken, err error) {
	ctx, span := s.tracer(ctx, "TokenService.Create")
	defer span.End()
	defer func() { s.count("token_operations", "create", err) }()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required", Expected: "non-empty string"}
	}
	if len(in.Scopes) == 0 {
		return nil, &ValidationError{Field: "scopes", Message: "at least one scope is required", Expected: `["tasks:manage"] or similar`}
	}
	for _, scope := range in.Scopes {
		if !auth.ValidScope(scope) {
			return nil, &ValidationError{
				Field:    "scopes",
				Message:  fmt.Sprintf("unknown scope %q", scope),
				Expected: "* or resource:verb",
				Hint:     "Resources: tasks, projects, contexts, agents, tokens. Verbs: read, create, update, delete, write, manage.",
			}
		}
	}
	if in.ExpiresInDays < 0 {
		return nil, NewValidationError("expires_in_days", "expires_in_days cannot be negative")
	}
	if in.RateLimit < 0 {
		return nil, NewValidationError("rate_limit", "rate_limit cannot be negative")
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}
	token := &models.APIToken{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		TokenHash: auth.HashToken(raw),
		Scopes:    dedupeStrings(in.Scopes),
		RateLimit: in.RateLimit,
		IsActive:  true,
		Metadata:  in.Metadata,
	}
	if in.ExpiresInDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, in.ExpiresInDays)
		token.ExpiresAt = &expires
	}
	if err = s.tokens.Create(ctx, token); err != nil {
		return nil, err
	}

	s.emit(ctx, events.NewEvent(events.TypeTokenCreated, models.JSONMap{
		"token_id": token.ID.String(),
		"name":     token.Name,
	}).ForAggregate("APIToken", token.ID, 1).ByUser(userID))

	s.logger.Info("API token created", map[string]interface{}{
		"token_id": token.ID.String(),
		"name":     token.Name,
	})
	return &CreatedToken{Token: token, Raw: raw}, nil
}

// Get returns one of the caller's tokens. Another user's token reads as
// not found.
func (s *TokenService) Get(ctx context.Context, id uuid.UUID) (*models.APIToken, error) {
	ctx, span := s.tracer(ctx, "TokenService.Get")
	defer span.End()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.getOwned(ctx, id, userID)
}

// List returns the caller's tokens. Inactive tokens are included only on
// request.
func (s *TokenService) List(ctx context.Context, includeInactive bool) ([]*models.APIToken, error) {
	ctx, span := s.tracer(ctx, "TokenService.List")
	defer span.End()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.tokens.List(ctx, interfaces.TokenFilters{
		UserID:          &userID,
		IncludeInactive: includeInactive,
	})
}

// Revoke deactivates a token and evicts it from the validation cache so
// in-flight copies stop working immediately. Revoking an inactive token is
// a no-op.
func (s *TokenService) Revoke(ctx context.Context, id uuid.UUID) (token *models.APIToken, err error) {
	ctx, span := s.tracer(ctx, "TokenService.Revoke")
	defer span.End()
	defer func() { s.count("token_operations", "revoke", err) }()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	token, err = s.getOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !token.IsActive {
		return token, nil
	}

	token.IsActive = false
	if err = s.tokens.Update(ctx, token); err != nil {
		return nil, err
	}
	if s.validator != nil {
		s.validator.Evict(token.TokenHash)
	}

	s.emit(ctx, events.NewEvent(events.TypeTokenRevoked, models.JSONMap{
		"token_id": token.ID.String(),
		"name":     token.Name,
	}).ForAggregate("APIToken", token.ID, 1).ByUser(userID))

	s.logger.Info("API token revoked", map[string]interface{}{"token_id": token.ID.String()})
	return token, nil
}

// Reactivate re-enables a revoked token. An expired token stays dead;
// rotation is the way to replace it.
func (s *TokenService) Reactivate(ctx context.Context, id uuid.UUID) (token *models.APIToken, err error) {
	ctx, span := s.tracer(ctx, "TokenService.Reactivate")
	defer span.End()
	defer func() { s.count("token_operations", "reactivate", err) }()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	token, err = s.getOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if token.IsExpired(time.Now().UTC()) {
		return nil, &ValidationError{
			Field:   "token_id",
			Message: "token has expired and cannot be reactivated",
			Hint:    "Use the rotate action to issue a replacement.",
		}
	}
	if token.IsActive {
		return token, nil
	}

	token.IsActive = true
	if err = s.tokens.Update(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Rotate issues a replacement token with the same name, scopes and rate
// limit, then deactivates the old one. A token that originally expired
// gets a fresh lifetime of the same length.
func (s *TokenService) Rotate(ctx context.Context, id uuid.UUID) (created *CreatedToken, err error) {
	ctx, span := s.tracer(ctx, "TokenService.Rotate")
	defer span.End()
	defer func() { s.count("token_operations", "rotate", err) }()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	old, err := s.getOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !old.IsActive {
		return nil, errors.Wrapf(ErrTokenInactive, "token %s", id)
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}
	replacement := &models.APIToken{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      old.Name,
		TokenHash: auth.HashToken(raw),
		Scopes:    old.Scopes,
		RateLimit: old.RateLimit,
		IsActive:  true,
		Metadata:  old.Metadata,
	}
	if old.ExpiresAt != nil {
		expires := time.Now().UTC().Add(old.ExpiresAt.Sub(old.CreatedAt))
		replacement.ExpiresAt = &expires
	}
	if err = s.tokens.Create(ctx, replacement); err != nil {
		return nil, err
	}

	// No transaction spans the token table; if the deactivation fails the
	// fresh row is withdrawn so rotation stays all-or-nothing.
	old.IsActive = false
	if err = s.tokens.Update(ctx, old); err != nil {
		if derr := s.tokens.Delete(ctx, replacement.ID); derr != nil {
			s.logger.Warn("Failed to withdraw replacement token after rotation error", map[string]interface{}{
				"token_id": replacement.ID.String(),
				"error":    derr.Error(),
			})
		}
		return nil, errors.Wrap(err, "failed to deactivate rotated token")
	}
	if s.validator != nil {
		s.validator.Evict(old.TokenHash)
	}

	s.emit(ctx, events.NewEvent(events.TypeTokenRotated, models.JSONMap{
		"old_token_id": old.ID.String(),
		"new_token_id": replacement.ID.String(),
		"name":         old.Name,
	}).ForAggregate("APIToken", replacement.ID, 1).ByUser(userID))

	s.logger.Info("API token rotated", map[string]interface{}{
		"old_token_id": old.ID.String(),
		"new_token_id": replacement.ID.String(),
	})
	return &CreatedToken{Token: replacement, Raw: raw}, nil
}

// Validate checks a raw token and returns the user it authenticates.
func (s *TokenService) Validate(ctx context.Context, raw string, client auth.ClientInfo) (*auth.User, error) {
	ctx, span := s.tracer(ctx, "TokenService.Validate")
	defer span.End()

	if s.validator == nil {
		return nil, errors.New("token validation is not configured")
	}
	return s.validator.Validate(ctx, raw, client)
}

// Stats returns usage aggregates for the caller's tokens.
func (s *TokenService) Stats(ctx context.Context) ([]*models.TokenStats, error) {
	ctx, span := s.tracer(ctx, "TokenService.Stats")
	defer span.End()

	userID, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.tokens.Stats(ctx, userID)
}

// Cleanup removes every token whose expiry has passed and reports how many
// rows went.
func (s *TokenService) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := s.tracer(ctx, "TokenService.Cleanup")
	defer span.End()

	removed, err := s.tokens.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Expired tokens removed", map[string]interface{}{"count": removed})
	}
	return removed, nil
}

func (s *TokenService) callerID(ctx context.Context) (string, error) {
	userID := auth.GetUserID(ctx)
	if userID == "" {
		return "", interfaces.ErrAuthRequired
	}
	return userID, nil
}

// getOwned loads a token and hides other users' tokens behind not-found.
func (s *TokenService) getOwned(ctx context.Context, id uuid.UUID, userID string) (*models.APIToken, error) {
	token, err := s.tokens.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if token.UserID != userID {
		return nil, errors.Wrapf(interfaces.ErrNotFound, "token %s", id)
	}
	return token, nil
}
