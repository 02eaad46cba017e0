package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/services"
)

type tokenOps interface {
	Create(ctx context.Context, in services.CreateTokenInput) (*services.CreatedToken, error)
	Get(ctx context.Context, id uuid.UUID) (*models.APIToken, error)
	List(ctx context.Context, includeInactive bool) ([]*models.APIToken, error)
	Revoke(ctx context.Context, id uuid.UUID) (*models.APIToken, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*models.APIToken, error)
	Rotate(ctx context.Context, id uuid.UUID) (*services.CreatedToken, error)
	Validate(ctx context.Context, raw string, client auth.ClientInfo) (*auth.User, error)
	Stats(ctx context.Context) ([]*models.TokenStats, error)
	Cleanup(ctx context.Context) (int64, error)
}

type tokenRequest struct {
	Action          string                 `json:"action"`
	ID              string                 `json:"id" validate:"omitempty,uuid"`
	TokenID         string                 `json:"token_id" validate:"omitempty,uuid"`
	Name            *string                `json:"name"`
	Scopes          []string               `json:"scopes"`
	ExpiresInDays   int                    `json:"expires_in_days"`
	RateLimit       int                    `json:"rate_limit"`
	Metadata        map[string]interface{} `json:"metadata"`
	Token           string                 `json:"token"`
	IncludeInactive bool                   `json:"include_inactive"`
}

func (r *tokenRequest) tokenID() (uuid.UUID, *toolError) {
	return parseUUID("token_id", coalesce(r.TokenID, r.ID))
}

func (s *Server) tokenAction(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error) {
	var req tokenRequest
	if te := bindRequest(body, &req); te != nil {
		return nil, nil, te
	}

	switch action {
	case "create":
		in := services.CreateTokenInput{
			Scopes:        req.Scopes,
			ExpiresInDays: req.ExpiresInDays,
			RateLimit:     req.RateLimit,
			Metadata:      models.JSONMap(req.Metadata),
		}
		if req.Name != nil {
			in.Name = *req.Name
		}
		created, err := s.deps.Tokens.Create(ctx, in)
		if err != nil {
			return nil, nil, err
		}
		return created, guide("Store the raw token now; it is never shown again."), nil

	case "list":
		tokens, err := s.deps.Tokens.List(ctx, req.IncludeInactive)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"tokens": tokens, "count": len(tokens)}, nil, nil

	case "get":
		id, te := req.tokenID()
		if te != nil {
			return nil, nil, te
		}
		token, err := s.deps.Tokens.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"token": token}, nil, nil

	case "revoke":
		id, te := req.tokenID()
		if te != nil {
			return nil, nil, te
		}
		token, err := s.deps.Tokens.Revoke(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"token": token},
			guide("Revocation takes effect immediately; reactivate restores the same credential."), nil

	case "reactivate":
		id, te := req.tokenID()
		if te != nil {
			return nil, nil, te
		}
		token, err := s.deps.Tokens.Reactivate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"token": token}, nil, nil

	case "rotate":
		id, te := req.tokenID()
		if te != nil {
			return nil, nil, te
		}
		created, err := s.deps.Tokens.Rotate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return created, guide("Swap the stored credential for the new raw token; the old one no longer authenticates."), nil

	case "validate":
		user, err := s.deps.Tokens.Validate(ctx, req.Token, clientInfoFrom(ctx))
		if err != nil {
			// A bad credential is a successful check with a negative
			// answer, not a failure of the diagnostic itself.
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrNoToken) {
				return gin.H{"valid": false, "reason": err.Error()}, nil, nil
			}
			return nil, nil, err
		}
		return gin.H{
			"valid":      true,
			"user_id":    user.ID,
			"scopes":     user.Scopes,
			"rate_limit": user.RateLimit,
		}, nil, nil

	case "stats":
		stats, err := s.deps.Tokens.Stats(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"stats": stats, "count": len(stats)}, nil, nil

	case "cleanup":
		removed, err := s.deps.Tokens.Cleanup(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gin.H{"removed": removed}, nil, nil
	}
	return nil, nil, errUnknownAction(s.tokenSchema, action)
}
