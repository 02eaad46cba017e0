package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UserContextKey is the gin context key holding the authenticated *User.
const UserContextKey = "user"

// GinMiddleware authenticates every request and applies per-token rate
// limits. Scope checks happen per action further in, not here; this layer
// only establishes who is calling.
func (s *Service) GinMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.config.Required {
			s.attach(c, s.defaultUser())
			return
		}

		raw := extractToken(c)
		if raw == "" {
			if s.config.DefaultUserIDAllowed {
				s.attach(c, s.defaultUser())
				return
			}
			abortJSON(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
			return
		}

		client := ClientInfo{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}

		var (
			user    *User
			rateKey string
			err     error
		)
		if looksLikeJWT(raw) && s.config.JWTSecret != "" {
			user, err = s.ValidateJWT(raw)
		} else {
			user, err = s.Validate(c.Request.Context(), raw, client)
			rateKey = HashToken(raw)
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrNoToken):
				abortJSON(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
			case errors.Is(err, ErrTokenExpired):
				abortJSON(c, http.StatusUnauthorized, "INVALID_TOKEN", "token expired")
			case errors.Is(err, ErrInvalidToken):
				abortJSON(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
			default:
				abortJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", "authentication unavailable")
			}
			return
		}

		// Session tokens have no hash, so they share one bucket per user.
		if rateKey == "" {
			rateKey = "user:" + user.ID
		}
		if err := limiter.Allow(rateKey, user.RateLimit); err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				c.Header("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
			}
			abortJSON(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", err.Error())
			return
		}

		s.attach(c, user)
	}
}

func (s *Service) attach(c *gin.Context, user *User) {
	ctx := WithUserID(c.Request.Context(), user.ID)
	if user.TokenID != uuid.Nil {
		ctx = WithTokenID(ctx, user.TokenID)
	}
	ctx = WithScopes(ctx, user.Scopes)
	c.Request = c.Request.WithContext(ctx)
	c.Set(UserContextKey, user)
	c.Next()
}

func (s *Service) defaultUser() *User {
	id := s.config.DefaultUserID
	if id == "" {
		id = "default"
	}
	return &User{ID: id, Scopes: []string{"*"}, AuthType: TypeNone}
}

// extractToken pulls the bearer token from the Authorization header, with
// X-API-Key as a fallback for non-standard clients.
func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// looksLikeJWT distinguishes session tokens from API tokens without
// touching the store.
func looksLikeJWT(raw string) bool {
	return !strings.HasPrefix(raw, TokenPrefix) && strings.Count(raw, ".") == 2
}

func abortJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	})
}

// UserFromGin returns the authenticated user set by GinMiddleware.
func UserFromGin(c *gin.Context) (*User, bool) {
	v, ok := c.Get(UserContextKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}
