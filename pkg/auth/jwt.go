package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims are the session-token claims. JWTs carry the same user identity
// and scopes as API tokens but have no stored row to revoke.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes,omitempty"`
}

// GenerateJWT issues a signed session token for the user.
func (s *Service) GenerateJWT(userID string, scopes []string) (string, error) {
	if s.config.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTExpiration)),
		},
		UserID: userID,
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ValidateJWT parses and verifies a session token.
func (s *Service) ValidateJWT(raw string) (*User, error) {
	if s.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &User{
		ID:       claims.UserID,
		Scopes:   claims.Scopes,
		AuthType: TypeJWT,
	}, nil
}
