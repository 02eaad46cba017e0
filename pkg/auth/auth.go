// Package auth provides bearer-token authentication, scope authorization
// and per-token rate limiting for the orchestration API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// Authentication errors
var (
	ErrNoToken           = errors.New("no authentication token provided")
	ErrInvalidToken      = errors.New("invalid authentication token")
	ErrTokenExpired      = errors.New("authentication token expired")
	ErrInsufficientScope = errors.New("insufficient scope")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// Type identifies how a request authenticated.
type Type string

// Authentication types
const (
	TypeAPIToken Type = "api_token"
	TypeJWT      Type = "jwt"
	TypeNone     Type = "none"
)

// TokenPrefix marks generated API tokens. Bare 64-hex tokens issued by
// earlier releases stay accepted.
const TokenPrefix = "mcp_"

// User is the authenticated principal attached to a request context.
type User struct {
	ID       string
	TokenID  uuid.UUID // uuid.Nil for JWT and anonymous sessions
	Scopes   []string
	AuthType Type

	// RateLimit is the token's per-minute override; 0 uses the default.
	RateLimit int
}

// HasScope reports whether the user's grants satisfy the required scope.
func (u *User) HasScope(scope string) bool {
	return models.ScopeSatisfied(u.Scopes, scope)
}

// ClientInfo carries request metadata used when logging auth failures.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// ServiceConfig tunes token validation.
type ServiceConfig struct {
	Required             bool
	DefaultUserIDAllowed bool
	DefaultUserID        string

	JWTSecret     string
	JWTExpiration time.Duration

	CacheTTL  time.Duration
	CacheSize int

	// MaxFailedAttempts failures for one token hash within FailureWindow
	// trigger a suspicious-activity warning.
	MaxFailedAttempts int
	FailureWindow     time.Duration
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Required:          true,
		JWTExpiration:     24 * time.Hour,
		CacheTTL:          5 * time.Minute,
		CacheSize:         1024,
		MaxFailedAttempts: 5,
		FailureWindow:     time.Hour,
	}
}

// failures map is pruned wholesale past this size so an attacker cycling
// random tokens cannot grow it without bound.
const maxFailureEntries = 16384

// Service validates API tokens and session JWTs against the token store,
// caching successful lookups for the configured TTL.
type Service struct {
	config  ServiceConfig
	tokens  interfaces.TokenRepository
	cache   *lru.LRU[string, *models.APIToken]
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewService creates an auth service backed by the given token repository.
func NewService(cfg ServiceConfig, tokens interfaces.TokenRepository, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Hour
	}
	return &Service{
		config:   cfg,
		tokens:   tokens,
		cache:    lru.NewLRU[string, *models.APIToken](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   logger,
		metrics:  metrics,
		failures: make(map[string][]time.Time),
	}
}

// HashToken returns the hex SHA-256 of the trimmed raw token. Only this
// hash is ever stored or logged.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random API token with the standard prefix.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// wellFormed filters obvious garbage before the store is consulted.
func wellFormed(raw string) bool {
	if strings.HasPrefix(raw, TokenPrefix) {
		return len(raw) > len(TokenPrefix)
	}
	if len(raw) != 64 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Validate resolves a raw bearer token to its user. It returns ErrNoToken,
// ErrInvalidToken or ErrTokenExpired for the caller to map onto a response.
func (s *Service) Validate(ctx context.Context, raw string, client ClientInfo) (*User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}
	if !wellFormed(raw) {
		s.recordFailure(HashToken(raw), client)
		return nil, ErrInvalidToken
	}

	now := time.Now()
	hash := HashToken(raw)

	token, cached := s.cache.Get(hash)
	if !cached {
		var err error
		token, err = s.tokens.GetByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				s.recordFailure(hash, client)
				return nil, ErrInvalidToken
			}
			return nil, fmt.Errorf("token lookup: %w", err)
		}
	}

	if !token.IsActive {
		s.cache.Remove(hash)
		s.recordFailure(hash, client)
		return nil, ErrInvalidToken
	}
	if token.IsExpired(now) {
		s.cache.Remove(hash)
		s.recordFailure(hash, client)
		return nil, ErrTokenExpired
	}
	if !cached {
		s.cache.Add(hash, token)
	}

	// Last-used tracking must not sit on the request path.
	go s.touch(token.ID, now)

	s.metrics.IncrementCounterWithLabels("auth_token_validations", 1, map[string]string{"result": "success"})
	return &User{
		ID:        token.UserID,
		TokenID:   token.ID,
		Scopes:    token.Scopes,
		AuthType:  TypeAPIToken,
		RateLimit: token.RateLimit,
	}, nil
}

func (s *Service) touch(id uuid.UUID, usedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tokens.Touch(ctx, id, usedAt); err != nil {
		s.logger.Warn("Failed to record token use", map[string]interface{}{
			"token_id": id.String(),
			"error":    err.Error(),
		})
	}
}

// Evict drops a token hash from the validation cache. Called on revocation
// and rotation so stale entries cannot outlive the change.
func (s *Service) Evict(hash string) {
	s.cache.Remove(hash)
}

func (s *Service) recordFailure(hash string, client ClientInfo) {
	s.metrics.IncrementCounterWithLabels("auth_token_validations", 1, map[string]string{"result": "failure"})

	now := time.Now()
	cutoff := now.Add(-s.config.FailureWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) >= maxFailureEntries {
		s.failures = make(map[string][]time.Time)
	}

	times := s.failures[hash]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	n := copy(times, times[i:])
	times = append(times[:n], now)
	s.failures[hash] = times

	if len(times) == s.config.MaxFailedAttempts {
		s.logger.Warn("Suspicious token activity", map[string]interface{}{
			"hash_prefix": hash[:8],
			"failures":    len(times),
			"window":      s.config.FailureWindow.String(),
			"ip":          client.IP,
			"user_agent":  client.UserAgent,
		})
		s.metrics.IncrementCounter("auth_suspicious_activity", 1)
	}
}

// failureCount reports recent failures for a hash. Test hook.
func (s *Service) failureCount(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures[hash])
}
