package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/models"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

// fakeTokenRepo implements the methods the auth service touches; anything
// else panics through the embedded nil interface.
type fakeTokenRepo struct {
	interfaces.TokenRepository

	mu      sync.Mutex
	byHash  map[string]*models.APIToken
	lookups int
	touched int
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{byHash: make(map[string]*models.APIToken)}
}

func (f *fakeTokenRepo) GetByHash(_ context.Context, hash string) (*models.APIToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	token, ok := f.byHash[hash]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (f *fakeTokenRepo) Touch(_ context.Context, _ uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

func (f *fakeTokenRepo) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeTokenRepo) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched
}

func (f *fakeTokenRepo) deactivate(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[hash].IsActive = false
}

// captureLogger records Warn calls; the embedded nil interface panics on
// anything the service should not be logging.
type captureLogger struct {
	observability.Logger

	mu    sync.Mutex
	warns []string
}

func (l *captureLogger) Warn(msg string, _ map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *captureLogger) warnCount(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.warns {
		if w == msg {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T, repo *fakeTokenRepo) *Service {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.JWTSecret = "test-secret"
	return NewService(cfg, repo, nil, nil)
}

func storeToken(t *testing.T, repo *fakeTokenRepo, mutate func(*models.APIToken)) string {
	t.Helper()
	raw, err := GenerateToken()
	require.NoError(t, err)
	token := &models.APIToken{
		ID:        uuid.New(),
		UserID:    "alice",
		Name:      "test token",
		TokenHash: HashToken(raw),
		Scopes:    models.StringArray{"tasks:read", "tasks:write"},
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if mutate != nil {
		mutate(token)
	}
	repo.byHash[token.TokenHash] = token
	return raw
}

func TestHashToken_TrimsBeforeHashing(t *testing.T) {
	assert.Equal(t, HashToken("mcp_abc"), HashToken("  mcp_abc \n"))
	assert.Len(t, HashToken("anything"), 64)
}

func TestGenerateToken_Format(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, TokenPrefix))
	assert.Len(t, a, len(TokenPrefix)+64)
	assert.True(t, wellFormed(a))
}

func TestWellFormed(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"mcp_anything", true},
		{"mcp_", false},
		{strings.Repeat("ab12", 16), true},
		{strings.Repeat("ab12", 16)[:63], false},
		{strings.Repeat("AB12", 16), false},
		{strings.Repeat("gh12", 16), false},
		{"not a token", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, wellFormed(tc.raw), "raw %q", tc.raw)
	}
}

func TestService_Validate_Success(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)
	raw := storeToken(t, repo, nil)

	user, err := svc.Validate(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)

	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, TypeAPIToken, user.AuthType)
	assert.NotEqual(t, uuid.Nil, user.TokenID)
	assert.True(t, user.HasScope("tasks:read"))
	assert.False(t, user.HasScope("projects:read"))

	assert.Eventually(t, func() bool { return repo.touchCount() == 1 },
		time.Second, 10*time.Millisecond, "last-used update should run off the request path")
}

func TestService_Validate_CachesLookups(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)
	raw := storeToken(t, repo, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Validate(context.Background(), raw, ClientInfo{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.lookupCount())
}

func TestService_Validate_AcceptsBareHexTokens(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)

	raw := strings.Repeat("4f", 32)
	repo.byHash[HashToken(raw)] = &models.APIToken{
		ID:        uuid.New(),
		UserID:    "bob",
		TokenHash: HashToken(raw),
		IsActive:  true,
	}

	user, err := svc.Validate(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, "bob", user.ID)
}

func TestService_Validate_EmptyToken(t *testing.T) {
	svc := newTestService(t, newFakeTokenRepo())
	_, err := svc.Validate(context.Background(), "   ", ClientInfo{})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestService_Validate_UnknownToken(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)

	raw, err := GenerateToken()
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), raw, ClientInfo{})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 1, svc.failureCount(HashToken(raw)))
}

func TestService_Validate_MalformedTokenSkipsStore(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)

	_, err := svc.Validate(context.Background(), "definitely-not-a-token", ClientInfo{})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, repo.lookupCount())
}

func TestService_Validate_Expired(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)
	past := time.Now().Add(-time.Hour)
	raw := storeToken(t, repo, func(tok *models.APIToken) { tok.ExpiresAt = &past })

	_, err := svc.Validate(context.Background(), raw, ClientInfo{})
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 1, svc.failureCount(HashToken(raw)))
}

func TestService_Validate_Revoked(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)
	raw := storeToken(t, repo, func(tok *models.APIToken) { tok.IsActive = false })

	_, err := svc.Validate(context.Background(), raw, ClientInfo{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_Evict_DropsCachedToken(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := newTestService(t, repo)
	raw := storeToken(t, repo, nil)
	hash := HashToken(raw)

	_, err := svc.Validate(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)

	// Revocation without eviction would keep serving the cached copy.
	repo.deactivate(hash)
	svc.Evict(hash)

	_, err = svc.Validate(context.Background(), raw, ClientInfo{})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 2, repo.lookupCount())
}

func TestService_RepeatedFailures_WarnOnce(t *testing.T) {
	repo := newFakeTokenRepo()
	logger := &captureLogger{}
	cfg := DefaultServiceConfig()
	cfg.MaxFailedAttempts = 3
	svc := NewService(cfg, repo, logger, nil)

	raw, err := GenerateToken()
	require.NoError(t, err)
	client := ClientInfo{IP: "10.0.0.9", UserAgent: "curl"}

	for i := 0; i < 5; i++ {
		_, err := svc.Validate(context.Background(), raw, client)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}

	assert.Equal(t, 5, svc.failureCount(HashToken(raw)))
	assert.Equal(t, 1, logger.warnCount("Suspicious token activity"),
		"warning fires exactly when the threshold is crossed")
}

func TestService_JWT_RoundTrip(t *testing.T) {
	svc := newTestService(t, newFakeTokenRepo())

	signed, err := svc.GenerateJWT("carol", []string{"projects:read"})
	require.NoError(t, err)

	user, err := svc.ValidateJWT(signed)
	require.NoError(t, err)
	assert.Equal(t, "carol", user.ID)
	assert.Equal(t, TypeJWT, user.AuthType)
	assert.Equal(t, uuid.Nil, user.TokenID)
	assert.True(t, user.HasScope("projects:read"))
}

func TestService_JWT_RejectsWrongSecret(t *testing.T) {
	issuer := newTestService(t, newFakeTokenRepo())
	signed, err := issuer.GenerateJWT("carol", nil)
	require.NoError(t, err)

	cfg := DefaultServiceConfig()
	cfg.JWTSecret = "a different secret"
	verifier := NewService(cfg, newFakeTokenRepo(), nil, nil)

	_, err = verifier.ValidateJWT(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_JWT_Expired(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.JWTSecret = "test-secret"
	cfg.JWTExpiration = -time.Minute
	svc := NewService(cfg, newFakeTokenRepo(), nil, nil)

	signed, err := svc.GenerateJWT("carol", nil)
	require.NoError(t, err)

	_, err = svc.ValidateJWT(signed)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
