package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

type fakeKeyRepo struct {
	keys   map[string]domain.ApiKey
	lookup int
}

func (f *fakeKeyRepo) GetApiKey(ctx context.Context, secret string) (domain.ApiKey, error) {
	f.lookup++
	key, ok := f.keys[secret]
	if !ok {
		return domain.ApiKey{}, db.ErrNotFound
	}
	return key, nil
}

func newTestAuthenticator(t *testing.T, repo Repository) *Authenticator {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(cachekv.New(client, zaptest.NewLogger(t)), repo, zaptest.NewLogger(t))
}

func TestAuthenticate_ValidKeyResolvesTenant(t *testing.T) {
	repo := &fakeKeyRepo{keys: map[string]domain.ApiKey{
		"sk-good": {Secret: "sk-good", TenantID: 7, IsActive: true},
	}}
	a := newTestAuthenticator(t, repo)

	key, err := a.Authenticate(context.Background(), "sk-good")
	require.NoError(t, err)
	assert.Equal(t, int64(7), key.TenantID)
}

func TestAuthenticate_CachesHitAcrossCalls(t *testing.T) {
	repo := &fakeKeyRepo{keys: map[string]domain.ApiKey{
		"sk-good": {Secret: "sk-good", TenantID: 7, IsActive: true},
	}}
	a := newTestAuthenticator(t, repo)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "sk-good")
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "sk-good")
	require.NoError(t, err)

	assert.Equal(t, 1, repo.lookup, "second call should be served from cache")
}

func TestAuthenticate_UnknownKeyCachesNegative(t *testing.T) {
	repo := &fakeKeyRepo{keys: map[string]domain.ApiKey{}}
	a := newTestAuthenticator(t, repo)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "sk-missing")
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = a.Authenticate(ctx, "sk-missing")
	require.ErrorIs(t, err, ErrUnauthenticated)

	assert.Equal(t, 1, repo.lookup, "negative result should be cached too")
}

func TestAuthenticate_InactiveKeyRejected(t *testing.T) {
	repo := &fakeKeyRepo{keys: map[string]domain.ApiKey{
		"sk-disabled": {Secret: "sk-disabled", TenantID: 3, IsActive: false},
	}}
	a := newTestAuthenticator(t, repo)

	_, err := a.Authenticate(context.Background(), "sk-disabled")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_EmptySecretRejected(t *testing.T) {
	a := newTestAuthenticator(t, &fakeKeyRepo{keys: map[string]domain.ApiKey{}})
	_, err := a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestExtractSecret_PrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-from-auth")
	r.Header.Set("X-Api-Key", "sk-from-apikey")
	assert.Equal(t, "sk-from-auth", ExtractSecret(r))
}

func TestExtractSecret_FallsBackToApiKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-Api-Key", "sk-from-apikey")
	assert.Equal(t, "sk-from-apikey", ExtractSecret(r))
}
