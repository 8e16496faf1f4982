// Package auth implements the authentication step of the admission
// pipeline (C8): resolving the bearer credential on an inference request to
// its owning tenant. Every inference route accepts either an
// Authorization: Bearer header or an X-Api-Key header (spec §6); at least
// one must be present and valid for the request to proceed, and when both
// are present the Authorization header is used.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// ErrUnauthenticated is returned when the credential is absent, unknown, or
// inactive; callers translate this to a 401 with no usage event, per spec
// §4.8's received -> authenticated transition.
var ErrUnauthenticated = errors.New("auth: missing or invalid credential")

// Repository is the subset of *db.Client the authenticator needs.
type Repository interface {
	GetApiKey(ctx context.Context, secret string) (domain.ApiKey, error)
}

var _ Repository = (*db.Client)(nil)

// Authenticator resolves a bearer secret to its tenant, caching both hits
// and confirmed-invalid secrets so a hot key never round-trips to the
// database twice.
type Authenticator struct {
	cache  *cachekv.Cache
	repo   Repository
	logger *zap.Logger
}

// New builds an Authenticator.
func New(cache *cachekv.Cache, repo Repository, logger *zap.Logger) *Authenticator {
	return &Authenticator{cache: cache, repo: repo, logger: logger}
}

const apiKeyCacheTTL = time.Hour

// Authenticate resolves secret to the ApiKey it names. It returns
// ErrUnauthenticated for an unknown, inactive, or empty secret.
func (a *Authenticator) Authenticate(ctx context.Context, secret string) (domain.ApiKey, error) {
	if secret == "" {
		return domain.ApiKey{}, ErrUnauthenticated
	}
	cacheKey := "apikey:" + secret

	if cached, found, err := a.cache.Get(ctx, cacheKey); err == nil && found {
		if cached == cachekv.NullSentinel {
			return domain.ApiKey{}, ErrUnauthenticated
		}
		key, ok := decodeApiKey(cached)
		if ok {
			if !key.IsActive {
				return domain.ApiKey{}, ErrUnauthenticated
			}
			return key, nil
		}
	}

	key, err := a.repo.GetApiKey(ctx, secret)
	if errors.Is(err, db.ErrNotFound) {
		_ = a.cache.SetNull(ctx, cacheKey, apiKeyCacheTTL)
		return domain.ApiKey{}, ErrUnauthenticated
	}
	if err != nil {
		a.logger.Warn("auth: api key lookup failed", zap.Error(err))
		return domain.ApiKey{}, ErrUnauthenticated
	}

	if encoded, ok := encodeApiKey(key); ok {
		_ = a.cache.Set(ctx, cacheKey, encoded, apiKeyCacheTTL)
	}
	if !key.IsActive {
		return domain.ApiKey{}, ErrUnauthenticated
	}
	return key, nil
}

// ExtractSecret reads the bearer credential from either accepted header,
// preferring Authorization when both are present.
func ExtractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if secret, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(secret)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}
