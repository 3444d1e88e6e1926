package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

type tenantContextKey struct{}

// TenantIDFromContext returns the authenticated tenant id set by
// APIKeyAuthenticator.Middleware.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantContextKey{}).(string)
	return v, ok
}

// KeyLookup resolves a hashed API key to its owning tenant id.
type KeyLookup func(ctx context.Context, keyHash string) (tenantID string, ok bool, err error)

// APIKeyAuthenticator validates the Authorization: Bearer <key> header
// against the api_keys table.
type APIKeyAuthenticator struct {
	lookup KeyLookup
}

// NewAPIKeyAuthenticator builds an authenticator backed by lookup.
func NewAPIKeyAuthenticator(lookup KeyLookup) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{lookup: lookup}
}

// Middleware rejects requests without a valid API key and injects the
// resolved tenant id into the request context.
func (a *APIKeyAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeAppError(w, apperrors.NewAuthError("missing or malformed Authorization header"))
			return
		}
		key := strings.TrimPrefix(header, prefix)
		if key == "" {
			writeAppError(w, apperrors.NewAuthError("empty API key"))
			return
		}

		tenantID, ok, err := a.lookup(r.Context(), hashAPIKey(key))
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !ok {
			writeAppError(w, apperrors.NewAuthError("invalid or revoked API key"))
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey{}, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// hashAPIKey mirrors how api_keys.key_hash is populated at issuance: a raw
// key is never stored, only its SHA-256 digest.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
