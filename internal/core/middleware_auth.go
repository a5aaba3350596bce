package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"bulkmail/internal/types"
)

// authPublicPaths bypass APIKeyMiddleware.
var authPublicPaths = map[string]bool{
	"/health":          true,
	"/health/detailed": true,
}

// APIKeyAuthenticator verifies keys of the form "<client>.<secret>" against
// the bcrypt hash configured for <client>. Verified keys are remembered by
// their SHA-256 digest so bcrypt runs once per key per process.
type APIKeyAuthenticator struct {
	hashes   map[string][]byte
	verified sync.Map // sha256(key) hex -> client name
}

// NewAPIKeyAuthenticator validates that every configured value is a bcrypt
// hash. A malformed hash would otherwise reject every request silently.
func NewAPIKeyAuthenticator(hashes map[string]string) (*APIKeyAuthenticator, error) {
	a := &APIKeyAuthenticator{hashes: make(map[string][]byte, len(hashes))}
	for client, hash := range hashes {
		if client == "" || strings.Contains(client, ".") {
			return nil, fmt.Errorf("invalid api client name %q", client)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key hash for %q: %w", client, err)
		}
		a.hashes[client] = []byte(hash)
	}
	return a, nil
}

// Authenticate returns the client name owning key.
func (a *APIKeyAuthenticator) Authenticate(key string) (string, error) {
	digest := sha256.Sum256([]byte(key))
	cacheKey := hex.EncodeToString(digest[:])
	if client, ok := a.verified.Load(cacheKey); ok {
		return client.(string), nil
	}

	client, secret, ok := strings.Cut(key, ".")
	if !ok || client == "" || secret == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed API key", nil)
	}
	hash, ok := a.hashes[client]
	if !ok {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", err)
	}

	a.verified.Store(cacheKey, client)
	return client, nil
}

// HashAPIKeySecret produces the bcrypt hash to configure for a new secret.
func HashAPIKeySecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

const apiKeyBcryptCost = 12

// APIKeyMiddleware reads the key from X-Api-Key or an Authorization Bearer
// header and injects the client name via types.WithAPIClient. It passes
// through when no keys are configured.
func (s *Server) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Keys == nil || authPublicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = extractBearerToken(r.Header.Get("Authorization"))
		}
		if key == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "API key is required")
			return
		}

		client, err := s.Keys.Authenticate(key)
		if err != nil {
			s.Logger.Warn("authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithAPIClient(r.Context(), client)))
	})
}

// extractBearerToken returns the token from "Bearer <token>", matching the
// scheme case-insensitively per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
