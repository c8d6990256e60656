package auth

import (
	"context"
	"net/http"
)

type contextKey string

// ContextKey is the request-context key the middleware stores the
// authenticated principal's token hash under.
const ContextKey contextKey = "auth.tokenHash"

// TokenValidator looks up whether a token hash corresponds to a live
// operator bearer token. Implemented by store.Store; a worker's own
// worker_token is checked by RequireWorkerToken, which takes the token
// string directly rather than a TokenValidator.
type TokenValidator interface {
	ValidateTokenHash(ctx context.Context, hash string) bool
}

// TokenValidatorFunc adapts a plain function to TokenValidator.
type TokenValidatorFunc func(ctx context.Context, hash string) bool

func (f TokenValidatorFunc) ValidateTokenHash(ctx context.Context, hash string) bool {
	return f(ctx, hash)
}

// RequireBearer returns middleware that authenticates every request by
// SHA-256-hashing the presented bearer token and checking it against
// validator. WebSocket upgrades authenticate via a "token" query
// parameter instead of the Authorization header.
func RequireBearer(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			hash := HashToken(token)
			if !validator.ValidateTokenHash(r.Context(), hash) {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKey, hash)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireWorkerToken returns middleware for the worker agent's own
// endpoints: the bearer token must constant-time-equal the worker's
// single configured worker_token, not a hash lookup.
func RequireWorkerToken(workerToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" || !ConstantTimeEqual(token, workerToken) {
				writeAuthError(w, http.StatusUnauthorized, "invalid worker token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
