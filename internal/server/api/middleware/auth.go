package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/ratelimit"
)

type contextKey string

const (
	IdentityContextKey contextKey = "identity"
	TokenContextKey    contextKey = "token"
)

// RequireAuth resolves the bearer token once per request. Requests
// without a live session get 401.
func RequireAuth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			id, err := svc.Resolve(r.Context(), token)
			if err != nil {
				jsonError(w, apperr.HTTPStatus(err), apperr.Message(err))
				return
			}
			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			ctx = context.WithValue(ctx, TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthRateLimit spends one auth attempt per request for the client IP.
func AuthRateLimit(limiter *ratelimit.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.CanAuth(ratelimit.GetClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				jsonError(w, http.StatusTooManyRequests, "Too many login attempts. Please wait a minute.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GetIdentity returns the identity stored by RequireAuth.
func GetIdentity(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(auth.Identity)
	return id, ok
}

func GetToken(ctx context.Context) string {
	token, _ := ctx.Value(TokenContextKey).(string)
	return token
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
