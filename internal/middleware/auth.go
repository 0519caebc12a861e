package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

type contextKey string

const callerKey contextKey = "caller"

// public paths never require a key
var publicPaths = map[string]bool{"/health": true, "/ready": true, "/live": true, "/metrics": true}

// APIKeyAuth validates the API key from the Authorization header and puts
// the matching caller into the request context.
func APIKeyAuth(keys map[string]tasks.Caller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			// Support both "Bearer <key>" and "<key>" formats
			apiKey := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if apiKey == "" {
				http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			// constant-time comparison
			var (
				caller tasks.Caller
				valid  bool
			)
			for key, c := range keys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					caller, valid = c, true
					break
				}
			}
			if !valid {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func WithCaller(ctx context.Context, c tasks.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the caller set by APIKeyAuth.
func CallerFromContext(ctx context.Context) (tasks.Caller, bool) {
	c, ok := ctx.Value(callerKey).(tasks.Caller)
	return c, ok
}
