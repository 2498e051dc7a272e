package httpserver

import (
	"context"
	"net/http"
	"strings"

	"chatcore/internal/domain"
)

type contextKey string

const userContextKey contextKey = "currentUser"

// TokenResolver maps a bearer token to a user id.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (string, error)
}

// WithUser returns a new context carrying the current user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// CurrentUser extracts the current user id from context, if any.
func CurrentUser(r *http.Request) string {
	if v, ok := r.Context().Value(userContextKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware validates the Bearer token and attaches the user id to the context.
func AuthMiddleware(tokens TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeError(w, domain.NewAuthError("missing or invalid Authorization header"))
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			userID, err := tokens.ResolveToken(r.Context(), tokenStr)
			if err != nil {
				writeError(w, domain.NewAuthError(domain.Reason(err)))
				return
			}

			ctx := WithUser(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
