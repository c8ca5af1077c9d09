package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/council/internal/storage"
)

// SessionCookie carries a session token for browser clients.
const SessionCookie = "council_session"

// TokenResolver maps a session token to a user id.
type TokenResolver interface {
	UserForToken(token string) (string, error)
}

type ctxKey int

const userIDKey ctxKey = 0

// UserAuth authenticates requests with a bearer token or the session
// cookie and stores the user id in the request context.
func UserAuth(tokens TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := requestToken(r)
			if token == "" {
				httpError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing bearer token")
				return
			}
			userID, err := tokens.UserForToken(token)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired session")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "persistence_error", "resolving session: %v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func requestToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// WithUserID returns ctx carrying an authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user id, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
