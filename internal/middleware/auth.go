package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const ctxUserKey contextKey = "auth_user"

// authUser is what Auth stores in the request context.
type authUser struct {
	ID      uuid.UUID
	IsAdmin bool
}

// TokenValidator is the subset of the auth service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, bool, error)
}

// WithUser returns ctx carrying the authenticated user. Auth calls this after
// token validation; handler tests use it to simulate an authenticated request.
func WithUser(ctx context.Context, id uuid.UUID, isAdmin bool) context.Context {
	return context.WithValue(ctx, ctxUserKey, &authUser{ID: id, IsAdmin: isAdmin})
}

// UserIDFromCtx returns the authenticated user id, or uuid.Nil if unset.
func UserIDFromCtx(ctx context.Context) uuid.UUID {
	if u, ok := ctx.Value(ctxUserKey).(*authUser); ok {
		return u.ID
	}
	return uuid.Nil
}

// IsAdminFromCtx reports whether the authenticated user is an admin.
func IsAdminFromCtx(ctx context.Context) bool {
	if u, ok := ctx.Value(ctxUserKey).(*authUser); ok {
		return u.IsAdmin
	}
	return false
}

// Auth validates the Bearer token and stores the user in the request context.
func Auth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			userID, isAdmin, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, isAdmin)))
		})
	}
}

// RequireAdmin rejects non-admin users. Chain after Auth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdminFromCtx(r.Context()) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
