package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"
)

const maxUserIDLength = 128

type userKey struct{}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, errUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser reads the acting user's id from header and stores it in the
// request context. Identity is asserted by the caller holding the bearer
// token; it is not verified here.
func RequireUser(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" {
				httpError(w, http.StatusBadRequest, errBadRequest, "missing %s header", header)
				return
			}
			if len(id) > maxUserIDLength || strings.ContainsFunc(id, unicode.IsControl) {
				httpError(w, http.StatusBadRequest, errBadRequest, "invalid %s header", header)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
		})
	}
}

// userFrom returns the user id set by RequireUser.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
