package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/me/attemptrun/pkg/model"
)

// bearerAuthMiddleware requires "Authorization: Bearer <token>" when token
// is non-empty.
func bearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, RequestIDFromContext(r.Context()), model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
