package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/fabrom/internal/coordinator"
)

// UserHeader names the caller on authenticated routes.
const UserHeader = "X-User-ID"

type identityKey struct{}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". With an
// empty apiToken any bearer token is accepted, but one must be present.
func BearerAuthMiddleware(apiToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || (apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiToken)) != 1) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			user := strings.TrimSpace(r.Header.Get(UserHeader))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
				return
			}
			id := coordinator.Identity{UserID: user, Token: token}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func identityFrom(ctx context.Context) coordinator.Identity {
	id, _ := ctx.Value(identityKey{}).(coordinator.Identity)
	return id
}
