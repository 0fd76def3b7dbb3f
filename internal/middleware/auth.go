package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pliu/livechat/internal/auth"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// TokenVerifier checks a room credential.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ClaimsFromContext returns the credential RoomAuth accepted.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

// RoomAuth requires a Bearer room credential. When the route has a {room}
// variable the credential must be for that room.
func RoomAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			claims, err := verifier.Verify(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if room, ok := mux.Vars(r)["room"]; ok && room != claims.Video.Room {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
