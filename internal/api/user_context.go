package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/sendpipe/internal/pkg/httputil"
)

// HeaderUserID identifies the calling user. The dashboard's gateway
// authenticates the session and sets it.
const HeaderUserID = "X-User-ID"

type userContextKey struct{}

// RequireUser rejects requests without a user id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			httputil.Unauthorized(w, "missing "+HeaderUserID+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the user id stored by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey{}).(string)
	return id
}
