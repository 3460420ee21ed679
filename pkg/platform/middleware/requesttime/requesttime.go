// Package requesttime pins one "now" per request so audit entries, soft
// deletes and decision events written by the same request share a timestamp.
package requesttime

import (
	"net/http"
	"time"

	"spotkeeper/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
