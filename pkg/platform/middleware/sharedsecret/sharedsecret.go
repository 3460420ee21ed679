// Package sharedsecret guards endpoints called by external systems that
// authenticate with a static token in the query string.
package sharedsecret

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"spotkeeper/pkg/requestcontext"
)

// RequireQueryToken compares the named query parameter with expected in
// constant time before the handler sees the body. Mismatches get a bare 403.
func RequireQueryToken(param, expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get(param)
			if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "shared secret mismatch",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(ctx),
				)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
