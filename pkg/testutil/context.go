package testutil

import (
	"net/http"
	"time"

	"spotkeeper/pkg/requestcontext"
)

// WithTime pins the request-scoped clock, as the requesttime middleware would.
func WithTime(req *http.Request, at time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), at))
}
