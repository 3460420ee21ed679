package sharedsecret

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type trackingBody struct {
	io.Reader
	read bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	b.read = true
	return b.Reader.Read(p)
}

func TestRequireQueryToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	called := false
	h := RequireQueryToken("token", "s3cret", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = io.ReadAll(r.Body)
	}))

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing token", "/webhook", http.StatusForbidden},
		{"wrong token", "/webhook?token=guess", http.StatusForbidden},
		{"prefix of token", "/webhook?token=s3cre", http.StatusForbidden},
		{"matching token", "/webhook?token=s3cret", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			body := &trackingBody{Reader: strings.NewReader(`{"event":"invitee.created"}`)}
			req := httptest.NewRequest(http.MethodPost, tc.target, body)
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.status == http.StatusOK, called)
			assert.Equal(t, tc.status == http.StatusOK, body.read)
			if tc.status == http.StatusForbidden {
				assert.NotContains(t, rr.Body.String(), "token")
			}
		})
	}
}

func TestRequireQueryTokenRejectsWhenUnconfigured(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RequireQueryToken("token", "", logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook?token=", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
