package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// echoHandler writes the request body back.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		headers map[string]string
		want    int
	}{
		{name: "no token configured", want: http.StatusOK},
		{name: "missing token", token: "s3cret", want: http.StatusUnauthorized},
		{
			name:    "bearer token",
			token:   "s3cret",
			headers: map[string]string{HeaderAuthorization: "Bearer s3cret"},
			want:    http.StatusOK,
		},
		{
			name:    "token header",
			token:   "s3cret",
			headers: map[string]string{HeaderToken: "s3cret"},
			want:    http.StatusOK,
		},
		{
			name:    "wrong token",
			token:   "s3cret",
			headers: map[string]string{HeaderAuthorization: "Bearer nope"},
			want:    http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware(AuthConfig{Token: tt.token}).Handler(echoHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				assert.NotEmpty(t, decodeError(t, rec).Code)
			}
		})
	}
}

// =============================================================================
// VerifySignature Tests
// =============================================================================

func TestVerifySignature(t *testing.T) {
	const body = `{"ref":"refs/heads/main"}`

	tests := []struct {
		name      string
		secret    string
		signature string
		want      int
	}{
		{name: "disabled", want: http.StatusOK},
		{name: "valid", secret: "hook", signature: Sign("hook", []byte(body)), want: http.StatusOK},
		{name: "missing", secret: "hook", want: http.StatusUnauthorized},
		{name: "other secret", secret: "hook", signature: Sign("other", []byte(body)), want: http.StatusUnauthorized},
		{name: "sha1 only", secret: "hook", signature: "sha1=deadbeef", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := VerifySignature(tt.secret, nil)(echoHandler())
			req := httptest.NewRequest(http.MethodPost, "/github/postreceive", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(HeaderSignature256, tt.signature)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, body, rec.Body.String(), "body must reach the next handler")
			}
		})
	}
}

func TestSign(t *testing.T) {
	// Known vector for HMAC-SHA256("It's a Secret to Everybody", "Hello, World!").
	got := Sign("It's a Secret to Everybody", []byte("Hello, World!"))
	assert.Equal(t, "sha256=757107ea0eb2509fc211221cce984b8a37570b6d7586c22c46f4379c8b043e17", got)
	assert.True(t, ValidSignature("It's a Secret to Everybody", []byte("Hello, World!"), got))
}
