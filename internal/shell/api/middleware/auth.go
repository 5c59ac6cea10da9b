// Package middleware provides HTTP middleware for the branchoff API.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Header names read by the middleware.
const (
	HeaderAuthorization = "Authorization"
	HeaderToken         = "X-Branchoff-Token"
	HeaderSignature256  = "X-Hub-Signature-256"
)

// MaxWebhookBody bounds the payload read for signature verification.
const MaxWebhookBody = 5 << 20

// =============================================================================
// Token Auth
// =============================================================================

// AuthConfig holds configuration for the token middleware.
type AuthConfig struct {
	// Token is the shared API token. If empty, every request is accepted.
	Token string

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// AuthMiddleware guards the control API with a shared bearer token.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function. The token is taken from
// "Authorization: Bearer <token>" or the X-Branchoff-Token header.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := requestToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "API token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.config.Token)) != 1 {
			m.config.Logger.Warn("invalid API token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusForbidden, "forbidden", "invalid API token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if bearer, ok := strings.CutPrefix(r.Header.Get(HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}

// =============================================================================
// Webhook Signatures
// =============================================================================

// VerifySignature rejects webhook deliveries whose X-Hub-Signature-256 does
// not match the HMAC-SHA256 of the body under secret. An empty secret
// disables the check. The body is restored for the next handler.
func VerifySignature(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !ValidSignature(secret, body, r.Header.Get(HeaderSignature256)) {
				logger.Warn("webhook signature mismatch",
					"remote_addr", r.RemoteAddr,
					"event", r.Header.Get("X-GitHub-Event"),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether header is the signature of body.
func ValidSignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}

// =============================================================================
// JSON Error Response
// =============================================================================

// ErrorBody mirrors the API's error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Error: message, Code: code})
}
