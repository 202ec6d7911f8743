package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/templui/downloadgroups/internal/ctxkeys"
	"github.com/templui/downloadgroups/internal/model"
)

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	VerifyJWT(token string) (*model.Principal, error)
}

// Authenticate adds the principal to the context when a valid bearer token is
// present. Requests without a token continue anonymously; a malformed or
// invalid token is rejected outright.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "authorization header must be a bearer token")
				return
			}

			principal, err := verifier.VerifyJWT(strings.TrimSpace(token))
			if err != nil {
				slog.Warn("rejected bearer token", "error", err, "path", r.URL.Path, "request_id", ctxkeys.RequestID(r.Context()))
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := ctxkeys.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth ensures the request carries an authenticated principal.
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctxkeys.Principal(r.Context()) == nil {
			unauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	}
}

// RequireCapability ensures the principal holds the given capability.
func RequireCapability(capability string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			if !ctxkeys.Principal(r.Context()).HasCapability(capability) {
				writeError(w, http.StatusForbidden, "forbidden", "missing capability "+capability)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="downloads"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
