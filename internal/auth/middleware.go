package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
)

// Middleware creates HTTP middleware for authentication.
// Accepts either "Authorization: Bearer <jwt|api-key>" or "X-API-Key: <key>";
// the resolved identity is attached to the request context.
func Middleware(mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authenticate(mgr, r)
			if err != nil {
				logger.Slog().Info("authentication failed",
					"method", r.Method, "path", r.URL.Path, "error", err)
				jsonError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			ctx = logger.WithUsername(ctx, identity.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(mgr *Manager, r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return mgr.ValidateAPIKey(key)
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrInvalidToken
	}
	credential := strings.TrimPrefix(header, "Bearer ")

	if IsAPIKey(credential) {
		return mgr.ValidateAPIKey(credential)
	}
	return mgr.ValidateAccessToken(credential)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": message,
	})
}
