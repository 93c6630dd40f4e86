package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/sweater-ventures/courier/app"
)

// publicPaths skip the key check. The websocket endpoint authorizes
// itself during the upgrade.
var publicPaths = map[string]bool{
	"/api/ping":    true,
	"/api/version": true,
	"/metrics":     true,
	"/ws":          true,
}

// RequestAPIKey returns the key presented in the x-api-key header or, for
// clients that cannot set headers, the guid query parameter.
func RequestAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("guid")
}

// APIKeyAuthMiddleware rejects requests that do not carry the configured
// API key. With no key configured every request is refused unless the
// server runs in dev mode.
func APIKeyAuthMiddleware(courier *app.Application) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			expected := courier.Store.APIKey(r.Context())
			if expected == "" {
				if courier.Config.DevMode {
					next.ServeHTTP(w, r)
					return
				}
				log(r.Context()).Warn("Rejecting request, no API key configured", "path", r.URL.Path)
				writeError(w, http.StatusServiceUnavailable, "server has no API key configured")
				return
			}

			presented := RequestAPIKey(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
