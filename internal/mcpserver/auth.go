package mcpserver

import (
	"net/http"

	"github.com/snappy-loop/museum-alive/internal/auth"
)

// AuthMiddleware returns an http middleware that validates Authorization: Bearer <key>
// using auth.Service. On failure it responds with 401 JSON and does not call next.
// The key ID is added to the request context so tool calls are charged to it.
func AuthMiddleware(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.BearerToken(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			key, err := authService.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAPIKeyID(r.Context(), key.ID)))
		})
	}
}
