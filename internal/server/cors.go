package server

import (
	"net/http"
	"strings"

	"scenechat/internal/logging"
)

// localhostOrigins is the expansion used for wildcard entries. Browsers
// reject Access-Control-Allow-Origin patterns with wildcard ports, so
// the common local development ports are enumerated instead.
var localhostOrigins = []string{
	"http://localhost:8000",
	"http://localhost:8080",
	"http://localhost:3000",
	"http://127.0.0.1:8000",
	"http://127.0.0.1:8080",
	"http://127.0.0.1:3000",
}

// expandOrigins resolves wildcard patterns and removes duplicates.
func expandOrigins(configured []string) map[string]bool {
	allowed := make(map[string]bool)
	for _, origin := range configured {
		if strings.Contains(origin, "*") {
			for _, local := range localhostOrigins {
				allowed[local] = true
			}
			continue
		}
		allowed[origin] = true
	}
	return allowed
}

// corsMiddleware answers preflight requests and stamps CORS headers on
// responses to allowed origins.
func corsMiddleware(next http.Handler, configured []string) http.Handler {
	allowed := expandOrigins(configured)
	logging.Server("CORS configured for %d origins", len(allowed))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "*")
			h.Set("Access-Control-Expose-Headers", "*")
			h.Set("Access-Control-Max-Age", "600")
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
