package core

import (
	"net/http"
	"strings"
)

// CORSMiddleware adds CORS headers based on the configured origin list and
// answers preflight OPTIONS requests. Supports exact origins, "*", and
// wildcard subdomains ("*.example.com").
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if isOriginAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed implements the origin matching logic. An empty origin
// (same-origin request) returns false since no CORS headers are needed.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}

		// Wildcard subdomain support, e.g. https://*.example.com
		if idx := strings.Index(allowed, "*."); idx >= 0 {
			before := allowed[:idx]
			after := allowed[idx+2:]
			if strings.HasPrefix(origin, before) && strings.HasSuffix(origin, after) {
				rest := origin[len(before) : len(origin)-len(after)]
				if rest != "" && !strings.Contains(rest, "/") {
					return true
				}
			}
		}
	}
	return false
}
