package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsAllowHeaders = "Content-Type, Authorization"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// CORS adds Access-Control headers for allowed origins and answers
// preflight requests. A "*" entry allows every origin, in which case
// credentials are not advertised.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(allowedOrigins, "*")
	allowed := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed = append(allowed, strings.ToLower(origin))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				h := w.Header()
				h.Add("Vary", "Origin")
				switch {
				case allowAll:
					h.Set("Access-Control-Allow-Origin", "*")
				case slices.Contains(allowed, strings.ToLower(origin)):
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
				default:
					origin = ""
				}
				if origin != "" {
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
