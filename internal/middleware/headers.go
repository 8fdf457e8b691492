package middleware

import "net/http"

const hstsValue = "max-age=15552000; includeSubDomains"

var securityHeaders = map[string]string{
	"Content-Security-Policy":           "default-src 'self'; base-uri 'self'; frame-ancestors 'self'; object-src 'none'",
	"Cross-Origin-Opener-Policy":        "same-origin",
	"Cross-Origin-Resource-Policy":      "same-origin",
	"Origin-Agent-Cluster":              "?1",
	"Referrer-Policy":                   "no-referrer",
	"X-Content-Type-Options":            "nosniff",
	"X-DNS-Prefetch-Control":            "off",
	"X-Download-Options":                "noopen",
	"X-Frame-Options":                   "SAMEORIGIN",
	"X-Permitted-Cross-Domain-Policies": "none",
}

// SecurityHeaders sets the hardening response headers on every response.
// Strict-Transport-Security is only sent in production, where the service
// sits behind TLS.
func SecurityHeaders(production bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			// set response headers before calling next so they are present
			for k, v := range securityHeaders {
				h.Set(k, v)
			}
			if production {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			h.Del("X-Powered-By")
			next.ServeHTTP(w, r)
		})
	}
}
