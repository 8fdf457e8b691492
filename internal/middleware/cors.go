package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/0xReLogic/Cigano/internal/config"
)

// CORS allows only the production origin in production and the development
// origins elsewhere. A development origin ending in ":*" matches any port.
func CORS(cfg config.CORSConfig, production bool, requestIDHeader string) Middleware {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader, "Retry-After"},
		MaxAge:         600,
	}
	if production {
		opts.AllowedOrigins = []string{cfg.ProductionOrigin}
	} else {
		patterns := append([]string(nil), cfg.DevelopmentOrigins...)
		opts.AllowOriginFunc = func(origin string) bool {
			for _, p := range patterns {
				if matchOrigin(p, origin) {
					return true
				}
			}
			return false
		}
	}

	c := cors.New(opts)
	return func(next http.Handler) http.Handler {
		return c.Handler(next)
	}
}

func matchOrigin(pattern, origin string) bool {
	prefix, anyPort := strings.CutSuffix(pattern, "*")
	if !anyPort || !strings.HasSuffix(prefix, ":") {
		return pattern == origin
	}
	port, ok := strings.CutPrefix(origin, prefix)
	if !ok || port == "" || len(port) > 5 {
		return false
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
