package middleware

import "net/http"

// DefaultMaxRequestBody is the default maximum size for request bodies (10KiB)
const DefaultMaxRequestBody = 10 * 1024

// BodyLimit caps request bodies at limit bytes. Reads past the cap fail with
// *http.MaxBytesError and the connection is closed after the response.
func BodyLimit(limit int64) Middleware {
	if limit <= 0 {
		limit = DefaultMaxRequestBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
