package middleware

import (
	"net/http"
	"time"

	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/utils"
)

// AccessLog writes one line per request. It must run inside
// logging.RequestContextMiddleware so the line carries the request id.
func AccessLog(trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := utils.NewResponseRecorder(w)
			next.ServeHTTP(rec, r)

			status := rec.Status()
			latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

			logger := logging.WithContext(r.Context())
			event := logger.Info()
			switch {
			case status >= 500:
				event = logger.Error()
			case status >= 400:
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", rec.Bytes()).
				Float64("latency_ms", latencyMs).
				Str("client_ip", utils.GetClientIP(r, trustProxy)).
				Str("user_agent", r.UserAgent()).
				Msg("request completed")
		})
	}
}
