package logging

import (
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/0xReLogic/Cigano/internal/config"
)

const maxInboundIDLength = 64

// RequestContextMiddleware assigns the correlation id and arrival time of
// every request and stores a logger tagged with the id in the context.
// A well-formed inbound id header is reused, otherwise a fresh one is generated.
func RequestContextMiddleware(cfg config.LoggingConfig) func(http.Handler) http.Handler {
	requestHeader := RequestHeaderName(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			arrival := time.Now()

			requestID := strings.TrimSpace(r.Header.Get(requestHeader))
			if !validIdentifier(requestID) {
				requestID = NewRequestID()
				r.Header.Set(requestHeader, requestID)
			}
			w.Header().Set(requestHeader, requestID)

			next.ServeHTTP(w, r.WithContext(withScope(r.Context(), requestID, arrival)))
		})
	}
}

// NewRequestID returns a short random correlation token.
func NewRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

func validIdentifier(id string) bool {
	if id == "" || len(id) > maxInboundIDLength {
		return false
	}
	for _, r := range id {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
