// Package middleware holds the cross-cutting HTTP wrappers of the service.
package middleware

import "net/http"

// Middleware represents an HTTP middleware that wraps a handler
type Middleware func(next http.Handler) http.Handler

// Chain applies mws to base. The first middleware listed becomes the
// outermost wrapper. Nil entries are skipped.
func Chain(base http.Handler, mws ...Middleware) http.Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}
